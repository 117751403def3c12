// Command transactor starts a game-hosting transactor server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/racehost/transactor/broadcaster"
	"github.com/racehost/transactor/checkpoint"
	"github.com/racehost/transactor/config"
	"github.com/racehost/transactor/contentstore"
	"github.com/racehost/transactor/crypto/certgen"
	"github.com/racehost/transactor/encryptor"
	"github.com/racehost/transactor/handler"
	"github.com/racehost/transactor/metrics"
	"github.com/racehost/transactor/rpc"
	"github.com/racehost/transactor/sessionmanager"
	"github.com/racehost/transactor/storage"
	"github.com/racehost/transactor/submitter"
	"github.com/racehost/transactor/synchronizer"
	"github.com/racehost/transactor/transport"

	// Import reference handlers to trigger their init() self-registration.
	_ "github.com/racehost/transactor/handlers/chat"
	_ "github.com/racehost/transactor/handlers/minimal"
	_ "github.com/racehost/transactor/handlers/onecard"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "transactor.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new server key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + server TLS certs into the given directory and exit")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TRANSACTOR_PASSWORD")
	if password == "" {
		log.Println("WARNING: TRANSACTOR_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		enc, err := encryptor.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := enc.SaveKeystore(*keyPath, password); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Server address: %s\n", enc.Address())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		if err := certgen.GenerateAll(*genCerts, "transactor", nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s\n", *genCerts)
		return
	}

	// ---- publish subcommand ----
	if args := flag.Args(); len(args) > 0 && args[0] == "publish" {
		os.Exit(runPublish(args[1:]))
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load server key ----
	var signer submitter.Signer
	enc, err := encryptor.LoadKeystore(*keyPath, password)
	if err != nil {
		log.Printf("keystore %s not loaded (%v) — settlements will be unsigned", *keyPath, err)
	} else {
		signer = enc
		log.Printf("Server address: %s", enc.Address())
	}

	// ---- open DB ----
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBFileName), 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.Storage.DBFileName)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	// Checkpoints and bundle content share one DB under distinct prefixes.
	checkpoints := checkpoint.NewFileStoreDB(db)
	contents := contentstore.New(db)

	// ---- handler bundle cache ----
	bundles := handler.NewBundleCache()
	bundles.SetContentStore(contents)

	// ---- record dir ----
	if cfg.Storage.RecordDir != "" {
		if err := os.MkdirAll(cfg.Storage.RecordDir, 0755); err != nil {
			log.Fatalf("mkdir record dir: %v", err)
		}
	}

	// ---- broadcaster + facade listener ----
	bc := broadcaster.New()
	facadeMux := http.NewServeMux()
	facadeMux.Handle("/broadcast", bc)
	facadeMux.Handle("/metrics", metrics.Handler())
	facadeSrv := &http.Server{
		Addr:              cfg.Facade.Host,
		Handler:           facadeMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := facadeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[facade] server error: %v", err)
		}
	}()
	log.Printf("Facade listening on %s", cfg.Facade.Host)

	// ---- session manager ----
	sm := sessionmanager.New(sessionmanager.Deps{
		Handlers:     bundles,
		Checkpoints:  checkpoints,
		Broadcaster:  bc,
		Signer:       signer,
		RecordDir:    cfg.Storage.RecordDir,
		SubmitConfig: submitter.DefaultConfig(),
		SyncConfig:   synchronizer.DefaultConfig(),
	})

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("TLS enabled for ingress")
	}

	// ---- RPC ingress ----
	rpcAddr := fmt.Sprintf(":%d", cfg.Transactor.Port)
	rpcHandler := rpc.NewHandler(sm, checkpoints, cfg.Transactor.Chain)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken, tlsCfg)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s (chain %s)", rpcAddr, cfg.Transactor.Chain)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop sessions first (no new checkpoints or settlements written)
	sm.StopAll()

	// 2. Facade drains after sessions, so tailing clients see final frames
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := facadeSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[facade] shutdown: %v", err)
	}

	// 3. Deferred calls run in LIFO: rpcServer.Stop → db.Close
	log.Println("Shutdown complete.")
}

// runPublish implements `transactor publish <chain> <bundle-path>`,
// uploading a handler bundle and printing its new on-chain address. Exit
// status is 0 on success, nonzero with a single-line error on failure.
func runPublish(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: transactor publish <chain> <bundle-path>")
		return 2
	}
	chain, path := args[0], args[1]

	t, err := transport.Get(chain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		return 1
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		return 1
	}

	name := filepath.Base(path)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	addr, err := t.PublishGame(ctx, transport.Bundle{Name: name, Data: data})
	if err != nil {
		fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		return 1
	}
	fmt.Println(addr)
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
