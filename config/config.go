package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files for the ingress listener.
// When nil or all paths empty, the server falls back to plain HTTP.
// Setting CACert additionally requires connecting clients to present a
// certificate signed by that CA.
type TLSConfig struct {
	CACert     string `json:"ca_cert,omitempty"` // optional client CA PEM path
	ServerCert string `json:"server_cert"`       // server certificate PEM path
	ServerKey  string `json:"server_key"`        // server private key PEM path
}

// TransactorConfig identifies this server on chain and names the
// registration accounts it serves games from.
type TransactorConfig struct {
	Port         int      `json:"port"`
	Endpoint     string   `json:"endpoint"` // public endpoint clients are told to connect to
	Chain        string   `json:"chain"`    // chain name the transport registry resolves
	Address      string   `json:"address"`  // this server's on-chain address
	RegAddresses []string `json:"reg_addresses"`
}

// StorageConfig locates the local durable layer shared by the
// CheckpointStore and ContentStore.
type StorageConfig struct {
	DBFileName string `json:"db_file_name"`
	RecordDir  string `json:"record_dir,omitempty"` // empty → event-record logging disabled
}

// FacadeConfig configures the client-facing broadcast listener.
type FacadeConfig struct {
	Host string `json:"host"`
}

// SolanaConfig carries the keys a Solana transport reads. The core never
// inspects these; they are passed through to the chain integration.
type SolanaConfig struct {
	RPC       string `json:"rpc"`
	Keyfile   string `json:"keyfile"`
	RegCenter string `json:"reg_center"`
}

// Config holds all transactor configuration.
type Config struct {
	Transactor   TransactorConfig `json:"transactor"`
	Storage      StorageConfig    `json:"storage"`
	Facade       FacadeConfig     `json:"facade"`
	Solana       *SolanaConfig    `json:"solana,omitempty"`
	TLS          *TLSConfig       `json:"tls,omitempty"`            // nil → plain HTTP
	RPCAuthToken string           `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-process development configuration.
func DefaultConfig() *Config {
	return &Config{
		Transactor: TransactorConfig{
			Port:     12003,
			Endpoint: "ws://localhost:12003",
			Chain:    "facade",
		},
		Storage: StorageConfig{
			DBFileName: "./data/transactor",
		},
		Facade: FacadeConfig{
			Host: "localhost:12002",
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.Transactor.Chain == "" {
		return fmt.Errorf("transactor.chain must not be empty")
	}
	if c.Transactor.Port <= 0 || c.Transactor.Port > 65535 {
		return fmt.Errorf("transactor.port must be 1-65535, got %d", c.Transactor.Port)
	}
	if c.Storage.DBFileName == "" {
		return fmt.Errorf("storage.db_file_name must not be empty")
	}
	if c.Solana != nil {
		if c.Solana.RPC == "" {
			return fmt.Errorf("solana.rpc must not be empty when the solana section is present")
		}
		if c.Solana.Keyfile == "" {
			return fmt.Errorf("solana.keyfile must not be empty when the solana section is present")
		}
	}
	if c.TLS != nil {
		t := c.TLS
		bothSet := t.ServerCert != "" && t.ServerKey != ""
		bothEmpty := t.ServerCert == "" && t.ServerKey == ""
		if !bothSet && !bothEmpty {
			return fmt.Errorf("tls: server_cert and server_key must be set together or both empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
