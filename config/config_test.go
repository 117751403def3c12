package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"transactor": {"port": 9000, "chain": "solana", "address": "T1", "reg_addresses": ["reg1"]},
		"storage": {"db_file_name": "/tmp/db"},
		"solana": {"rpc": "http://localhost:8899", "keyfile": "/tmp/key", "reg_center": "center1"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transactor.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Transactor.Port)
	}
	if cfg.Transactor.Chain != "solana" {
		t.Errorf("chain = %q, want solana", cfg.Transactor.Chain)
	}
	if len(cfg.Transactor.RegAddresses) != 1 || cfg.Transactor.RegAddresses[0] != "reg1" {
		t.Errorf("reg_addresses = %v", cfg.Transactor.RegAddresses)
	}
	// Facade host is absent from the file, so the default must survive.
	if cfg.Facade.Host != "localhost:12002" {
		t.Errorf("facade.host = %q, want default", cfg.Facade.Host)
	}
	if cfg.Solana == nil || cfg.Solana.RegCenter != "center1" {
		t.Errorf("solana section not loaded: %+v", cfg.Solana)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty chain", func(c *Config) { c.Transactor.Chain = "" }},
		{"bad port", func(c *Config) { c.Transactor.Port = 0 }},
		{"empty db file", func(c *Config) { c.Storage.DBFileName = "" }},
		{"half tls", func(c *Config) { c.TLS = &TLSConfig{ServerCert: "x.crt"} }},
		{"solana missing rpc", func(c *Config) { c.Solana = &SolanaConfig{Keyfile: "k"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
