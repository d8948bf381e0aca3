package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/vaultctl/internal/agent"
	"github.com/danmuck/vaultctl/internal/config"
	"github.com/danmuck/vaultctl/internal/logging"
	"github.com/danmuck/vaultctl/internal/server"
	"github.com/danmuck/vaultctl/internal/vault"
)

func main() {
	configPath := flag.String("config", "cmd/vaultd/config.toml", "server config file (toml)")
	flag.Parse()

	logging.ConfigureRuntime("vaultd")

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}

	// Each connection's credentials unlock the configured vault file; the
	// peer never chooses which vault it reads.
	opener := func(password, keyfile string) (agent.Searcher, error) {
		return vault.Open(cfg.VaultPath, password, keyfile)
	}

	service := server.NewService(server.ServiceConfig{
		NodeID:           cfg.NodeID,
		ListenAddr:       cfg.ListenAddr,
		AdminListenAddr:  cfg.AdminAddr,
		AdminCORSOrigins: cfg.CORSOrigins,
		AdminToken:       cfg.AdminToken,
		SecurityMode:     server.NormalizeSecurityMode(server.SecurityMode(cfg.SecurityMode)),
		TLS: server.TLSConfig{
			Enabled:  cfg.TLSEnabled,
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		},
	}, opener)
	return service.Run()
}
