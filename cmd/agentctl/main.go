package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/vaultctl/internal/agent"
	"github.com/danmuck/vaultctl/internal/config"
	"github.com/danmuck/vaultctl/internal/logging"
	"github.com/danmuck/vaultctl/internal/vault"
)

const passwordEnv = "VAULTCTL_VAULT_PASSWORD"

func main() {
	configPath := flag.String("config", "cmd/agentctl/config.toml", "agent config file (toml)")
	flag.Parse()

	logging.ConfigureRuntime("agentctl")

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

// run unlocks the vault once at startup, then serves lookups from memory.
// The decrypted entries never touch disk.
func run(configPath string) error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return err
	}

	password := os.Getenv(passwordEnv)
	if password == "" && cfg.KeyFile == "" {
		return fmt.Errorf("no credentials: set %s or key_file in the config", passwordEnv)
	}
	source, err := vault.Open(cfg.VaultPath, password, cfg.KeyFile)
	if err != nil {
		return err
	}

	service := agent.NewService(agent.ServiceConfig{
		NodeID:           cfg.NodeID,
		ListenAddr:       cfg.ListenAddr,
		AdminListenAddr:  cfg.AdminAddr,
		AdminCORSOrigins: cfg.CORSOrigins,
		AdminToken:       cfg.AdminToken,
	}, source)
	return service.Run()
}
