package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// TLSClientConfig is the client-side TLS surface of a config file.
type TLSClientConfig struct {
	Enabled            bool   `toml:"enabled"`
	TrustDir           string `toml:"trust_dir"`
	ServerName         string `toml:"server_name"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// ClientConfig selects the lookup peer for one vaultctl invocation.
type ClientConfig struct {
	Mode             string          `toml:"mode"`
	ServerAddr       string          `toml:"server_addr"`
	AgentAddr        string          `toml:"agent_addr"`
	ConnectTimeoutMS int             `toml:"connect_timeout_ms"`
	KeyFile          string          `toml:"key_file"`
	TLS              TLSClientConfig `toml:"tls"`
}

const (
	ModeAgent  = "agent"
	ModeDirect = "direct"
)

// AgentConfig configures the local agent daemon.
type AgentConfig struct {
	NodeID      string   `toml:"node_id"`
	ListenAddr  string   `toml:"listen_addr"`
	AdminAddr   string   `toml:"admin_addr"`
	AdminToken  string   `toml:"admin_token"`
	CORSOrigins []string `toml:"cors_origins"`
	VaultPath   string   `toml:"vault_path"`
	KeyFile     string   `toml:"key_file"`
}

// ServerConfig configures the direct-mode vaultd daemon.
type ServerConfig struct {
	NodeID       string   `toml:"node_id"`
	ListenAddr   string   `toml:"listen_addr"`
	AdminAddr    string   `toml:"admin_addr"`
	AdminToken   string   `toml:"admin_token"`
	CORSOrigins  []string `toml:"cors_origins"`
	VaultPath    string   `toml:"vault_path"`
	SecurityMode string   `toml:"security_mode"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAgent
	}
	if cfg.AgentAddr == "" {
		cfg.AgentAddr = "127.0.0.1:7600"
	}
	if cfg.TLS.TrustDir == "" {
		cfg.TLS.TrustDir = DefaultTrustDir()
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func LoadAgentConfig(path string) (AgentConfig, error) {
	var cfg AgentConfig
	if err := loadToml(path, &cfg); err != nil {
		return AgentConfig{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "agent.local"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7600"
	}
	if err := ValidateAgentConfig(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "vaultd.local"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7700"
	}
	if cfg.SecurityMode == "" {
		cfg.SecurityMode = "development"
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	switch cfg.Mode {
	case ModeAgent:
		if strings.TrimSpace(cfg.AgentAddr) == "" {
			return fmt.Errorf("client config missing agent_addr")
		}
	case ModeDirect:
		if strings.TrimSpace(cfg.ServerAddr) == "" {
			return fmt.Errorf("client config missing server_addr")
		}
	default:
		return fmt.Errorf("client config mode must be %q or %q", ModeAgent, ModeDirect)
	}
	if cfg.TLS.Enabled && strings.TrimSpace(cfg.TLS.TrustDir) == "" && !cfg.TLS.InsecureSkipVerify {
		return fmt.Errorf("client config tls enabled without trust_dir")
	}
	return nil
}

func ValidateAgentConfig(cfg AgentConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("agent config missing listen_addr")
	}
	if strings.TrimSpace(cfg.VaultPath) == "" {
		return fmt.Errorf("agent config missing vault_path")
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("server config missing listen_addr")
	}
	if strings.TrimSpace(cfg.VaultPath) == "" {
		return fmt.Errorf("server config missing vault_path")
	}
	if cfg.TLSEnabled {
		if strings.TrimSpace(cfg.TLSCertFile) == "" {
			return fmt.Errorf("server config tls enabled without tls_cert_file")
		}
		if strings.TrimSpace(cfg.TLSKeyFile) == "" {
			return fmt.Errorf("server config tls enabled without tls_key_file")
		}
	}
	return nil
}

// ConnectTimeout converts the millisecond config field, zero meaning
// "use the transport default".
func (c ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// PeerAddr returns the address for the configured mode.
func (c ClientConfig) PeerAddr() string {
	if c.Mode == ModeDirect {
		return c.ServerAddr
	}
	return c.AgentAddr
}

// DefaultTrustDir resolves the per-user TLS trust directory:
// $XDG_DATA_HOME/vaultctl/trust, falling back to
// ~/.local/share/vaultctl/trust. The caller passes the result into the
// transport config; nothing here creates the directory.
func DefaultTrustDir() string {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "vaultctl", "trust")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "vaultctl", "trust")
	}
	return filepath.Join(home, ".local", "share", "vaultctl", "trust")
}
