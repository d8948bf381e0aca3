package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/vaultctl/internal/config"
	"github.com/danmuck/vaultctl/internal/logging"
	"github.com/danmuck/vaultctl/internal/lookup"
)

const passwordEnv = "VAULTCTL_PASSWORD"

// targetsFile persists named lookup peers so invocations can say -target home
// instead of repeating addresses and TLS material.
type targetsFile struct {
	Targets []targetConfig `toml:"targets"`
}

type targetConfig struct {
	Name       string `toml:"name"`
	Mode       string `toml:"mode"`
	Addr       string `toml:"addr"`
	TLS        bool   `toml:"tls"`
	TrustDir   string `toml:"trust_dir"`
	ServerName string `toml:"server_name"`
	KeyFile    string `toml:"key_file"`
}

func main() {
	configPath := flag.String("config", "", "client config file (toml)")
	targetsPath := flag.String("targets", "", "named targets file (toml)")
	targetName := flag.String("target", "", "named target from the targets file")
	addr := flag.String("addr", "", "peer address, overriding config")
	direct := flag.Bool("direct", false, "authenticate against a vault server instead of an agent")
	keyFile := flag.String("key-file", "", "key file reference sent during direct-mode auth")
	timeout := flag.Duration("timeout", 0, "connect timeout, overriding config")
	flag.Parse()

	logging.ConfigureRuntime("vaultctl")

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vaultctl [flags] SEARCH")
		flag.PrintDefaults()
		os.Exit(2)
	}
	search := flag.Arg(0)

	cfg, creds, err := resolvePeer(*configPath, *targetsPath, *targetName, *addr, *direct, *keyFile, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(1)
	}

	var client *lookup.Client
	if creds != nil {
		client, err = lookup.NewDirectClient(cfg, *creds)
	} else {
		client, err = lookup.NewAgentClient(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(1)
	}

	reply, err := client.Find(context.Background(), []byte(search))
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(1)
	}
	if reply.Failed {
		fmt.Fprintln(os.Stderr, reply.Reason)
		os.Exit(1)
	}
	fmt.Println(reply.Body)
}

// resolvePeer layers the peer selection: config file, then named target, then
// individual flag overrides. Direct mode collects credentials last so nothing
// prompts unless the resolved mode needs them.
func resolvePeer(configPath, targetsPath, targetName, addr string, direct bool, keyFile string, timeout time.Duration) (lookup.Config, *lookup.Credentials, error) {
	cfg := lookup.Config{}
	mode := config.ModeAgent
	credKeyFile := ""

	if configPath != "" {
		fileCfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			return lookup.Config{}, nil, err
		}
		mode = fileCfg.Mode
		credKeyFile = fileCfg.KeyFile
		cfg.Address = fileCfg.PeerAddr()
		cfg.ConnectTimeout = fileCfg.ConnectTimeout()
		cfg.TLS = lookup.TLSConfig{
			Enabled:            fileCfg.TLS.Enabled,
			TrustDir:           fileCfg.TLS.TrustDir,
			ServerName:         fileCfg.TLS.ServerName,
			CertFile:           fileCfg.TLS.CertFile,
			KeyFile:            fileCfg.TLS.KeyFile,
			InsecureSkipVerify: fileCfg.TLS.InsecureSkipVerify,
		}
	}

	if targetName != "" {
		target, err := loadTarget(targetsPath, targetName)
		if err != nil {
			return lookup.Config{}, nil, err
		}
		if target.Mode != "" {
			mode = target.Mode
		}
		cfg.Address = target.Addr
		cfg.TLS.Enabled = target.TLS
		if target.TrustDir != "" {
			cfg.TLS.TrustDir = target.TrustDir
		}
		if target.ServerName != "" {
			cfg.TLS.ServerName = target.ServerName
		}
		if target.KeyFile != "" {
			credKeyFile = target.KeyFile
		}
	}

	if addr != "" {
		cfg.Address = addr
	}
	if direct {
		mode = config.ModeDirect
	}
	if keyFile != "" {
		credKeyFile = keyFile
	}
	if timeout > 0 {
		cfg.ConnectTimeout = timeout
	}
	if cfg.TLS.Enabled && cfg.TLS.TrustDir == "" {
		cfg.TLS.TrustDir = config.DefaultTrustDir()
	}
	if cfg.Address == "" {
		if mode == config.ModeDirect {
			return lookup.Config{}, nil, fmt.Errorf("no server address: pass -addr, -target, or -config")
		}
		cfg.Address = "127.0.0.1:7600"
	}

	if mode != config.ModeDirect {
		return cfg, nil, nil
	}
	password, err := readPassword()
	if err != nil {
		return lookup.Config{}, nil, err
	}
	return cfg, &lookup.Credentials{Password: password, KeyFile: credKeyFile}, nil
}

func loadTarget(path, name string) (targetConfig, error) {
	if path == "" {
		return targetConfig{}, fmt.Errorf("-target requires -targets")
	}
	var file targetsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return targetConfig{}, fmt.Errorf("targets file %s: %w", path, err)
	}
	for _, target := range file.Targets {
		if target.Name == name {
			return target, nil
		}
	}
	return targetConfig{}, fmt.Errorf("no target %q in %s", name, path)
}

// readPassword takes the vault password from the environment when set, and
// otherwise reads one line from stdin. The password never appears in argv.
func readPassword() (string, error) {
	if password, ok := os.LookupEnv(passwordEnv); ok {
		return password, nil
	}
	fmt.Fprint(os.Stderr, "Vault password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
