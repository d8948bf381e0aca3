package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "agent":
		return agentTemplate, nil
	case "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `mode = "agent"
agent_addr = "127.0.0.1:7600"
server_addr = "vault.example.org:7700"
connect_timeout_ms = 60000

[tls]
enabled = false
trust_dir = ""
server_name = ""
`

const agentTemplate = `node_id = "agent.local"
listen_addr = "127.0.0.1:7600"
admin_addr = "127.0.0.1:7601"
admin_token = ""
vault_path = "vault.age"
key_file = ""
cors_origins = []
`

const serverTemplate = `node_id = "vaultd.local"
listen_addr = ":7700"
admin_addr = "127.0.0.1:7701"
admin_token = ""
vault_path = "vault.age"
security_mode = "development"
tls_enabled = false
tls_cert_file = ""
tls_key_file = ""
cors_origins = []
`
