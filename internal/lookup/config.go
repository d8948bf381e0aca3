package lookup

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/vaultctl/internal/protocol/frame"
)

var (
	ErrAddressRequired      = errors.New("lookup: peer address required")
	ErrTrustDirRequired     = errors.New("lookup: tls trust directory required")
	ErrClientKeypairPartial = errors.New("lookup: tls cert file and key file must be set together")
)

// TLSConfig controls the optional TLS upgrade of a lookup connection.
// TrustDir is a directory of PEM certificates the peer must chain to; the
// caller resolves it (XDG data dir or fallback) and passes it in.
type TLSConfig struct {
	Enabled            bool
	TrustDir           string
	ServerName         string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Config carries the already-validated connection parameters for one lookup
// peer. It is immutable once handed to a client; there is no ambient state.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Limits           frame.Limits
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		Limits:           frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = defaults.Limits
	}
	return c
}

// Validate checks the transport parameters before any socket is opened.
// A TLS request without trust material is rejected here; there is never a
// plaintext fallback.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.TrustDir) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTrustDirRequired
	}
	certSet := strings.TrimSpace(c.TLS.CertFile) != ""
	keySet := strings.TrimSpace(c.TLS.KeyFile) != ""
	if certSet != keySet {
		return ErrClientKeypairPartial
	}
	return nil
}

// Credentials unlock the vault on the server side in direct mode. They are
// held only for the duration of one request and are never logged.
type Credentials struct {
	Password string
	KeyFile  string
}

func (c Credentials) String() string {
	return fmt.Sprintf("lookup.Credentials{password:%t keyfile:%t}", c.Password != "", c.KeyFile != "")
}
