package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/vaultctl/internal/protocol/frame"
)

var (
	ErrInvalidSecurityMode = errors.New("server: invalid security mode")
	ErrTLSRequired         = errors.New("server: tls required")
	ErrTLSCertFileRequired = errors.New("server: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("server: tls key file required")
)

// SecurityMode gates transport policy. Production refuses to serve without
// TLS; development permits plaintext for local work.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// TLSConfig holds the server-side TLS material.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// ServiceConfig configures the direct-mode vault server endpoint.
type ServiceConfig struct {
	NodeID           string
	ListenAddr       string
	AdminListenAddr  string
	AdminCORSOrigins []string
	AdminToken       string
	SecurityMode     SecurityMode
	TLS              TLSConfig
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	AuthTimeout      time.Duration
	Limits           frame.Limits
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:       "vaultd.local",
		ListenAddr:   ":7700",
		SecurityMode: SecurityModeDevelopment,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		AuthTimeout:  60 * time.Second,
		Limits:       frame.DefaultLimits(),
	}
}

func (c ServiceConfig) WithDefaults() ServiceConfig {
	defaults := DefaultServiceConfig()
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = defaults.NodeID
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaults.AuthTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = defaults.Limits
	}
	return c
}

// ValidateTransport enforces transport policy before the listener opens.
func (c ServiceConfig) ValidateTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if mode == SecurityModeProduction && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}
