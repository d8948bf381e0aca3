package lookup

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrConnect = errors.New("lookup: connect failed")
	ErrTLS     = errors.New("lookup: tls failure")
)

func connectError(err error) error {
	return fmt.Errorf("%w: %w", ErrConnect, err)
}

// tlsError marks TLS failures so they match both ErrTLS and ErrConnect.
func tlsError(err error) error {
	return connectError(fmt.Errorf("%w: %w", ErrTLS, err))
}

// Dial opens the connection for one lookup request: TCP with a bounded
// connect timeout, then an optional TLS upgrade verified against the trust
// directory. The caller owns the returned connection exclusively and must
// close it; Dial never retries.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, connectError(err)
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, tlsError(err)
	}
	return conn, nil
}

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, tlsError(err)
		}
		serverName = host
	}
	tlsCfg.ServerName = serverName

	if !cfg.TLS.InsecureSkipVerify {
		pool, err := trustPool(cfg.TLS.TrustDir)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	if strings.TrimSpace(cfg.TLS.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, tlsError(err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// trustPool loads every PEM certificate found directly under dir. A missing,
// unreadable, or certificate-free trust directory is a TLS failure.
func trustPool(dir string) (*x509.CertPool, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil, tlsError(fmt.Errorf("trust dir: %w", err))
	}
	pool := x509.NewCertPool()
	loaded := 0
	for _, item := range listing {
		if item.IsDir() {
			continue
		}
		pem, err := os.ReadFile(filepath.Join(dir, item.Name()))
		if err != nil {
			return nil, tlsError(fmt.Errorf("trust dir: %w", err))
		}
		if pool.AppendCertsFromPEM(pem) {
			loaded++
		}
	}
	if loaded == 0 {
		return nil, tlsError(fmt.Errorf("trust dir %q holds no usable certificates", dir))
	}
	return pool, nil
}
