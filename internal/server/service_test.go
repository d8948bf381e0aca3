package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/vaultctl/internal/agent"
	"github.com/danmuck/vaultctl/internal/lookup"
	"github.com/danmuck/vaultctl/internal/testutil/testlog"
	"github.com/danmuck/vaultctl/internal/testutil/tlstest"
	"github.com/danmuck/vaultctl/internal/vault"
)

func testOpener(t *testing.T) VaultOpener {
	t.Helper()
	entries := []vault.Entry{
		{Title: "My Bank Account", Username: "danmuck", Password: "hunter2"},
		{Title: "Webmail", Username: "dan@example.org", Password: "correct horse"},
	}
	return func(password, keyfile string) (agent.Searcher, error) {
		if password != "s3cret" {
			return nil, vault.ErrBadCredentials
		}
		return vault.NewVault(entries), nil
	}
}

func startService(t *testing.T, ln net.Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	service := NewService(ServiceConfig{NodeID: "vaultd.test"}, testOpener(t))
	go func() {
		_ = service.Serve(ctx, ln)
	}()
}

func plainListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestServicePasswordAuthAndFind(t *testing.T) {
	testlog.Start(t)
	ln := plainListener(t)
	startService(t, ln)

	client, err := lookup.NewDirectClient(
		lookup.Config{Address: ln.Addr().String()},
		lookup.Credentials{Password: "s3cret"},
	)
	if err != nil {
		t.Fatalf("NewDirectClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("bank"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if reply.Failed {
		t.Fatalf("unexpected failure: %q", reply.Reason)
	}
	if !strings.Contains(reply.Body, "Title: My Bank Account") {
		t.Fatalf("body missing match: %q", reply.Body)
	}
}

func TestServiceRejectsBadPassword(t *testing.T) {
	testlog.Start(t)
	ln := plainListener(t)
	startService(t, ln)

	client, err := lookup.NewDirectClient(
		lookup.Config{Address: ln.Addr().String()},
		lookup.Credentials{Password: "wrong"},
	)
	if err != nil {
		t.Fatalf("NewDirectClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("bank"))
	if err != nil {
		t.Fatalf("auth rejection comes back as data: %v", err)
	}
	if !reply.Failed {
		t.Fatalf("expected failure, got %+v", reply)
	}
	if reply.Reason != "vault did not unlock" {
		t.Fatalf("reason = %q", reply.Reason)
	}
}

func TestServiceRequiresAuthBeforeFind(t *testing.T) {
	testlog.Start(t)
	ln := plainListener(t)
	startService(t, ln)

	// An agent-style client sends FIND with no preamble; the server must
	// refuse rather than serve an unauthenticated lookup.
	client, err := lookup.NewAgentClient(lookup.Config{Address: ln.Addr().String()})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("bank"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !reply.Failed || reply.Reason != "not authenticated" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestServiceOverTLS(t *testing.T) {
	testlog.Start(t)

	authority := tlstest.NewAuthority(t, filepath.Join(t.TempDir(), "trust"))
	serverCert := authority.ServerCert(t, nil, []net.IP{net.ParseIP("127.0.0.1")})

	ln := tls.NewListener(plainListener(t), &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
	})
	startService(t, ln)

	client, err := lookup.NewDirectClient(
		lookup.Config{
			Address: ln.Addr().String(),
			TLS: lookup.TLSConfig{
				Enabled:  true,
				TrustDir: authority.TrustDir(),
			},
		},
		lookup.Credentials{Password: "s3cret"},
	)
	if err != nil {
		t.Fatalf("NewDirectClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("mail"))
	if err != nil {
		t.Fatalf("Find over TLS: %v", err)
	}
	if reply.Failed {
		t.Fatalf("unexpected failure: %q", reply.Reason)
	}
	if !strings.Contains(reply.Body, "Title: Webmail") {
		t.Fatalf("body missing match: %q", reply.Body)
	}
}

func TestValidateTransport(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServiceConfig
		wantErr error
	}{
		{
			name:    "development plaintext",
			cfg:     ServiceConfig{SecurityMode: SecurityModeDevelopment},
			wantErr: nil,
		},
		{
			name:    "production requires tls",
			cfg:     ServiceConfig{SecurityMode: SecurityModeProduction},
			wantErr: ErrTLSRequired,
		},
		{
			name: "tls without cert file",
			cfg: ServiceConfig{
				SecurityMode: SecurityModeDevelopment,
				TLS:          TLSConfig{Enabled: true, KeyFile: "server.key"},
			},
			wantErr: ErrTLSCertFileRequired,
		},
		{
			name: "tls without key file",
			cfg: ServiceConfig{
				SecurityMode: SecurityModeDevelopment,
				TLS:          TLSConfig{Enabled: true, CertFile: "server.crt"},
			},
			wantErr: ErrTLSKeyFileRequired,
		},
		{
			name:    "unknown mode",
			cfg:     ServiceConfig{SecurityMode: "staging"},
			wantErr: ErrInvalidSecurityMode,
		},
		{
			name: "production with tls material",
			cfg: ServiceConfig{
				SecurityMode: SecurityModeProduction,
				TLS:          TLSConfig{Enabled: true, CertFile: "server.crt", KeyFile: "server.key"},
			},
			wantErr: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.ValidateTransport()
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ValidateTransport() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
