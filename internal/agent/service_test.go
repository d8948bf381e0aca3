package agent

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/danmuck/vaultctl/internal/lookup"
	"github.com/danmuck/vaultctl/internal/protocol/command"
	"github.com/danmuck/vaultctl/internal/protocol/frame"
	"github.com/danmuck/vaultctl/internal/testutil/testlog"
)

func startService(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	service := NewService(ServiceConfig{NodeID: "agent.test"}, testVault())
	go func() {
		_ = service.Serve(ctx, ln)
	}()
	return ln.Addr().String()
}

func TestServiceFindRoundTrip(t *testing.T) {
	testlog.Start(t)
	addr := startService(t)

	client, err := lookup.NewAgentClient(lookup.Config{Address: addr})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("mail"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if reply.Failed {
		t.Fatalf("unexpected failure: %q", reply.Reason)
	}
	if !strings.Contains(reply.Body, "Title: Webmail") {
		t.Fatalf("body missing match: %q", reply.Body)
	}
}

func TestServiceFindNoMatch(t *testing.T) {
	testlog.Start(t)
	addr := startService(t)

	client, err := lookup.NewAgentClient(lookup.Config{Address: addr})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("zzz"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !reply.Failed {
		t.Fatalf("expected failure, got %+v", reply)
	}
	if reply.Reason != NoEntryReason {
		t.Fatalf("reason = %q, want %q", reply.Reason, NoEntryReason)
	}
}

func TestServiceRejectsCredentialCommands(t *testing.T) {
	testlog.Start(t)
	addr := startService(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := frame.Write(conn, command.Auth("s3cret").Encode(), frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload, err := frame.Read(bufio.NewReader(conn), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply := command.ClassifyReply(payload)
	if !reply.Failed {
		t.Fatalf("expected failure, got %+v", reply)
	}
	if reply.Reason != "agent accepts FIND only" {
		t.Fatalf("reason = %q", reply.Reason)
	}
}

func TestServiceMalformedRequest(t *testing.T) {
	testlog.Start(t)
	addr := startService(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := frame.Write(conn, []byte("find mail"), frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload, err := frame.Read(bufio.NewReader(conn), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply := command.ClassifyReply(payload)
	if !reply.Failed || reply.Reason != "malformed request" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
