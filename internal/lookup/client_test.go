package lookup

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/danmuck/vaultctl/internal/protocol/command"
	"github.com/danmuck/vaultctl/internal/protocol/frame"
	"github.com/danmuck/vaultctl/internal/testutil/testlog"
)

// scriptedPeer serves one connection, answering each framed request through
// handle until the peer hangs up.
func scriptedPeer(t *testing.T, handle func(req command.Request) []byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			payload, err := frame.Read(reader, frame.DefaultLimits())
			if err != nil {
				return
			}
			req, err := command.Decode(payload)
			if err != nil {
				_ = frame.Write(conn, command.EncodeFailure("malformed request"), frame.DefaultLimits())
				return
			}
			reply := handle(req)
			if reply == nil {
				return
			}
			if err := frame.Write(conn, reply, frame.DefaultLimits()); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestAgentClientFind(t *testing.T) {
	testlog.Start(t)

	addr := scriptedPeer(t, func(req command.Request) []byte {
		if req.Word != command.WordFind {
			return command.EncodeFailure("agent accepts FIND only")
		}
		if string(req.Arg) != "mail" {
			return command.EncodeFailure("No entry found")
		}
		return command.EncodeSuccess("Title: Webmail\nUsername: me")
	})

	client, err := NewAgentClient(Config{Address: addr})
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
	if reply.Body != "Title: Webmail\nUsername: me" {
		t.Fatalf("unexpected body: %q", reply.Body)
	}
}

func TestAgentClientFindNoMatchIsData(t *testing.T) {
	testlog.Start(t)

	addr := scriptedPeer(t, func(req command.Request) []byte {
		return command.EncodeFailure("No entry found")
	})

	client, err := NewAgentClient(Config{Address: addr})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("zzz"))
	if err != nil {
		t.Fatalf("a FAIL reply is an outcome, not an error: %v", err)
	}
	if !reply.Failed {
		t.Fatalf("expected a failed reply, got %+v", reply)
	}
	if reply.Reason != "No entry found" {
		t.Fatalf("unexpected reason: %q", reply.Reason)
	}
}

func TestAgentClientTruncatedReply(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		if _, err := frame.Read(reader, frame.DefaultLimits()); err != nil {
			return
		}
		// Advertise a payload and hang up before delivering it.
		_, _ = conn.Write([]byte{0, 0, 0, 10, 'O', 'K'})
	}()

	client, err := NewAgentClient(Config{Address: ln.Addr().String()})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	if _, err := client.Find(context.Background(), []byte("mail")); err == nil {
		t.Fatal("expected an error for a truncated reply")
	}
}

func TestDirectClientAuthSequence(t *testing.T) {
	testlog.Start(t)

	var words []string
	addr := scriptedPeer(t, func(req command.Request) []byte {
		words = append(words, req.Word)
		switch req.Word {
		case command.WordKeyfile:
			if string(req.Arg) != "/tmp/key.txt" {
				return command.EncodeFailure("wrong keyfile")
			}
			return command.EncodeSuccess("")
		case command.WordAuth:
			if string(req.Arg) != "s3cret" {
				return command.EncodeFailure("vault did not unlock")
			}
			return command.EncodeSuccess("")
		case command.WordFind:
			return command.EncodeSuccess("Title: My Bank Account")
		default:
			return command.EncodeFailure("unsupported command")
		}
	})

	client, err := NewDirectClient(Config{Address: addr}, Credentials{
		Password: "s3cret",
		KeyFile:  "/tmp/key.txt",
	})
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
	if reply.Body != "Title: My Bank Account" {
		t.Fatalf("unexpected body: %q", reply.Body)
	}

	want := []string{command.WordKeyfile, command.WordAuth, command.WordFind}
	if len(words) != len(want) {
		t.Fatalf("wire sequence %v, want %v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("wire sequence %v, want %v", words, want)
		}
	}
}

func TestDirectClientPasswordOnlySkipsKeyfile(t *testing.T) {
	testlog.Start(t)

	var words []string
	addr := scriptedPeer(t, func(req command.Request) []byte {
		words = append(words, req.Word)
		switch req.Word {
		case command.WordAuth:
			return command.EncodeSuccess("")
		case command.WordFind:
			return command.EncodeSuccess("Title: Webmail")
		default:
			return command.EncodeFailure("unsupported command")
		}
	})

	client, err := NewDirectClient(Config{Address: addr}, Credentials{Password: "s3cret"})
	if err != nil {
		t.Fatalf("NewDirectClient: %v", err)
	}
	if _, err := client.Find(context.Background(), []byte("mail")); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(words) != 2 || words[0] != command.WordAuth || words[1] != command.WordFind {
		t.Fatalf("wire sequence %v, want [AUTH FIND]", words)
	}
}

func TestDirectClientAuthRejection(t *testing.T) {
	testlog.Start(t)

	sawFind := false
	addr := scriptedPeer(t, func(req command.Request) []byte {
		if req.Word == command.WordFind {
			sawFind = true
		}
		return command.EncodeFailure("vault did not unlock")
	})

	client, err := NewDirectClient(Config{Address: addr}, Credentials{Password: "wrong"})
	if err != nil {
		t.Fatalf("NewDirectClient: %v", err)
	}
	reply, err := client.Find(context.Background(), []byte("mail"))
	if err != nil {
		t.Fatalf("auth rejection comes back as data: %v", err)
	}
	if !reply.Failed {
		t.Fatalf("expected a failed reply, got %+v", reply)
	}
	if reply.Reason != "vault did not unlock" {
		t.Fatalf("unexpected reason: %q", reply.Reason)
	}
	if sawFind {
		t.Fatal("client must not issue FIND after a rejected preamble")
	}
}
