package lookup

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/danmuck/vaultctl/internal/protocol/command"
	"github.com/danmuck/vaultctl/internal/protocol/frame"
)

// Client performs one-shot credential lookups against an agent or a direct
// vault server. Each Find opens its own connection, issues exactly one FIND
// exchange, and closes the connection on every exit path; nothing is pooled
// or retried, and no state survives a call.
type Client struct {
	cfg    Config
	creds  Credentials
	direct bool
}

// NewAgentClient builds a client for a local agent peer. The agent already
// holds an unlocked vault, so no credentials are ever sent.
func NewAgentClient(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

// NewDirectClient builds a client for a remote vault server. creds unlock the
// vault on the server side through the framed auth preamble before the FIND
// exchange.
func NewDirectClient(cfg Config, creds Credentials) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, creds: creds, direct: true}, nil
}

// Find issues one lookup for search and returns the decoded reply. A FAIL
// reply from the peer — including an auth rejection in direct mode — is a
// successfully received outcome and comes back as data, not as an error.
// Transport and frame errors are terminal for the invocation.
func (c *Client) Find(ctx context.Context, search []byte) (command.Reply, error) {
	conn, err := Dial(ctx, c.cfg)
	if err != nil {
		return command.Reply{}, err
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if c.direct {
		reply, err := c.authenticate(ctx, conn, reader)
		if err != nil {
			return command.Reply{}, err
		}
		if reply.Failed {
			return reply, nil
		}
	}
	return c.exchange(ctx, conn, reader, command.Find(search))
}

// authenticate runs the direct-mode credential preamble: the key-file
// reference when present, then always the password exchange. The first FAIL
// reply ends the preamble.
func (c *Client) authenticate(ctx context.Context, conn net.Conn, reader *bufio.Reader) (command.Reply, error) {
	if strings.TrimSpace(c.creds.KeyFile) != "" {
		reply, err := c.exchange(ctx, conn, reader, command.Keyfile(c.creds.KeyFile))
		if err != nil || reply.Failed {
			return reply, err
		}
	}
	return c.exchange(ctx, conn, reader, command.Auth(c.creds.Password))
}

// exchange writes one framed request and reads exactly one framed reply.
func (c *Client) exchange(ctx context.Context, conn net.Conn, reader *bufio.Reader, req command.Request) (command.Reply, error) {
	if err := conn.SetWriteDeadline(ioDeadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return command.Reply{}, err
	}
	if err := frame.Write(conn, req.Encode(), c.cfg.Limits); err != nil {
		return command.Reply{}, err
	}

	if err := conn.SetReadDeadline(ioDeadline(ctx, c.cfg.ReadTimeout)); err != nil {
		return command.Reply{}, err
	}
	payload, err := frame.Read(reader, c.cfg.Limits)
	if err != nil {
		return command.Reply{}, err
	}
	return command.ClassifyReply(payload), nil
}

func ioDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
