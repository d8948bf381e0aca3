package agent

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/vaultctl/internal/auth"
	"github.com/danmuck/vaultctl/internal/observability"
	"github.com/danmuck/vaultctl/internal/protocol/command"
	"github.com/danmuck/vaultctl/internal/protocol/frame"
)

// ServiceConfig configures the agent lookup endpoint.
type ServiceConfig struct {
	NodeID           string
	ListenAddr       string
	AdminListenAddr  string
	AdminCORSOrigins []string
	AdminToken       string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Limits           frame.Limits
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:       "agent.local",
		ListenAddr:   "127.0.0.1:7600",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
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
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = defaults.Limits
	}
	return c
}

// Service serves lookup requests from an already-unlocked vault. One request
// per connection: read one framed request, write one framed reply, close.
type Service struct {
	cfg        ServiceConfig
	dispatcher *Dispatcher
	startedAt  time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	clientCount atomic.Int64
}

func NewService(cfg ServiceConfig, source Searcher) *Service {
	return &Service{
		cfg:        cfg.WithDefaults(),
		dispatcher: NewDispatcher(source),
		startedAt:  time.Now(),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Run blocks serving lookups until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("node", s.cfg.NodeID).Msg("agent listening")

	adminErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, strings.TrimSpace(s.cfg.AdminListenAddr))
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Serve accepts lookup connections on an existing listener until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// handleConn serves exactly one lookup exchange and closes.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	requestID := uuid.NewString()
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	defer s.clientCount.Add(-1)
	observability.RecordConnection(s.cfg.NodeID)
	log.Debug().Str("request_id", requestID).Str("remote", remote).Int64("active", active).Msg("agent client connected")

	start := time.Now()
	outcome := observability.OutcomeError
	defer func() {
		observability.RecordLookup(s.cfg.NodeID, outcome, time.Since(start))
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	payload, err := frame.Read(bufio.NewReader(conn), s.cfg.Limits)
	if err != nil {
		log.Warn().Str("request_id", requestID).Str("remote", remote).Err(err).Msg("agent read request")
		return
	}
	req, err := command.Decode(payload)
	if err != nil {
		outcome = "fail"
		s.writeReply(conn, requestID, command.EncodeFailure("malformed request"))
		return
	}
	if req.Word != command.WordFind {
		// The agent vault is already unlocked; credential exchanges are
		// a direct-mode concept and are rejected here.
		outcome = "fail"
		s.writeReply(conn, requestID, command.EncodeFailure("agent accepts FIND only"))
		return
	}

	reply, handled := s.dispatcher.Handle(req)
	outcome = handled
	log.Info().Str("request_id", requestID).Str("remote", remote).Str("outcome", handled).Msg("agent lookup")
	s.writeReply(conn, requestID, reply)
}

func (s *Service) writeReply(conn net.Conn, requestID string, payload []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := frame.Write(conn, payload, s.cfg.Limits); err != nil {
		log.Warn().Str("request_id", requestID).Err(err).Msg("agent write reply")
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()
}

// serveAdmin exposes /health and /metrics on the admin address.
func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	router := s.adminRouter()
	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Str("node", s.cfg.NodeID).Msg("agent admin listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) adminRouter() *gin.Engine {
	observability.RegisterMetrics()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(log.Logger))
	router.Use(observability.RequestMetricsMiddleware(s.cfg.NodeID))
	if len(s.cfg.AdminCORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.AdminCORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = router.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	if s.cfg.AdminToken != "" {
		router.Use(auth.Middleware(auth.StaticToken{Token: s.cfg.AdminToken}))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.startedAt).String(),
			"service": "vaultctl-agent",
			"node":    s.cfg.NodeID,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
