package server

import (
	"bufio"
	"context"
	"crypto/tls"
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

	"github.com/danmuck/vaultctl/internal/agent"
	"github.com/danmuck/vaultctl/internal/auth"
	"github.com/danmuck/vaultctl/internal/observability"
	"github.com/danmuck/vaultctl/internal/protocol/command"
	"github.com/danmuck/vaultctl/internal/protocol/frame"
)

// VaultOpener unlocks the served vault with credentials supplied over the
// auth preamble. The opener decides which vault file it serves; the
// connection handler never sees a path from the peer except as an opaque
// key-file reference.
type VaultOpener func(password, keyfile string) (agent.Searcher, error)

// Service is the direct-mode peer: every connection authenticates through
// framed credential exchanges, then gets exactly one FIND exchange before
// the connection closes. Credentials live only for the connection that
// carried them and are never logged.
type Service struct {
	cfg       ServiceConfig
	opener    VaultOpener
	startedAt time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	clientCount atomic.Int64
}

func NewService(cfg ServiceConfig, opener VaultOpener) *Service {
	return &Service{
		cfg:       cfg.WithDefaults(),
		opener:    opener,
		startedAt: time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Run blocks serving authenticated lookups until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.cfg.ValidateTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("node", s.cfg.NodeID).Bool("tls", s.cfg.TLS.Enabled).Msg("vaultd listening")

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

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts connections on an existing listener until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.ValidateTransport(); err != nil {
		return err
	}
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

// handleConn runs the auth preamble and then one FIND exchange. The whole
// lifecycle is bounded by AuthTimeout until the vault unlocks.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	requestID := uuid.NewString()
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	defer s.clientCount.Add(-1)
	observability.RecordConnection(s.cfg.NodeID)
	log.Debug().Str("request_id", requestID).Str("remote", remote).Int64("active", active).Msg("vaultd client connected")

	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(s.cfg.AuthTimeout))

	var keyfile string
	var source agent.Searcher
	for source == nil {
		payload, err := frame.Read(reader, s.cfg.Limits)
		if err != nil {
			log.Warn().Str("request_id", requestID).Str("remote", remote).Err(err).Msg("vaultd read auth")
			return
		}
		req, err := command.Decode(payload)
		if err != nil {
			s.writeReply(conn, requestID, command.EncodeFailure("malformed request"))
			return
		}
		switch req.Word {
		case command.WordKeyfile:
			keyfile = string(req.Arg)
			s.writeReply(conn, requestID, command.EncodeSuccess(""))
		case command.WordAuth:
			unlocked, err := s.opener(string(req.Arg), keyfile)
			if err != nil {
				observability.RecordAuthFailure(s.cfg.NodeID)
				log.Warn().Str("request_id", requestID).Str("remote", remote).Msg("vaultd auth rejected")
				s.writeReply(conn, requestID, command.EncodeFailure("vault did not unlock"))
				return
			}
			source = unlocked
			s.writeReply(conn, requestID, command.EncodeSuccess(""))
		case command.WordFind:
			s.writeReply(conn, requestID, command.EncodeFailure("not authenticated"))
			return
		default:
			s.writeReply(conn, requestID, command.EncodeFailure("unsupported command"))
			return
		}
	}

	start := time.Now()
	outcome := observability.OutcomeError
	defer func() {
		observability.RecordLookup(s.cfg.NodeID, outcome, time.Since(start))
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	payload, err := frame.Read(reader, s.cfg.Limits)
	if err != nil {
		log.Warn().Str("request_id", requestID).Str("remote", remote).Err(err).Msg("vaultd read request")
		return
	}
	req, err := command.Decode(payload)
	if err != nil || req.Word != command.WordFind {
		outcome = "fail"
		s.writeReply(conn, requestID, command.EncodeFailure("expected FIND"))
		return
	}

	reply, handled := agent.NewDispatcher(source).Handle(req)
	outcome = handled
	log.Info().Str("request_id", requestID).Str("remote", remote).Str("outcome", handled).Msg("vaultd lookup")
	s.writeReply(conn, requestID, reply)
}

func (s *Service) writeReply(conn net.Conn, requestID string, payload []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := frame.Write(conn, payload, s.cfg.Limits); err != nil {
		log.Warn().Str("request_id", requestID).Err(err).Msg("vaultd write reply")
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

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	router := s.adminRouter()
	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Str("node", s.cfg.NodeID).Msg("vaultd admin listening")
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
			"service": "vaultd",
			"node":    s.cfg.NodeID,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
