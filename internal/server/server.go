// Package server composes the room broker, TCP listener, and WebSocket
// gateway into a runnable Server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/room"
)

// Server owns the room broker and every transport that feeds it.
type Server struct {
	cfg      Config
	log      logger.Logger
	broker   *room.Broker
	registry *Registry
	origins  *originPolicy
	upgrader websocket.Upgrader
	baseCtx  context.Context
}

// New builds a Server from cfg. Call Run or Serve to start it.
func New(cfg Config, log logger.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	if log == nil {
		log = logger.Discard()
	}

	s := &Server{
		cfg: cfg,
		log: log.With("server"),
		broker: room.NewBroker(room.Options{
			Capacity:     cfg.Capacity,
			HistoryLimit: cfg.HistoryLimit,
			Logger:       log,
		}),
		registry: NewRegistry(log),
		origins:  newOriginPolicy(cfg.AllowedOrigins, log.With("origin")),
		baseCtx:  context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config { return s.cfg }

// Broker returns the room broker.
func (s *Server) Broker() *room.Broker { return s.broker }

// Registry returns the live session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	var gateway net.Listener
	if s.cfg.WebSocketAddr != "" {
		gateway, err = net.Listen("tcp", s.cfg.WebSocketAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.WebSocketAddr, err)
		}
	}
	return s.Serve(ctx, ln, gateway)
}

// Serve accepts framed TCP connections on ln and, when gateway is non-nil,
// WebSocket connections on gateway. When ctx is done it stops accepting,
// flushes and closes every session, and returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener, gateway net.Listener) error {
	s.baseCtx = context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	s.log.Infof("listening for chat clients on %s (capacity %d)", ln.Addr(), s.cfg.Capacity)
	g.Go(func() error { return s.acceptLoop(gctx, ln) })

	var httpServer *http.Server
	if gateway != nil {
		httpServer = CreateServer(gateway.Addr().String(), SetupRoutes(s))
		s.log.Infof("websocket gateway listening on %s", gateway.Addr())
		g.Go(func() error { return StartServer(httpServer, gateway) })
	}

	g.Go(func() error {
		<-gctx.Done()
		var errs []error
		if httpServer != nil {
			errs = append(errs, ShutdownServer(httpServer, s.cfg.ShutdownTimeout, s.log))
		}
		errs = append(errs, s.registry.Shutdown(s.cfg.ShutdownTimeout))
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (s *Server) sessionOptions() SessionOptions {
	return SessionOptions{
		IdleTimeout:   s.cfg.IdleTimeout,
		WriteTimeout:  s.cfg.WriteTimeout,
		SendQueueSize: s.cfg.SendQueueSize,
		RateLimit:     s.cfg.RateLimit,
		Logger:        s.log,
	}
}

// startSession hands conn to a new session, or closes it when the server is
// already shutting down.
func (s *Server) startSession(conn Conn) {
	session := NewSession(conn, s.broker, s.sessionOptions())
	if !s.registry.Start(s.baseCtx, session) {
		s.log.Debugf("rejecting %s during shutdown", conn.RemoteAddr())
		_ = conn.Close()
	}
}
