package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/genbridge/internal/tools"
)

// shutdownGrace bounds how long Serve waits for in-flight HTTP work
// after its context is cancelled.
const shutdownGrace = 5 * time.Second

const maxMessageSize = 16 * 1024 * 1024

// Server accepts bridge clients over websocket. Each connection is
// served sequentially: read one request, write its response, repeat.
type Server struct {
	handler  *Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a server for the tools in registry.
func NewServer(registry *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: NewHandler(registry, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		logger: logger.With("component", "provider"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Listen opens an ephemeral TCP port on host.
func Listen(host string) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", host, err)
	}
	return ln, nil
}

// Endpoint returns the websocket URL clients should dial for ln.
func Endpoint(ln net.Listener) string {
	return "ws://" + ln.Addr().String()
}

// Serve accepts connections on ln until ctx is cancelled. Open
// websockets are closed on the way out. It returns nil after a
// cancellation-initiated shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("serving tools", "endpoint", Endpoint(ln), "tools", s.handler.registry.Len())

	select {
	case err := <-errCh:
		s.closeConns()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeConns()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until the
// peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s.track(conn)
	defer s.untrack(conn)

	log := s.logger.With("remote", r.RemoteAddr)
	log.Info("client connected")

	ctx := r.Context()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("client disconnected")
			} else {
				log.Debug("connection ended", "error", err)
			}
			return
		}

		resp := s.handler.HandleFrame(ctx, frame)
		if err := conn.WriteMessage(websocket.TextMessage, append(resp, '\n')); err != nil {
			log.Warn("failed to write response", "error", err)
			return
		}
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// closeConns closes every open websocket. Hijacked connections are not
// covered by http.Server.Shutdown.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
