// Package server accepts STOMP clients over TCP, TLS and WebSocket and runs
// one protocol handler per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg     *config.Config
	appName string
	bridge  *bridge.Context
	limits  limits
	manager *connection.ConnectionManager
	sem     chan struct{}

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu          sync.Mutex
	listeners   []net.Listener
	httpServers []*http.Server
	wg          sync.WaitGroup
	closed      atomic.Bool
}

func NewServer(cfg *config.Config, bctx *bridge.Context) *Server {
	maxConnections := cfg.Server.MaxConnections
	if maxConnections <= 0 {
		maxConnections = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		appName: cfg.AppName,
		bridge:  bctx,
		limits:  limitsFromConfig(cfg),
		manager: connection.GetConnectionManager(),
		sem:     make(chan struct{}, maxConnections),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.group, _ = errgroup.WithContext(ctx)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  s.limits.readBufferSize,
		WriteBufferSize: s.limits.readBufferSize,
		Subprotocols:    webSocketSubprotocols,
		CheckOrigin: func(_ *http.Request) bool {
			return true
		},
	}
	return s
}

// Start binds every enabled listener and serves them in the background.
// Bind failures are returned before anything is served.
func (s *Server) Start() error {
	host := s.cfg.Server.Host
	if s.cfg.Server.TCPEnabled {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.TCPPort)))
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
		logger.InfoF("STOMP Server Listen On %s", ln.Addr().String())
		s.group.Go(func() error { return s.ServeListener(ln) })
	}
	if s.cfg.Server.TLSEnabled {
		tlsConfig, err := buildTLSConfig(s.cfg)
		if err != nil {
			return err
		}
		ln, err := newTLSListener(net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.TLSPort)), tlsConfig)
		if err != nil {
			return fmt.Errorf("listen tls: %w", err)
		}
		logger.InfoF("STOMP TLS Server Listen On %s", ln.Addr().String())
		s.group.Go(func() error { return s.ServeListener(ln) })
	}
	if s.cfg.Server.WebSocketEnabled {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.WebSocketPort)))
		if err != nil {
			return fmt.Errorf("listen websocket: %w", err)
		}
		logger.InfoF("STOMP WebSocket Server Listen On %s%s", ln.Addr().String(), s.cfg.Server.WebSocketPath)
		s.group.Go(func() error { return s.ServeWebSocket(ln, s.cfg.Server.WebSocketPath) })
	}
	return nil
}

// Wait blocks until every listener has stopped.
func (s *Server) Wait() error {
	return s.group.Wait()
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

// acquire takes a connection slot, giving up when the server stops.
func (s *Server) acquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) release() {
	<-s.sem
}

// enter registers a connection handler unless shutdown has begun.
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// ServeListener accepts stream connections until the listener is closed.
func (s *Server) ServeListener(ln net.Listener) error {
	if !s.track(ln) {
		_ = ln.Close()
		return nil
	}
	defer func() {
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		if !s.acquire() {
			_ = conn.Close()
			return nil
		}
		if !s.enter() {
			s.release()
			_ = conn.Close()
			return nil
		}
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.release()
			s.newConnectionHandler(connection.NewStreamTransport(c, s.limits.readBufferSize)).handleConnection(s.ctx)
		}(conn)
	}
}

// ServeWebSocket upgrades requests on path and runs a STOMP connection over
// each WebSocket.
func (s *Server) ServeWebSocket(ln net.Listener, path string) error {
	if !s.track(ln) {
		_ = ln.Close()
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleWebSocket)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServers = append(s.httpServers, srv)
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("[%s] Fail to upgrade websocket, details: %v", r.RemoteAddr, err)
		return
	}
	logger.DebugF("Accepted new websocket connection from %s, subprotocol %q", conn.RemoteAddr().String(), conn.Subprotocol())

	if !s.acquire() {
		_ = conn.Close()
		return
	}
	if !s.enter() {
		s.release()
		_ = conn.Close()
		return
	}
	defer s.wg.Done()
	defer s.release()
	s.newConnectionHandler(connection.NewWebSocketTransport(conn)).handleConnection(s.ctx)
}

// Invoke stops accepting, closes every live connection and waits for the
// connection handlers to finish.
func (s *Server) Invoke(ctx context.Context) error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	listeners := s.listeners
	httpServers := s.httpServers
	s.mu.Unlock()

	logger.Info("Shutting down STOMP server")
	s.cancel()

	var errs []error
	for _, srv := range httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			errs = append(errs, err)
		}
	}
	s.manager.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("connections not closed: %w", ctx.Err()))
	}
	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
