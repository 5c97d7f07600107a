// Package server exposes the engine over JSON-RPC 2.0: an HTTP bridge for
// request/response calls and a WebSocket endpoint that additionally pushes
// engine events to connected clients.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"

	"github.com/telefiles/telefiles/pkg/logger"
	"github.com/telefiles/telefiles/pkg/tflib"
)

// Config holds the transport configuration of the RPC server.
type Config struct {
	// SocketPath is the Unix socket to listen on. Preferred transport.
	SocketPath string

	// Addr is the TCP address used when SocketPath is empty or the socket
	// cannot be created.
	Addr string

	// Secret protects the HTTP endpoints with Bearer auth. Empty means
	// socket-permission trust only.
	Secret string

	Version string
	Commit  string
}

// Server ties the RPC bridge, the WebSocket event stream and the listener
// together.
type Server struct {
	log      logger.Logger
	cfg      Config
	rpc      *RPCServer
	notifier *RPCNotifier
	bus      *tflib.Bus

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds the server around an engine and its stores.
func New(log logger.Logger, cfg Config, engine *tflib.Engine, registry *tflib.Registry, files tflib.FileStore, settings tflib.SettingStore, bus *tflib.Bus) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	rpc := NewRPCServer(&RPCConfig{
		Secret:  cfg.Secret,
		Version: cfg.Version,
		Commit:  cfg.Commit,
	}, engine, registry, files, settings, bus)
	return &Server{
		log:      log,
		cfg:      cfg,
		rpc:      rpc,
		notifier: NewRPCNotifier(log),
		bus:      bus,
	}
}

// createListener opens the Unix socket, falling back to TCP when the socket
// cannot be created.
func (s *Server) createListener() (net.Listener, error) {
	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
		l, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
		if err == nil {
			_ = os.Chmod(s.cfg.SocketPath, 0o660)
			return l, nil
		}
		s.log.Warning("Unix socket unavailable (%v), falling back to TCP", err)
	}
	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:7259"
	}
	return net.Listen("tcp", addr)
}

// Start begins serving and blocks until the context is canceled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	l, err := s.createListener()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.Handle("POST /jsonrpc", requireToken(s.cfg.Secret, s.rpc.bridge))
	mux.Handle("GET /events", http.HandlerFunc(s.handleEvents))

	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = l
	s.httpSrv = srv
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forwardEvents(ctx)

	s.log.Info("RPC server listening on %s", l.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err = srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Shutdown stops accepting connections, drains the event forwarder and
// closes the RPC bridge.
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.rpc.Close()
	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
	}
}

// handleEvents upgrades the connection and runs a per-connection jrpc2
// server with push enabled. The connection serves normal method calls too;
// a client can subscribe and query over the same socket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Secret != "" && !validToken(s.cfg.Secret, r.Header.Get("Authorization")) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := cws.Accept(w, r, nil)
	if err != nil {
		s.log.Warning("WebSocket accept failed: %v", err)
		return
	}

	ch := &wsChannel{conn: conn, ctx: r.Context()}
	srv := jrpc2.NewServer(s.rpc.methods, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(ch)

	s.notifier.Register(srv)
	defer s.notifier.Unregister(srv)

	_ = srv.Wait()
}

// forwardEvents streams bus events to every connected WebSocket client.
func (s *Server) forwardEvents(ctx context.Context) {
	defer s.wg.Done()

	events, cancel := s.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.notifier.Broadcast(eventMethod(ev.Kind), ev)
		}
	}
}

// eventMethod maps a bus event kind to its notification method name.
func eventMethod(kind string) string {
	return "event." + kind
}
