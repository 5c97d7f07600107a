// Package daemon wires the full telefiles process: storage, Telegram
// sessions, the automation engine and the RPC server, with lifecycle
// management for start and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/telefiles/telefiles/internal/server"
	"github.com/telefiles/telefiles/internal/store"
	"github.com/telefiles/telefiles/internal/telegram"
	"github.com/telefiles/telefiles/pkg/logger"
	"github.com/telefiles/telefiles/pkg/tflib"
)

// Sentinel errors for the daemon runner.
var (
	// ErrAlreadyRunning is returned when Start is called on a running daemon.
	ErrAlreadyRunning = errors.New("daemon is already running")

	// ErrNotRunning is returned when Shutdown is called on a stopped daemon.
	ErrNotRunning = errors.New("daemon is not running")

	// ErrShutdownTimeout is returned when shutdown exceeds the configured
	// timeout.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// Config holds the configuration for the daemon runner.
type Config struct {
	// ConfigDir is the directory for the database, session files and
	// downloads. Defaults to ~/.telefiles.
	ConfigDir string

	// DBPath overrides the database location. Defaults to
	// ConfigDir/telefiles.db.
	DBPath string

	// DownloadDir is where files are downloaded before transfer. Defaults
	// to ConfigDir/downloads.
	DownloadDir string

	// SocketPath is the RPC Unix socket. Defaults to ConfigDir/rpc.sock.
	SocketPath string

	// Addr is the TCP fallback address for the RPC server.
	Addr string

	// Secret protects the RPC endpoints with Bearer auth.
	Secret string

	// Accounts are the Telegram sessions to start.
	Accounts []telegram.AccountConfig

	// AuthInput supplies interactive answers for unauthorized sessions.
	AuthInput telegram.AuthInput

	// Engine tunes the scheduler intervals and limits.
	Engine tflib.Config

	Version string
	Commit  string

	// Verbose enables debug logging.
	Verbose bool

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// A zero value means no timeout.
	ShutdownTimeout time.Duration
}

// withDefaults fills in the derived paths.
func (c Config) withDefaults() (Config, error) {
	if c.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, fmt.Errorf("resolve home dir: %w", err)
		}
		c.ConfigDir = filepath.Join(home, ".telefiles")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.ConfigDir, "telefiles.db")
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.ConfigDir, "downloads")
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.ConfigDir, "rpc.sock")
	}
	return c, nil
}

// Runner manages the daemon lifecycle.
type Runner struct {
	cfg Config
	log logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	st     *store.Store
	mgr    *telegram.Manager
	engine *tflib.Engine
	srv    *server.Server
}

// New creates a runner. The heavy wiring happens in Start.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// Start wires every subsystem and blocks until the context is canceled or a
// fatal startup error occurs. Returns ErrAlreadyRunning on a second Start.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	cfg, err := r.cfg.withDefaults()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.cfg = cfg

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.log = logger.NewStandardLogger(log.New(os.Stderr, "", log.LstdFlags), cfg.Verbose)

	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("create download dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("open store: %w", err)
	}
	r.st = st

	bus := tflib.NewBus()
	registry := tflib.NewRegistry(r.log)

	mgr := telegram.NewManager(r.log, st.Files(), bus, cfg.DownloadDir)
	r.mgr = mgr
	for _, acc := range cfg.Accounts {
		if acc.SessionFile == "" {
			acc.SessionFile = filepath.Join(cfg.ConfigDir, "sessions", fmt.Sprintf("%d.json", acc.ID))
		}
		if err := mgr.StartAccount(ctx, acc, cfg.AuthInput); err != nil {
			// One broken account must not keep the rest of the daemon
			// down; its automations stay parked until it authorizes.
			r.log.Error("Start account %d failed: %v", acc.ID, err)
		}
	}

	if err := registry.Load(ctx, st.Settings(), mgr.Authorized); err != nil {
		r.log.Warning("Load automations failed: %v", err)
	}

	engine := tflib.NewEngine(cfg.Engine, r.log, mgr, st.Files(), st.Settings(), registry, bus, afero.NewOsFs())
	r.engine = engine
	if err := engine.Start(ctx); err != nil {
		r.mu.Unlock()
		r.teardown()
		return fmt.Errorf("start engine: %w", err)
	}

	srv := server.New(r.log, server.Config{
		SocketPath: cfg.SocketPath,
		Addr:       cfg.Addr,
		Secret:     cfg.Secret,
		Version:    cfg.Version,
		Commit:     cfg.Commit,
	}, engine, registry, st.Files(), st.Settings(), bus)
	r.srv = srv

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	r.running = true
	r.mu.Unlock()

	r.log.Info("Daemon started (version %s)", cfg.Version)

	select {
	case <-ctx.Done():
		r.teardown()
		return nil
	case err := <-serveErr:
		r.teardown()
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully stops the daemon. Returns ErrNotRunning when the
// daemon is not started and ErrShutdownTimeout when teardown exceeds the
// configured timeout.
func (r *Runner) Shutdown() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancel := r.cancel
	timeout := r.cfg.ShutdownTimeout
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		cancel()
		r.waitStopped()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// teardown stops the subsystems in reverse start order. Safe to call more
// than once.
func (r *Runner) teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srv != nil {
		r.srv.Shutdown()
		r.srv = nil
	}
	if r.engine != nil {
		r.engine.Stop()
		r.engine = nil
	}
	if r.mgr != nil {
		r.mgr.Stop()
		r.mgr = nil
	}
	if r.st != nil {
		if err := r.st.Close(); err != nil && r.log != nil {
			r.log.Error("Close store failed: %v", err)
		}
		r.st = nil
	}
	if r.log != nil {
		_ = r.log.Close()
	}
	r.running = false
}

// waitStopped blocks until teardown has completed after a cancel.
func (r *Runner) waitStopped() {
	for {
		r.mu.Lock()
		stopped := !r.running
		r.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
