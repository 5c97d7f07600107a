package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Config{ConfigDir: "/tmp/tf"}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	if cfg.DBPath != filepath.Join("/tmp/tf", "telefiles.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.DownloadDir != filepath.Join("/tmp/tf", "downloads") {
		t.Fatalf("unexpected download dir %q", cfg.DownloadDir)
	}
	if cfg.SocketPath != filepath.Join("/tmp/tf", "rpc.sock") {
		t.Fatalf("unexpected socket path %q", cfg.SocketPath)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	r := New(Config{ConfigDir: t.TempDir()})
	if err := r.Shutdown(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestRunnerLifecycle(t *testing.T) {
	r := New(Config{
		ConfigDir: t.TempDir(),
		Version:   "test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon never reached running state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := r.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after shutdown")
	}
}
