package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/almacen/mayordomo/internal/config"
)

func TestWatcher_DetectsRoutesFileChange(t *testing.T) {
	homeDir := t.TempDir()

	routesPath := filepath.Join(homeDir, "routes.json")
	if err := os.WriteFile(routesPath, []byte(`{"routes":[]}`), 0o644); err != nil {
		t.Fatalf("write initial routes: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an
	// event. This handles any platform-specific delay in filesystem
	// notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(routesPath, []byte(`{"routes":[{"name":"gmail"}]}`), 0o644); err != nil {
		t.Fatalf("write updated routes: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "routes.json" {
				t.Fatalf("expected routes.json event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(routesPath, []byte(`{"routes":[{"name":"gmail"}]}`), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for routes.json change event")
		}
	}
}

func TestWatcher_IgnoresUnwatchedFiles(t *testing.T) {
	homeDir := t.TempDir()

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	other := filepath.Join(homeDir, "notes.txt")
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatalf("write other: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
