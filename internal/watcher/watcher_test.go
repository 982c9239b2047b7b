package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherReportsRemovals(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "movie.mkv")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var mu sync.Mutex
	var removed []string
	w := &Watcher{
		Root:   root,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		OnRemoved: func(path string) {
			mu.Lock()
			removed = append(removed, path)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Give the watch time to attach before removing.
	time.Sleep(100 * time.Millisecond)
	if err := os.Remove(file); err != nil {
		t.Fatalf("remove: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(removed)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("removal never reported")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	got := removed[0]
	mu.Unlock()
	if got != file {
		t.Fatalf("removed = %s, want %s", got, file)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop after cancel")
	}
}
