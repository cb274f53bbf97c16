package lifecycle

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestManager_ContextCancelRunsShutdown(t *testing.T) {
	mgr := NewManager(nil)
	steps := make([]string, 0, 4)
	var mu sync.Mutex
	appendStep := func(v string) {
		mu.Lock()
		steps = append(steps, v)
		mu.Unlock()
	}

	mgr.AddRun("http", func(ctx context.Context) error {
		<-ctx.Done()
		appendStep("run-http-stopped")
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		appendStep("shutdown-db")
		return nil
	})

	parent, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mgr.StartAndWait(parent)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("StartAndWait should not fail: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(steps, "run-http-stopped") {
		t.Fatalf("missing run stop marker: %#v", steps)
	}
	if !slices.Contains(steps, "shutdown-db") {
		t.Fatalf("missing shutdown marker: %#v", steps)
	}
}

func TestManager_RunErrorTriggersShutdown(t *testing.T) {
	mgr := NewManager(nil)
	runErr := errors.New("boom")
	shutdownCalled := 0

	mgr.AddRun("http", func(context.Context) error {
		return runErr
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		shutdownCalled++
		return nil
	})

	err := mgr.StartAndWait(context.Background())
	if !errors.Is(err, runErr) {
		t.Fatalf("expected run error, got %v", err)
	}
	if shutdownCalled != 1 {
		t.Fatalf("expected shutdown called once, got %d", shutdownCalled)
	}
}

func TestManager_RunErrorCancelsOtherJobs(t *testing.T) {
	mgr := NewManager(nil)
	stopped := make(chan struct{})
	mgr.AddRun("pump", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	mgr.AddRun("server", func(context.Context) error {
		return errors.New("listen failed")
	})

	err := mgr.StartAndWait(context.Background())
	if err == nil || err.Error() != "server: listen failed" {
		t.Fatalf("expected named run error, got %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("pump job was not cancelled")
	}
}

func TestManager_MainJobReturnEndsRun(t *testing.T) {
	mgr := NewManager(nil)
	var order []string
	var mu sync.Mutex
	record := func(v string) {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
	}

	mgr.AddRun("pump", func(ctx context.Context) error {
		<-ctx.Done()
		record("pump-stopped")
		return nil
	})
	mgr.AddMain("session", func(context.Context) error {
		record("session-done")
		return nil
	})
	mgr.AddShutdown("flush", func(context.Context) error {
		record("flush")
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		record("close-db")
		return errors.New("busy")
	})

	done := make(chan error, 1)
	go func() { done <- mgr.StartAndWait(context.Background()) }()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "close-db: busy") {
			t.Fatalf("expected shutdown error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("main job return did not end the run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 || order[2] != "flush" || order[3] != "close-db" {
		t.Fatalf("unexpected order: %#v", order)
	}
}
