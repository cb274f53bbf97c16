package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"hostbridge/cli/internal/logging"

	"golang.org/x/sync/errgroup"
)

type runJob struct {
	name string
	run  func(context.Context) error
	// main jobs end the run when they return, even without an error.
	main bool
}

type shutdownJob struct {
	name string
	run  func(context.Context) error
}

type Manager struct {
	mu           sync.Mutex
	logger       *slog.Logger
	runJobs      []runJob
	shutdownJobs []shutdownJob
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logging.OrDiscard(logger)}
}

// AddRun registers a background job. It runs until the context is
// cancelled; returning an error cancels every other job.
func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	m.addRun(runJob{name: name, run: fn})
}

// AddMain registers a job whose return ends the whole run.
func (m *Manager) AddMain(name string, fn func(context.Context) error) {
	m.addRun(runJob{name: name, run: fn, main: true})
}

func (m *Manager) addRun(job runJob) {
	if job.run == nil {
		return
	}
	m.mu.Lock()
	m.runJobs = append(m.runJobs, job)
	m.mu.Unlock()
}

// AddShutdown registers a job that runs, in registration order, after every
// run job has returned.
func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.shutdownJobs = append(m.shutdownJobs, shutdownJob{name: name, run: fn})
	m.mu.Unlock()
}

func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		defer stop()
	}

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()
	g, gctx := errgroup.WithContext(runCtx)

	for _, job := range m.snapshotRunJobs() {
		job := job
		g.Go(func() error {
			err := job.run(gctx)
			if job.main {
				m.logger.Debug("main job finished", "job", job.name, "err", err)
				cancelRuns()
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("run job failed", "job", job.name, "err", err)
				return fmt.Errorf("%s: %w", job.name, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	var shutdownErr error
	for _, job := range m.snapshotShutdownJobs() {
		if err := job.run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("shutdown job failed", "job", job.name, "err", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("%s: %w", job.name, err))
		}
	}
	return errors.Join(runErr, shutdownErr)
}

func (m *Manager) snapshotRunJobs() []runJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runJob, len(m.runJobs))
	copy(out, m.runJobs)
	return out
}

func (m *Manager) snapshotShutdownJobs() []shutdownJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]shutdownJob, len(m.shutdownJobs))
	copy(out, m.shutdownJobs)
	return out
}
