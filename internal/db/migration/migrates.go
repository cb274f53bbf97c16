package migration

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(*Migration) error
}

var (
	stepsMu sync.Mutex
	steps   []step
)

// Register appends a step. Steps run in registration order on every
// startup, so each must be safe to repeat.
func Register(name string, run func(*Migration) error) {
	stepsMu.Lock()
	defer stepsMu.Unlock()
	steps = append(steps, step{name: name, run: run})
}

type Options struct {
	// JournalRetention caps bridge_events rows; <= 0 disables pruning.
	JournalRetention int
	// StaleSessionAfter closes sessions still open after this long; 0 disables it.
	StaleSessionAfter time.Duration
}

// Migration is passed to each migration step. DB is set by RunAll.
type Migration struct {
	DB      *gorm.DB
	Options Options
	logs    []string
}

func (m *Migration) Log(v ...interface{}) {
	m.logs = append(m.logs, fmt.Sprint(v...))
}

func (m *Migration) Logs() []string {
	return append([]string(nil), m.logs...)
}

// RunAll runs all registered migrations in order. Used for data/behavior one-shots; schema is synced via db.SyncSchema.
func RunAll(db *gorm.DB, opts Options) error {
	_, err := run(db, opts)
	return err
}

// RunAllWithLogs is RunAll returning every step's log lines, prefixed with
// the step name.
func RunAllWithLogs(db *gorm.DB, opts Options) ([]string, error) {
	return run(db, opts)
}

func run(db *gorm.DB, opts Options) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	stepsMu.Lock()
	list := append([]step(nil), steps...)
	stepsMu.Unlock()

	ctx := &Migration{DB: db, Options: opts}
	var out []string
	for _, s := range list {
		ctx.logs = nil
		if err := s.run(ctx); err != nil {
			return out, fmt.Errorf("migration %s failed: %w", s.name, err)
		}
		for _, line := range ctx.logs {
			out = append(out, s.name+": "+line)
		}
	}
	return out, nil
}
