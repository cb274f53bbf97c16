package cliconfig

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"hostbridge/cli/internal/logging"
)

const defaultWatchDebounce = 200 * time.Millisecond

type WatcherOptions struct {
	Debounce time.Duration
	OnChange func(Config, ValidationResult)
	Logger   *slog.Logger
}

// Watcher reloads the config when config.json is edited by someone other
// than the store itself.
type Watcher struct {
	store    *Store
	debounce time.Duration
	onChange func(Config, ValidationResult)
	logger   *slog.Logger
}

func NewWatcher(store *Store, opts WatcherOptions) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &Watcher{
		store:    store,
		debounce: debounce,
		onChange: opts.OnChange,
		logger:   logging.OrDiscard(opts.Logger),
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file because saves replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.store.Path())); err != nil {
		return err
	}
	base := filepath.Base(w.store.Path())

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "err", err)
		case <-fire:
			fire = nil
			if !w.store.changedExternally() {
				continue
			}
			cfg, result, err := w.store.Load()
			if err != nil {
				w.logger.Error("config reload failed", "err", err)
				continue
			}
			w.logger.Info("config reloaded", "valid", result.Valid)
			if w.onChange != nil {
				w.onChange(cfg, result)
			}
		}
	}
}
