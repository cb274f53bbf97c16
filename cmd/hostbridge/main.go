package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"hostbridge/cli/internal/application"
	"hostbridge/cli/internal/cliconfig"
	"hostbridge/cli/internal/command"
	"hostbridge/cli/internal/config"
	"hostbridge/cli/internal/db"
	"hostbridge/cli/internal/db/migration"
	"hostbridge/cli/internal/global"
	"hostbridge/cli/internal/historydb"
	"hostbridge/cli/internal/hostctx"
	"hostbridge/cli/internal/journal"
	"hostbridge/cli/internal/logging"

	"gorm.io/gorm"
)

var version = "dev"

var startApplication = application.StartApplication

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:     loadConfig,
		RunSession:     runSession,
		ShowConfig:     showConfig,
		ValidateConfig: validateConfig,
		ListWorkspaces: listWorkspaces,
		ListSessions:   listSessions,
		ListJournal:    listJournal,
		RunMigrateUp:   runMigrateUp,
		Stdin:          os.Stdin,
		StdinIsTerminal: func() bool {
			fd := os.Stdin.Fd()
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
	})
	app.Version = version
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		if coder, ok := err.(cli.ExitCoder); ok {
			os.Exit(coder.ExitCode())
		}
		logging.NewLogger(logging.Options{Component: "main"}).Error("command failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig layers the environment over settings.toml over built-in defaults.
func loadConfig() (config.Config, error) {
	cfg := config.LoadConfig()
	if strings.TrimSpace(cfg.ConfigDir) == "" {
		dir, err := global.DefaultConfigDir()
		if err != nil {
			return config.Config{}, err
		}
		cfg.ConfigDir = dir
	}
	settings, err := global.NewSettingsStore(cfg.ConfigDir).LoadOrInit()
	if err != nil {
		return config.Config{}, err
	}
	return cfg.ApplySettings(settings), nil
}

func runSession(ctx context.Context, cfg config.Config, req command.RunRequest) (int, error) {
	app, err := startApplication(ctx, application.StartOptions{
		Config:    cfg,
		Workspace: req.Workspace,
		Mode:      req.Mode,
		Auto:      req.Auto,
		Prompt:    req.Prompt,
		Timeout:   req.Timeout,
		Serve:     req.Serve,
		LogWriter: os.Stderr,
		Stderr:    os.Stderr,
	})
	if err != nil {
		return int(application.ExitFailure), err
	}
	code, err := app.Run(ctx)
	return int(code), err
}

func cliLogger(cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "cli"})
}

func persistedStore(cfg config.Config) *cliconfig.Store {
	paths := hostctx.Paths{ConfigDir: cfg.ConfigDir}
	return cliconfig.NewStore(paths.PersistedConfigFile(), cliLogger(cfg))
}

func showConfig(_ context.Context, cfg config.Config, out io.Writer) error {
	loaded, _, err := persistedStore(cfg).Load()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(loaded, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}

func validateConfig(_ context.Context, cfg config.Config, out io.Writer) error {
	store := persistedStore(cfg)
	_, result, err := store.Load()
	if err != nil {
		return err
	}
	if result.Valid {
		fmt.Fprintf(out, "%s: valid\n", store.Path())
		return nil
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(out, "%s: %s\n", store.Path(), msg)
	}
	return cli.Exit(result.Err().Error(), 1)
}

func withDB(cfg config.Config, fn func(*gorm.DB) error) error {
	opts := db.MigrateOptions{JournalRetention: cfg.JournalRetention}
	var (
		gdb *gorm.DB
		err error
	)
	if dsn := strings.TrimSpace(cfg.DBDSN); dsn != "" {
		gdb, err = db.OpenDSN(dsn, opts)
	} else {
		gdb, err = db.Open(hostctx.Paths{ConfigDir: cfg.ConfigDir}.DBFile(), opts)
	}
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()
	return fn(gdb)
}

func listWorkspaces(_ context.Context, cfg config.Config, out io.Writer, limit int) error {
	return withDB(cfg, func(gdb *gorm.DB) error {
		store, err := historydb.NewStore(gdb)
		if err != nil {
			return err
		}
		entries, err := store.List(limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s\t%d\t%s\n", e.LastAccessed.Local().Format(time.DateTime), e.AccessCount, e.Path)
		}
		return nil
	})
}

func listSessions(_ context.Context, cfg config.Config, out io.Writer, limit int) error {
	return withDB(cfg, func(gdb *gorm.DB) error {
		sessions, err := journal.NewSessions(gdb)
		if err != nil {
			return err
		}
		list, err := sessions.List(limit)
		if err != nil {
			return err
		}
		for _, s := range list {
			status := "open"
			if !s.Open() {
				status = fmt.Sprintf("exit=%d %s", s.ExitCode, s.ExitReason)
			}
			run := "interactive"
			if s.Auto {
				run = "auto"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.StartedAt.Local().Format(time.DateTime), run, s.Mode, status, s.Workspace)
		}
		return nil
	})
}

func listJournal(_ context.Context, cfg config.Config, out io.Writer, sessionID string, limit int) error {
	return withDB(cfg, func(gdb *gorm.DB) error {
		events, err := journal.Events(gdb, sessionID, limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			ref := ev.MessageID
			if ev.CorrelationID != "" {
				ref = "re:" + ev.CorrelationID
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n", ev.CreatedAt.Local().Format(time.TimeOnly), ev.Channel, ev.Kind, ev.MessageType, ref, ev.ErrorCode)
		}
		return nil
	})
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	logger := cliLogger(cfg)
	return withDB(cfg, func(gdb *gorm.DB) error {
		lines, err := migration.RunAllWithLogs(gdb, db.MigrateOptions{JournalRetention: cfg.JournalRetention})
		for _, line := range lines {
			logger.Info("migration", "step", line)
		}
		if err != nil {
			return err
		}
		logger.Info("database is up to date")
		return nil
	})
}
