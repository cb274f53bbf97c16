package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"hostbridge/cli/internal/cliconfig"
	"hostbridge/cli/internal/config"
)

// RunRequest is a validated `run` or `serve` invocation.
type RunRequest struct {
	Workspace string
	Mode      string
	Auto      bool
	Timeout   time.Duration
	Prompt    string
	Serve     bool
}

type Deps struct {
	LoadConfig func() (config.Config, error)
	// RunSession returns the process exit code for the session.
	RunSession     func(context.Context, config.Config, RunRequest) (int, error)
	ShowConfig     func(context.Context, config.Config, io.Writer) error
	ValidateConfig func(context.Context, config.Config, io.Writer) error
	ListWorkspaces func(context.Context, config.Config, io.Writer, int) error
	ListSessions   func(context.Context, config.Config, io.Writer, int) error
	ListJournal    func(context.Context, config.Config, io.Writer, string, int) error
	RunMigrateUp   func(context.Context, config.Config) error

	Stdin           io.Reader
	StdinIsTerminal func() bool
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:      "hostbridge",
		Usage:     "run an editor extension headlessly behind a terminal UI",
		ArgsUsage: "[prompt]",
		Flags:     runFlags(),
		Action: func(c *cli.Context) error {
			return runAction(c, deps, false)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "host the extension and expose the UI bridge over websocket",
				Flags: append(runFlags(), &cli.StringFlag{
					Name:  "listen",
					Usage: "websocket listen address",
				}),
				Action: func(c *cli.Context) error {
					return runAction(c, deps, true)
				},
			},
			{
				Name:  "config",
				Usage: "inspect the persisted configuration",
				Subcommands: []*cli.Command{
					{
						Name:  "show",
						Usage: "print the merged configuration",
						Action: func(c *cli.Context) error {
							cfg, err := loadConfig(deps, c)
							if err != nil {
								return err
							}
							if deps.ShowConfig == nil {
								return notConfigured("config show")
							}
							return deps.ShowConfig(c.Context, cfg, c.App.Writer)
						},
					},
					{
						Name:  "validate",
						Usage: "validate the persisted configuration",
						Action: func(c *cli.Context) error {
							cfg, err := loadConfig(deps, c)
							if err != nil {
								return err
							}
							if deps.ValidateConfig == nil {
								return notConfigured("config validate")
							}
							return deps.ValidateConfig(c.Context, cfg, c.App.Writer)
						},
					},
				},
			},
			{
				Name:  "workspaces",
				Usage: "workspace history",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list recently used workspaces",
						Flags: []cli.Flag{limitFlag(20)},
						Action: func(c *cli.Context) error {
							cfg, err := loadConfig(deps, c)
							if err != nil {
								return err
							}
							if deps.ListWorkspaces == nil {
								return notConfigured("workspaces list")
							}
							return deps.ListWorkspaces(c.Context, cfg, c.App.Writer, c.Int("limit"))
						},
					},
				},
			},
			{
				Name:  "journal",
				Usage: "inspect recorded sessions and bridge traffic",
				Subcommands: []*cli.Command{
					{
						Name:  "sessions",
						Usage: "list recent sessions",
						Flags: []cli.Flag{limitFlag(20)},
						Action: func(c *cli.Context) error {
							cfg, err := loadConfig(deps, c)
							if err != nil {
								return err
							}
							if deps.ListSessions == nil {
								return notConfigured("journal sessions")
							}
							return deps.ListSessions(c.Context, cfg, c.App.Writer, c.Int("limit"))
						},
					},
					{
						Name:      "list",
						Usage:     "list journaled bridge envelopes",
						ArgsUsage: "[session-id]",
						Flags:     []cli.Flag{limitFlag(100)},
						Action: func(c *cli.Context) error {
							cfg, err := loadConfig(deps, c)
							if err != nil {
								return err
							}
							if deps.ListJournal == nil {
								return notConfigured("journal list")
							}
							return deps.ListJournal(c.Context, cfg, c.App.Writer, strings.TrimSpace(c.Args().First()), c.Int("limit"))
						},
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(c *cli.Context) error {
							cfg, err := loadConfig(deps, c)
							if err != nil {
								return err
							}
							if deps.RunMigrateUp == nil {
								return notConfigured("migrate up")
							}
							return deps.RunMigrateUp(c.Context, cfg)
						},
					},
				},
			},
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "workspace directory (default: current directory)"},
		&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "mode slug: " + strings.Join(cliconfig.KnownModes, ", ")},
		&cli.BoolFlag{Name: "auto", Aliases: []string{"a"}, Usage: "run non-interactively and exit when the task completes"},
		&cli.IntFlag{Name: "timeout", Aliases: []string{"t"}, Usage: "auto mode timeout in seconds"},
		&cli.StringFlag{Name: "extension", Usage: "registered extension to host"},
	}
}

func limitFlag(def int) cli.Flag {
	return &cli.IntFlag{Name: "limit", Value: def, Usage: "maximum rows to print"}
}

func notConfigured(name string) error {
	return fmt.Errorf("%s runner is not configured", name)
}

func loadConfig(deps Deps, c *cli.Context) (config.Config, error) {
	var cfg config.Config
	if deps.LoadConfig != nil {
		loaded, err := deps.LoadConfig()
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.LoadConfig()
	}
	if ext := strings.TrimSpace(c.String("extension")); ext != "" {
		cfg.Extension = ext
	}
	if addr := strings.TrimSpace(c.String("listen")); addr != "" {
		cfg.ListenAddr = addr
	}
	return cfg, nil
}

func runAction(c *cli.Context, deps Deps, serve bool) error {
	req, err := parseRunRequest(c, deps, serve)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	cfg, err := loadConfig(deps, c)
	if err != nil {
		return err
	}
	if deps.RunSession == nil {
		return notConfigured("session")
	}
	code, err := deps.RunSession(c.Context, cfg, req)
	if code != 0 {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return cli.Exit(msg, code)
	}
	return err
}

func parseRunRequest(c *cli.Context, deps Deps, serve bool) (RunRequest, error) {
	req := RunRequest{
		Mode:  strings.TrimSpace(c.String("mode")),
		Auto:  c.Bool("auto"),
		Serve: serve,
	}

	ws := strings.TrimSpace(c.String("workspace"))
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return req, err
		}
		ws = cwd
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return req, err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return req, fmt.Errorf("workspace %q does not exist or is not a directory", ws)
	}
	req.Workspace = abs

	if req.Mode != "" && !slices.Contains(cliconfig.KnownModes, req.Mode) {
		return req, fmt.Errorf("unknown mode %q (known: %s)", req.Mode, strings.Join(cliconfig.KnownModes, ", "))
	}
	if c.IsSet("timeout") {
		if !req.Auto {
			return req, errors.New("--timeout requires --auto")
		}
		if c.Int("timeout") <= 0 {
			return req, errors.New("--timeout must be a positive number of seconds")
		}
		req.Timeout = time.Duration(c.Int("timeout")) * time.Second
	}
	if serve && req.Auto {
		return req, errors.New("--auto cannot be used with serve")
	}

	req.Prompt = strings.TrimSpace(c.Args().First())
	if req.Prompt == "" && !serve && deps.Stdin != nil && deps.StdinIsTerminal != nil && !deps.StdinIsTerminal() {
		raw, err := io.ReadAll(deps.Stdin)
		if err != nil {
			return req, fmt.Errorf("read prompt from stdin: %w", err)
		}
		req.Prompt = strings.TrimSpace(string(raw))
	}
	if req.Auto && req.Prompt == "" {
		return req, errors.New("--auto requires a prompt argument or piped stdin")
	}
	return req, nil
}
