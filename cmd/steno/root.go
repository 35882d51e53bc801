package main

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

// cli carries state shared by all subcommands: the layered configuration and
// the logger derived from it.
type cli struct {
	configPath string
	workspace  string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "steno",
		Short: "Ingest, store, and analyze AI coding assistant conversation logs",
		Long: `steno ingests conversation logs from AI coding assistants (Claude Code,
Codex, Gemini CLI, and others), stores them in SQLite, and analyzes them
with background LLM workers. It serves a REST API for collectors, watch
daemons, and conversation reads.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to the config file (default $STENO_HOME/config.json)")
	pf.StringVar(&c.workspace, "workspace", "", "workspace id (defaults to the only workspace)")
	pf.String("home", "", "steno home directory (database, config)")
	pf.String("host", "", "host the server binds to")
	pf.Int("port", 0, "port the server listens on")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.Int("workers", 0, "background worker count")

	root.AddCommand(
		newServeCmd(c),
		newSetupCmd(c),
		newIngestCmd(c),
		newSweepCmd(c),
		newCollectorsCmd(c),
		newPruneCmd(c),
		newVersionCmd(),
	)
	return root
}

// load layers the configuration, passing only explicitly set flags as the
// top layer.
func (c *cli) load(cmd *cobra.Command) error {
	overrides := map[string]string{}
	flags := cmd.Flags()
	for _, name := range []string{"home", "host", "port", "log-level", "workers"} {
		if f := flags.Lookup(name); f != nil && f.Changed {
			overrides[name] = f.Value.String()
		}
	}
	cfg, err := config.Load(c.configPath, overrides)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = newLogger(cfg.LogLevel)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func (c *cli) openDB() (*db.DB, error) {
	if err := os.MkdirAll(c.cfg.HomeDir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "creating home directory", err)
	}
	database, err := db.Open(c.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if c.cfg.CursorSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(c.cfg.CursorSecret)
		if err != nil {
			database.Close()
			return nil, errkind.Wrap(errkind.InvalidArgument, "invalid cursor secret", err)
		}
		database.SetCursorSecret(secret)
	}
	return database, nil
}

// resolveWorkspace picks the workspace a command operates on: the
// --workspace flag when given, otherwise the sole existing workspace.
func (c *cli) resolveWorkspace(ctx context.Context, database *db.DB) (string, error) {
	if c.workspace != "" {
		if _, err := database.GetWorkspace(ctx, c.workspace); err != nil {
			return "", err
		}
		return c.workspace, nil
	}
	workspaces, err := database.ListWorkspaces(ctx)
	if err != nil {
		return "", err
	}
	switch len(workspaces) {
	case 0:
		return "", errkind.Hinted(errkind.NotFound, "no workspaces exist",
			"bootstrap one with `steno setup`")
	case 1:
		return workspaces[0].ID, nil
	default:
		return "", errkind.Hinted(errkind.InvalidArgument,
			"multiple workspaces exist", "pick one with --workspace")
	}
}
