package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/repoharvest/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the loaded configuration to every subcommand.
type cli struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "harvester",
		Short:         "Harvest metadata and PDFs from institutional repositories",
		Long:          "harvester pulls records from OAI-PMH endpoints and keyword-search portals, resolves item pages and downloads their files. Every step is resumable.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(c.logger)
			return nil
		},
	}

	root.AddCommand(
		c.runCmd(),
		c.harvestCmd(),
		c.searchCmd(),
		c.processCmd(),
		c.statusCmd(),
		c.scheduleCmd(),
		c.serveCmd(),
	)
	return root
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
