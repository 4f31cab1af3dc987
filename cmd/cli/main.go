package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newpush/coach-sub004/internal/app"
	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/config"
)

var verbose bool

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cli",
		Short:         "Coach sync administration",
		Long:          `Run syncs, manage provider integrations and webhook subscriptions, and mint internal API tokens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Only errors unless asked; command output goes to stdout
			level := slog.LevelError
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newSyncCommand(),
		newIntegrationsCommand(),
		newTokenCommand(),
		newSubscriptionsCommand(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func openEngine() (*app.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	engine, err := app.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return engine, cfg, nil
}

// parseWindow defaults to the trailing week ending today
func parseWindow(start, end string, now time.Time) (canonical.Window, error) {
	w := canonical.NewWindow(now.AddDate(0, 0, -6), now)
	if start != "" {
		d, err := canonical.ParseDay(start)
		if err != nil {
			return w, fmt.Errorf("--start: %w", err)
		}
		w.Start = d
	}
	if end != "" {
		d, err := canonical.ParseDay(end)
		if err != nil {
			return w, fmt.Errorf("--end: %w", err)
		}
		w.End = d
	}
	if w.Empty() {
		return w, fmt.Errorf("--end must not be before --start")
	}
	return w, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
