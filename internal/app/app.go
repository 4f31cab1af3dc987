// Package app assembles the engine from configuration. The server and the
// CLI share it so both run syncs with the same adapters and settings.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/newpush/coach-sub004/internal/config"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/orchestrator"
	"github.com/newpush/coach-sub004/internal/provider"
	"github.com/newpush/coach-sub004/internal/provider/fitfile"
	"github.com/newpush/coach-sub004/internal/provider/intervals"
	"github.com/newpush/coach-sub004/internal/provider/strava"
	"github.com/newpush/coach-sub004/internal/provider/whoop"
	"github.com/newpush/coach-sub004/internal/zones"
)

// Engine is the sync core built from one Config
type Engine struct {
	DB           *database.DB
	Registry     *provider.Registry
	Strava       *strava.Adapter
	Zones        *zones.Store
	Orchestrator *orchestrator.Orchestrator
}

// NewLogger returns a JSON logger at the configured level
func NewLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// NewRegistry registers every adapter the configuration enables. Intervals
// and Whoop authenticate per athlete and are always available; Strava needs
// application credentials and the FIT importer needs a directory.
func NewRegistry(cfg *config.Config) (*provider.Registry, *strava.Adapter) {
	registry := provider.NewRegistry(
		intervals.New(cfg.IntervalsBaseURL),
		whoop.New(cfg.WhoopBaseURL),
	)
	var sa *strava.Adapter
	if cfg.StravaEnabled() {
		sa = strava.New(cfg.StravaBaseURL, cfg.StravaClientID, cfg.StravaClientSecret)
		registry.Register(sa)
	}
	if cfg.FitImportDir != "" {
		registry.Register(fitfile.New(cfg.FitImportDir))
	}
	return registry, sa
}

// OpenZones loads the zone file, or the built-in defaults when none is set
func OpenZones(cfg *config.Config) (*zones.Store, error) {
	if cfg.ZonesFile == "" {
		return zones.NewStore(), nil
	}
	return zones.Open(cfg.ZonesFile)
}

// Open opens the database, ensures the schema and builds the orchestrator
func Open(cfg *config.Config) (*Engine, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Init(); err != nil {
		db.Close()
		return nil, err
	}

	zs, err := OpenZones(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}

	registry, sa := NewRegistry(cfg)
	return &Engine{
		DB:           db,
		Registry:     registry,
		Strava:       sa,
		Zones:        zs,
		Orchestrator: orchestrator.New(db, registry, zs, cfg.Orchestrator()),
	}, nil
}

// Close releases the database
func (e *Engine) Close() error {
	return e.DB.Close()
}
