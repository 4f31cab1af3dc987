// Package zones serves the user-configurable zone boundaries and FTP values
// read from a YAML file. The file is owned by operators; this package only
// reads it and reloads it when it changes on disk.
package zones

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/newpush/coach-sub004/internal/streams"
)

// Profile is the zone configuration applied to one user
type Profile struct {
	HeartRate []streams.Zone `yaml:"heart_rate"`
	Power     []streams.Zone `yaml:"power"`
	FTP       *float64       `yaml:"ftp"`
}

// ZoneSet returns the per-modality zones for the stream metrics engine
func (p Profile) ZoneSet() streams.ZoneSet {
	return streams.ZoneSet{HeartRate: p.HeartRate, Power: p.Power}
}

// File is the on-disk layout
type File struct {
	Default Profile            `yaml:"default"`
	Users   map[string]Profile `yaml:"users"`
}

// DefaultProfile is used when no file is configured
func DefaultProfile() Profile {
	return Profile{
		HeartRate: []streams.Zone{
			{Name: "Z1", Min: 0, Max: 120},
			{Name: "Z2", Min: 120, Max: 140},
			{Name: "Z3", Min: 140, Max: 155},
			{Name: "Z4", Min: 155, Max: 170},
			{Name: "Z5", Min: 170, Max: 250},
		},
		Power: []streams.Zone{
			{Name: "Z1", Min: 0, Max: 137},
			{Name: "Z2", Min: 137, Max: 187},
			{Name: "Z3", Min: 187, Max: 225},
			{Name: "Z4", Min: 225, Max: 262},
			{Name: "Z5", Min: 262, Max: 300},
			{Name: "Z6", Min: 300, Max: 375},
			{Name: "Z7", Min: 375, Max: 2000},
		},
	}
}

// Parse decodes and validates a zone file
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse zone file: %w", err)
	}
	if err := validate("default.heart_rate", f.Default.HeartRate); err != nil {
		return nil, err
	}
	if err := validate("default.power", f.Default.Power); err != nil {
		return nil, err
	}
	for user, p := range f.Users {
		if err := validate(user+".heart_rate", p.HeartRate); err != nil {
			return nil, err
		}
		if err := validate(user+".power", p.Power); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// validate checks that zones ascend and share boundaries
func validate(name string, zs []streams.Zone) error {
	for i, z := range zs {
		if z.Max <= z.Min {
			return fmt.Errorf("zone %s[%d]: max %.1f must exceed min %.1f", name, i, z.Max, z.Min)
		}
		if i > 0 && z.Min != zs[i-1].Max {
			return fmt.Errorf("zone %s[%d]: min %.1f does not continue previous max %.1f", name, i, z.Min, zs[i-1].Max)
		}
	}
	return nil
}

// Store holds the current zone file. Safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	file File
}

// NewStore returns a store serving only the built-in defaults
func NewStore() *Store {
	return &Store{logger: slog.Default(), file: File{Default: DefaultProfile()}}
}

// Open loads path into a new store
func Open(path string) (*Store, error) {
	s := NewStore()
	s.path = path
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous contents stay in effect.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read zone file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	builtin := DefaultProfile()
	if len(f.Default.HeartRate) == 0 {
		f.Default.HeartRate = builtin.HeartRate
	}
	if len(f.Default.Power) == 0 {
		f.Default.Power = builtin.Power
	}

	s.mu.Lock()
	s.file = *f
	s.mu.Unlock()
	s.logger.Info("Zone file loaded", "path", s.path, "users", len(f.Users))
	return nil
}

// For returns the user's profile: each field of a user override replaces the
// default's, fields the override leaves empty fall back to the default.
func (s *Store) For(userID string) Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.file.Default
	o, ok := s.file.Users[userID]
	if !ok {
		return p
	}
	if len(o.HeartRate) > 0 {
		p.HeartRate = o.HeartRate
	}
	if len(o.Power) > 0 {
		p.Power = o.Power
	}
	if o.FTP != nil {
		p.FTP = o.FTP
	}
	return p
}

// Watch reloads the file whenever it is written or replaced, until ctx is
// done. The parent directory is watched so editors that write a temp file
// and rename it over the original are picked up.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch zone file directory: %w", err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Error("Failed to reload zone file", "path", s.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Zone file watcher error", "error", err)
		}
	}
}
