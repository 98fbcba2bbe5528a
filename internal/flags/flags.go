// Package flags implements feature flags with per-user rollout.
// Evaluation is pure and side-effect free; the flag table is read-mostly
// and updates publish atomically under a write lock. Flags persist to a
// small JSON file (atomic replace) and reload when the file changes on
// disk.
package flags

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/pkg/models"
)

const flagsFile = "flags.json"

// Registry holds the process-wide flag table.
type Registry struct {
	mu      sync.RWMutex
	flags   map[string]models.FeatureFlag
	dir     string // empty = no persistence
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry builds the registry from configured flags, merges any
// previously persisted state from dir, and starts watching the file
// for external edits. dir may be empty to disable persistence.
func NewRegistry(cfgFlags map[string]config.FlagConfig, dir string) (*Registry, error) {
	r := &Registry{
		flags: make(map[string]models.FeatureFlag, len(cfgFlags)),
		dir:   dir,
		done:  make(chan struct{}),
	}

	for name, fc := range cfgFlags {
		strategy := models.RolloutStrategy(strings.ToLower(fc.Strategy))
		if strategy == "" {
			strategy = models.RolloutAll
		}
		r.flags[name] = models.FeatureFlag{
			Name:              name,
			Enabled:           fc.Enabled,
			Strategy:          strategy,
			RolloutPercentage: fc.RolloutPercentage,
			Whitelist:         fc.Whitelist,
			UpdatedAt:         time.Now().UTC(),
		}
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create flags dir: %w", err)
		}
		r.loadFile()
		if err := r.watch(); err != nil {
			log.Warn().Err(err).Msg("Flag file watch unavailable, hot reload disabled")
		}
	}

	return r, nil
}

// Enabled reports whether flag name is on for userID. Pure over the
// current table: unknown flags are off; PERCENTAGE buckets users by a
// stable hash; WHITELIST requires membership.
func (r *Registry) Enabled(name, userID string) bool {
	r.mu.RLock()
	f, ok := r.flags[name]
	r.mu.RUnlock()
	if !ok || !f.Enabled {
		return false
	}

	switch f.Strategy {
	case models.RolloutAll:
		return true
	case models.RolloutWhitelist:
		for _, id := range f.Whitelist {
			if id == userID {
				return true
			}
		}
		return false
	case models.RolloutPercentage:
		if userID == "" {
			return false
		}
		return float64(bucket(userID)) < f.RolloutPercentage
	default:
		return f.Enabled
	}
}

// bucket maps a user id into [0,100) deterministically.
func bucket(userID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return h.Sum32() % 100
}

// Set replaces a flag and persists the table.
func (r *Registry) Set(f models.FeatureFlag) {
	f.UpdatedAt = time.Now().UTC()
	r.mu.Lock()
	r.flags[f.Name] = f
	snapshot := r.copyLocked()
	r.mu.Unlock()

	r.persist(snapshot)
}

// Get returns a flag by name.
func (r *Registry) Get(name string) (models.FeatureFlag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flags[name]
	return f, ok
}

// List returns all flags.
func (r *Registry) List() []models.FeatureFlag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.FeatureFlag, 0, len(r.flags))
	for _, f := range r.flags {
		out = append(out, f)
	}
	return out
}

// Close stops the file watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *Registry) copyLocked() map[string]models.FeatureFlag {
	out := make(map[string]models.FeatureFlag, len(r.flags))
	for k, v := range r.flags {
		out[k] = v
	}
	return out
}

func (r *Registry) path() string {
	return filepath.Join(r.dir, flagsFile)
}

// persist writes the table to a temp file and renames it into place.
func (r *Registry) persist(snapshot map[string]models.FeatureFlag) {
	if r.dir == "" {
		return
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal flags")
		return
	}
	tmp := r.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write flags tmp")
		return
	}
	if err := os.Rename(tmp, r.path()); err != nil {
		log.Error().Err(err).Str("path", r.path()).Msg("Failed to rename flags file")
	}
}

// loadFile merges persisted flags over the configured ones.
func (r *Registry) loadFile() {
	data, err := os.ReadFile(r.path())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", r.path()).Msg("Failed to read flags file")
		}
		return
	}
	var loaded map[string]models.FeatureFlag
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.Warn().Err(err).Str("path", r.path()).Msg("Ignoring malformed flags file")
		return
	}
	r.mu.Lock()
	for name, f := range loaded {
		r.flags[name] = f
	}
	r.mu.Unlock()
}

// watch reloads the table when the flags file is rewritten externally.
func (r *Registry) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return err
	}
	r.watcher = w

	go func() {
		for {
			select {
			case <-r.done:
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(evt.Name) != flagsFile {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					r.loadFile()
					log.Debug().Str("path", evt.Name).Msg("Flags reloaded")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Flag watcher error")
			}
		}
	}()
	return nil
}
