// Package memory provides the episodic memory store contract consumed
// by the orchestrator, plus two implementations: an in-memory store
// with JSON snapshot persistence (default) and a Redis-backed store.
//
// Episodes land in short-term memory. Consolidate promotes high-quality
// episodes to long-term memory and expires short-term entries past
// their TTL. Consolidate is idempotent: with no intervening writes a
// second call reports {promoted:0, expired:0}.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/pkg/models"
)

// SearchFilter narrows Search results.
type SearchFilter struct {
	SessionID  string
	UserID     string
	Strategy   string
	MinQuality float64
	Limit      int
}

// ConsolidateResult reports one consolidation pass.
type ConsolidateResult struct {
	Promoted int `json:"promoted"`
	Expired  int `json:"expired"`
}

// Store is the memory store contract (external collaborator C1).
type Store interface {
	Append(ctx context.Context, ep models.Episode) error
	Recent(ctx context.Context, sessionID string, n int) ([]models.Episode, error)
	Search(ctx context.Context, queryText string, filter SearchFilter) ([]models.Episode, error)
	Consolidate(ctx context.Context) (ConsolidateResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// ── In-memory store ──────────────────────────────────────────

const snapshotFile = "memory.json"

type snapshot struct {
	ShortTerm []models.Episode `json:"short_term"`
	LongTerm  []models.Episode `json:"long_term"`
}

// InMemStore keeps episodes in memory with debounced JSON snapshots.
type InMemStore struct {
	mu        sync.RWMutex
	shortTerm []models.Episode
	longTerm  []models.Episode
	promoted  map[string]bool // episode IDs already in long-term

	stmTTL             time.Duration
	promotionThreshold float64

	snapshotPath string // empty = no persistence
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
	closeOnce    sync.Once
}

// NewInMemStore creates the in-memory store. If cfg.PersistDir is set,
// episodes are persisted to a JSON file in that directory.
func NewInMemStore(cfg config.MemoryConfig) *InMemStore {
	m := &InMemStore{
		promoted:           make(map[string]bool),
		stmTTL:             time.Duration(cfg.StmTTLHours) * time.Hour,
		promotionThreshold: cfg.LtmPromotionThreshold,
		saveCh:             make(chan struct{}, 1),
		doneCh:             make(chan struct{}),
	}
	if m.stmTTL <= 0 {
		m.stmTTL = 24 * time.Hour
	}

	if cfg.PersistDir != "" {
		if err := os.MkdirAll(cfg.PersistDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", cfg.PersistDir).Msg("Cannot create memory dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(cfg.PersistDir, snapshotFile)
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Dur("stm_ttl", m.stmTTL).
		Float64("promotion_threshold", m.promotionThreshold).
		Msg("Memory store configured")

	return m
}

func (m *InMemStore) Append(_ context.Context, ep models.Episode) error {
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	m.shortTerm = append(m.shortTerm, ep)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// Recent returns up to n episodes, most recent first. An empty
// sessionID spans all sessions.
func (m *InMemStore) Recent(_ context.Context, sessionID string, n int) ([]models.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Episode
	for i := len(m.shortTerm) - 1; i >= 0 && len(out) < n; i-- {
		ep := m.shortTerm[i]
		if sessionID == "" || ep.SessionID == sessionID {
			out = append(out, ep)
		}
	}
	for i := len(m.longTerm) - 1; i >= 0 && len(out) < n; i-- {
		ep := m.longTerm[i]
		if sessionID == "" || ep.SessionID == sessionID {
			out = append(out, ep)
		}
	}
	return out, nil
}

// Search matches queryText as a case-insensitive substring over query
// and answer text, newest first.
func (m *InMemStore) Search(_ context.Context, queryText string, filter SearchFilter) ([]models.Episode, error) {
	needle := strings.ToLower(queryText)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	m.mu.RLock()
	all := make([]models.Episode, 0, len(m.shortTerm)+len(m.longTerm))
	all = append(all, m.shortTerm...)
	all = append(all, m.longTerm...)
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })

	var out []models.Episode
	for _, ep := range all {
		if len(out) >= limit {
			break
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(ep.QueryText), needle) &&
			!strings.Contains(strings.ToLower(ep.AnswerText), needle) {
			continue
		}
		if filter.SessionID != "" && ep.SessionID != filter.SessionID {
			continue
		}
		if filter.UserID != "" && ep.UserID != filter.UserID {
			continue
		}
		if filter.Strategy != "" && ep.StrategyUsed != filter.Strategy {
			continue
		}
		if ep.Quality < filter.MinQuality {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// Consolidate promotes short-term episodes at or above the promotion
// threshold to long-term and drops short-term episodes past the TTL.
func (m *InMemStore) Consolidate(_ context.Context) (ConsolidateResult, error) {
	cutoff := time.Now().Add(-m.stmTTL)

	m.mu.Lock()
	var result ConsolidateResult
	var kept []models.Episode
	for _, ep := range m.shortTerm {
		if ep.Quality >= m.promotionThreshold && !m.promoted[ep.ID] {
			m.longTerm = append(m.longTerm, ep)
			m.promoted[ep.ID] = true
			result.Promoted++
		}
		if ep.Timestamp.Before(cutoff) {
			result.Expired++
			continue
		}
		kept = append(kept, ep)
	}
	m.shortTerm = kept
	m.mu.Unlock()

	if result.Promoted > 0 || result.Expired > 0 {
		m.requestSave()
		log.Info().
			Int("promoted", result.Promoted).
			Int("expired", result.Expired).
			Msg("Memory consolidated")
	}
	return result, nil
}

func (m *InMemStore) Ping(context.Context) error { return nil }

func (m *InMemStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// requestSave coalesces rapid writes into one disk flush.
func (m *InMemStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *InMemStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *InMemStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{ShortTerm: m.shortTerm, LongTerm: m.longTerm}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal memory snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write memory snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename memory snapshot")
	}
}

func (m *InMemStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read memory snapshot")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Ignoring malformed memory snapshot")
		return
	}
	m.shortTerm = snap.ShortTerm
	m.longTerm = snap.LongTerm
	for _, ep := range m.longTerm {
		m.promoted[ep.ID] = true
	}
	log.Info().
		Int("short_term", len(m.shortTerm)).
		Int("long_term", len(m.longTerm)).
		Msg("Memory snapshot loaded")
}
