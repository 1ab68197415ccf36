package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

// Config wires a Store to its persistence backend.
type Config struct {
	// Backend receives serialized snapshots. Nil disables persistence.
	Backend ranking.SnapshotStore
	// MaxFailures caps the failure log; zero keeps every entry.
	MaxFailures int
	Logger      *zap.Logger
}

// Store is the in-memory ranking cache.
type Store struct {
	mu        sync.RWMutex
	lastCrawl time.Time
	histories map[string][]ranking.ProductRecord
	all       []ranking.ProductRecord
	failures  []ranking.FailedCategory

	persistMu   sync.Mutex
	backend     ranking.SnapshotStore
	maxFailures int
	logger      *zap.Logger
}

// Stats summarizes the store contents.
type Stats struct {
	Categories   map[string]int
	TotalRecords int
	Failures     int
	LastCrawl    time.Time
}

// New creates an empty Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		histories:   make(map[string][]ranking.ProductRecord),
		all:         []ranking.ProductRecord{},
		backend:     cfg.Backend,
		maxFailures: cfg.MaxFailures,
		logger:      logger,
	}
}

// Restore builds a Store from a persisted snapshot. A blob that cannot be
// decoded is logged and yields an empty store.
func Restore(blob []byte, cfg Config) *Store {
	s := New(cfg)
	file, histories, err := decodeSnapshot(blob)
	if err != nil {
		s.logger.Error("snapshot restore failed; starting empty", zap.Error(err))
		return s
	}
	s.histories = histories
	if file.Timestamp != nil {
		s.lastCrawl = *file.Timestamp
	}
	s.failures = append(s.failures, file.FailedCategories...)
	s.trimFailuresLocked()
	s.all = s.buildAllLocked()
	s.logger.Info("snapshot restored",
		zap.Int("categories", len(s.histories)),
		zap.Int("records", len(s.all)),
		zap.Time("last_crawl", s.lastCrawl),
	)
	return s
}

// Open loads the last snapshot from cfg.Backend. A missing or unreadable
// snapshot yields an empty store.
func Open(ctx context.Context, cfg Config) *Store {
	if cfg.Backend == nil {
		return New(cfg)
	}
	blob, err := cfg.Backend.Load(ctx)
	switch {
	case errors.Is(err, ranking.ErrSnapshotNotFound):
		s := New(cfg)
		s.logger.Info("no snapshot found; starting empty")
		return s
	case err != nil:
		s := New(cfg)
		s.logger.Error("snapshot load failed; starting empty", zap.Error(err))
		return s
	default:
		return Restore(blob, cfg)
	}
}

// MergeCategory appends records to the category history, deduplicates and
// re-sorts it. Only the crawl pass calls this.
func (s *Store) MergeCategory(categoryID string, records []ranking.ProductRecord) int {
	s.mu.RLock()
	existing := s.histories[categoryID]
	s.mu.RUnlock()

	combined := make([]ranking.ProductRecord, 0, len(existing)+len(records))
	combined = append(combined, existing...)
	combined = append(combined, records...)
	merged := ranking.Canonical(combined)

	s.mu.Lock()
	s.histories[categoryID] = merged
	s.mu.Unlock()
	return len(merged)
}

// RebuildAllRecords recomputes the flattened index from every history.
func (s *Store) RebuildAllRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = s.buildAllLocked()
	return len(s.all)
}

func (s *Store) buildAllLocked() []ranking.ProductRecord {
	total := 0
	for _, h := range s.histories {
		total += len(h)
	}
	flat := make([]ranking.ProductRecord, 0, total)
	for _, h := range s.histories {
		flat = append(flat, h...)
	}
	flat = ranking.DeduplicateAcrossCategories(flat)
	ranking.SortGlobal(flat)
	return flat
}

// RecordFailure appends to the failure log.
func (s *Store) RecordFailure(f ranking.FailedCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	s.trimFailuresLocked()
}

func (s *Store) trimFailuresLocked() {
	if s.maxFailures <= 0 || len(s.failures) <= s.maxFailures {
		return
	}
	drop := len(s.failures) - s.maxFailures
	s.failures = append([]ranking.FailedCategory(nil), s.failures[drop:]...)
}

// MarkCrawled sets the time of the last completed pass.
func (s *Store) MarkCrawled(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCrawl = t
}

// LastCrawl returns the last completed pass time; ok is false before the first pass.
func (s *Store) LastCrawl() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCrawl, !s.lastCrawl.IsZero()
}

// Marshal serializes the store in the snapshot format.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	out := snapshotOut{
		Data:             make(map[string][]ranking.ProductRecord, len(s.histories)),
		AllProducts:      s.all,
		FailedCategories: s.failures,
	}
	if !s.lastCrawl.IsZero() {
		ts := s.lastCrawl
		out.Timestamp = &ts
	}
	for cat, h := range s.histories {
		out.Data[cat] = h
	}
	data, err := json.MarshalIndent(out, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Persist writes a snapshot through the configured backend. Concurrent calls
// are serialized; readers are only held off while the snapshot is encoded.
func (s *Store) Persist(ctx context.Context) error {
	if s.backend == nil {
		return errors.New("no snapshot backend configured")
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("snapshot persisted", zap.Int("bytes", len(data)))
	return nil
}

// QueryByCategory returns the category history filtered by date, in
// per-category order. found is false when the store has no history for it.
func (s *Store) QueryByCategory(categoryID string, dates ranking.DateRange) ([]ranking.ProductRecord, bool) {
	s.mu.RLock()
	history, ok := s.histories[categoryID]
	s.mu.RUnlock()
	if !ok {
		return []ranking.ProductRecord{}, false
	}
	out := dates.Filter(history)
	ranking.SortByDateAndTime(out)
	return out, true
}

// SearchQuery selects records for keyword search.
type SearchQuery struct {
	Keyword  string
	Dates    ranking.DateRange
	Category string
}

// Search matches the keyword case-insensitively against brand and name.
// With a category that has a history only that history is searched; an
// unknown or never-crawled category searches all of them.
func (s *Store) Search(q SearchQuery) []ranking.ProductRecord {
	keyword := strings.ToLower(q.Keyword)

	s.mu.RLock()
	var sources [][]ranking.ProductRecord
	if h, ok := s.histories[q.Category]; ok && q.Category != "" {
		sources = append(sources, h)
	} else {
		for _, h := range s.histories {
			sources = append(sources, h)
		}
	}
	s.mu.RUnlock()

	out := []ranking.ProductRecord{}
	for _, history := range sources {
		for _, r := range history {
			if r.Date == "" || !q.Dates.Match(r.Date) {
				continue
			}
			if strings.Contains(r.SearchText(), keyword) {
				out = append(out, r)
			}
		}
	}
	ranking.SortSearchResults(out)
	return out
}

// AllRecords returns a copy of the flattened index.
func (s *Store) AllRecords() []ranking.ProductRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ranking.ProductRecord{}, s.all...)
}

// History returns a copy of one category history.
func (s *Store) History(categoryID string) []ranking.ProductRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ranking.ProductRecord{}, s.histories[categoryID]...)
}

// FailedCategories returns the most recent failures, newest last. limit <= 0
// returns all of them.
func (s *Store) FailedCategories(limit int) []ranking.FailedCategory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.failures
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return append([]ranking.FailedCategory{}, src...)
}

// Stats returns record counts per category.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Categories:   make(map[string]int, len(s.histories)),
		TotalRecords: len(s.all),
		Failures:     len(s.failures),
		LastCrawl:    s.lastCrawl,
	}
	for cat, h := range s.histories {
		st.Categories[cat] = len(h)
	}
	return st
}
