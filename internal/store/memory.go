package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

// seriesHistory holds a time-ordered list of points for one series.
type seriesHistory struct {
	points []indicators.Point
}

// search returns the index of ts, or where it would be inserted.
func (h *seriesHistory) search(ts time.Time) (int, bool) {
	i := sort.Search(len(h.points), func(i int) bool {
		return !h.points[i].Timestamp.Before(ts)
	})
	return i, i < len(h.points) && h.points[i].Timestamp.Equal(ts)
}

// MemoryStore is a concurrency-safe in-memory implementation of
// indicators.Store. Data is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	meta     map[string]indicators.SeriesMetadata
	data     map[string]*seriesHistory
	attempts []indicators.RefreshAttempt
	nextID   int64

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meta:   make(map[string]indicators.SeriesMetadata),
		data:   make(map[string]*seriesHistory),
		nextID: 1,
		now:    time.Now,
	}
}

func (s *MemoryStore) Register(_ context.Context, m indicators.SeriesMetadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meta[m.ID]; ok {
		return false, nil
	}
	m.Active = true
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	s.meta[m.ID] = m
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (indicators.SeriesMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meta[id]
	if !ok {
		return indicators.SeriesMetadata{}, fmt.Errorf("%w: %s", indicators.ErrUnknownSeries, id)
	}
	return m, nil
}

func (s *MemoryStore) List(_ context.Context, f indicators.CatalogFilter) ([]indicators.SeriesMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []indicators.SeriesMetadata{}
	for _, m := range s.meta {
		if !f.IncludeInactive && !m.Active {
			continue
		}
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		if f.Source != "" && m.Source != f.Source {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[id]
	if !ok {
		return fmt.Errorf("%w: %s", indicators.ErrUnknownSeries, id)
	}
	m.Active = active
	s.meta[id] = m
	return nil
}

func (s *MemoryStore) Categories(_ context.Context) ([]indicators.CategoryCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, m := range s.meta {
		if m.Active {
			counts[m.Category]++
		}
	}
	out := make([]indicators.CategoryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, indicators.CategoryCount{Category: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *MemoryStore) Has(_ context.Context, seriesID string, ts time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[seriesID]
	if !ok {
		return false, nil
	}
	_, found := h.search(indicators.NormalizeTimestamp(ts))
	return found, nil
}

func (s *MemoryStore) UpsertIfAbsent(_ context.Context, p indicators.Point) (indicators.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(p), nil
}

// UpsertBatch takes the lock per point so readers and single inserts
// interleave with a long batch.
func (s *MemoryStore) UpsertBatch(ctx context.Context, points []indicators.Point) (int, error) {
	added := 0
	for _, p := range points {
		res, err := s.UpsertIfAbsent(ctx, p)
		if err != nil {
			return added, err
		}
		if res == indicators.Inserted {
			added++
		}
	}
	return added, nil
}

func (s *MemoryStore) insertLocked(p indicators.Point) indicators.UpsertResult {
	p.Timestamp = indicators.NormalizeTimestamp(p.Timestamp)
	if p.IngestedAt.IsZero() {
		p.IngestedAt = s.now().UTC()
	}

	h, ok := s.data[p.SeriesID]
	if !ok {
		h = &seriesHistory{}
		s.data[p.SeriesID] = h
	}

	i, found := h.search(p.Timestamp)
	if found {
		return indicators.Skipped
	}
	h.points = append(h.points, indicators.Point{})
	copy(h.points[i+1:], h.points[i:])
	h.points[i] = p
	return indicators.Inserted
}

// Range returns points between start and end (inclusive), oldest first.
func (s *MemoryStore) Range(_ context.Context, seriesID string, start, end time.Time, limit int) ([]indicators.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []indicators.Point{}
	h, ok := s.data[seriesID]
	if !ok || limit <= 0 {
		return result, nil
	}

	end = indicators.NormalizeTimestamp(end)
	i, _ := h.search(indicators.NormalizeTimestamp(start))
	for ; i < len(h.points) && len(result) < limit; i++ {
		if h.points[i].Timestamp.After(end) {
			break
		}
		result = append(result, h.points[i])
	}
	return result, nil
}

// Latest returns the most recent point for a series.
func (s *MemoryStore) Latest(_ context.Context, seriesID string) (indicators.Point, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[seriesID]
	if !ok || len(h.points) == 0 {
		return indicators.Point{}, false, nil
	}
	return h.points[len(h.points)-1], true, nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a indicators.RefreshAttempt) (indicators.RefreshAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.nextID
	s.nextID++
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	s.attempts = append(s.attempts, a)
	return a, nil
}

func (s *MemoryStore) Attempts(_ context.Context, f indicators.AttemptFilter) ([]indicators.RefreshAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []indicators.RefreshAttempt{}
	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if f.Source != "" && a.Source != f.Source {
			continue
		}
		if f.SeriesID != "" && a.SeriesID != f.SeriesID {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
