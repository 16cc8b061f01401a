package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryRepository is an in-memory Repository with the same claim and
// version semantics as the postgres store.
type memoryRepository struct {
	mu      sync.Mutex
	pending map[string]*Record
	history map[string]*HistoryRecord
	order   []string
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		pending: make(map[string]*Record),
		history: make(map[string]*HistoryRecord),
	}
}

func copyRecord(r *Record) *Record {
	c := *r
	return &c
}

func (m *memoryRepository) Insert(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[record.ID] = copyRecord(record)
	return nil
}

func (m *memoryRepository) InsertBatch(ctx context.Context, records []*Record) error {
	for _, r := range records {
		if err := m.Insert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func claimable(r *Record, now time.Time, stallTimeout time.Duration) bool {
	switch r.Status {
	case StatusPending:
		return !r.ExecuteAt.After(now)
	case StatusProcessing:
		return r.ProcessingStartedAt != nil && !r.ProcessingStartedAt.After(now.Add(-stallTimeout))
	}
	return false
}

func (m *memoryRepository) ClaimDue(_ context.Context, now time.Time, limit int, stallTimeout time.Duration) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Record
	for _, r := range m.pending {
		if claimable(r, now, stallTimeout) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExecuteAt.Before(due[j].ExecuteAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Record, 0, len(due))
	for _, r := range due {
		startedAt := now
		r.Status = StatusProcessing
		r.ProcessingStartedAt = &startedAt
		r.Version++
		claimed = append(claimed, copyRecord(r))
	}
	return claimed, nil
}

func (m *memoryRepository) Update(_ context.Context, record *Record, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.pending[record.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := copyRecord(record)
	next.Version = expectedVersion + 1
	m.pending[record.ID] = next
	return nil
}

func (m *memoryRepository) MoveToHistory(_ context.Context, record *HistoryRecord, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.pending[record.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.pending, record.ID)
	m.archive(record)
	return nil
}

func (m *memoryRepository) archive(record *HistoryRecord) {
	c := *record
	m.history[record.ID] = &c
	m.order = append(m.order, record.ID)
}

func (m *memoryRepository) Cancel(_ context.Context, id string, now time.Time) (*HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.pending[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if cur.Status != StatusPending {
		return nil, ErrNotCancellable
	}
	return m.cancelLocked(cur, now), nil
}

func (m *memoryRepository) cancelLocked(r *Record, now time.Time) *HistoryRecord {
	delete(m.pending, r.ID)
	h := Archive(r, StatusCancelled, now)
	m.archive(h)
	return h
}

func (m *memoryRepository) CancelForBooking(_ context.Context, bookingID string, triggers []Trigger, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.pending {
		if r.BookingIDValue() != bookingID || r.Status != StatusPending {
			continue
		}
		if len(triggers) > 0 && !containsTrigger(triggers, r.Trigger) {
			continue
		}
		m.cancelLocked(r, now)
		n++
	}
	return n, nil
}

func containsTrigger(triggers []Trigger, t Trigger) bool {
	for _, candidate := range triggers {
		if candidate == t {
			return true
		}
	}
	return false
}

func (m *memoryRepository) Exists(_ context.Context, bookingID string, notificationType NotificationType, trigger Trigger) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.pending {
		if r.BookingIDValue() == bookingID && r.Type == notificationType && r.Trigger == trigger {
			return true, nil
		}
	}
	for _, h := range m.history {
		if h.FinalStatus == StatusCancelled {
			continue
		}
		if h.BookingIDValue() == bookingID && h.Type == notificationType && h.Trigger == trigger {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepository) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.pending[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(r), nil
}

func (m *memoryRepository) GetHistory(_ context.Context, id string) (*HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.history[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	c := *h
	return &c, nil
}

func (m *memoryRepository) ListHistory(_ context.Context, filter HistoryFilter) ([]*HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*HistoryRecord
	for i := len(m.order) - 1; i >= 0; i-- {
		h := m.history[m.order[i]]
		if filter.BookingID != "" && h.BookingIDValue() != filter.BookingID {
			continue
		}
		if filter.FinalStatus != "" && h.FinalStatus != filter.FinalStatus {
			continue
		}
		c := *h
		out = append(out, &c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memoryRepository) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{}
	for _, r := range m.pending {
		switch r.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		}
	}
	for _, h := range m.history {
		switch h.FinalStatus {
		case StatusSent:
			stats.Sent++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *memoryRepository) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

var _ Repository = (*memoryRepository)(nil)
