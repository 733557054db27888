package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a notification does not exist.
var ErrNotFound = errors.New("notification: not found")

// Store is the persistence boundary for the notification queue.
type Store interface {
	Enqueue(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error)
	// ClaimBatch atomically picks up to limit pending notifications, oldest
	// first, and increments their attempt counter. Two dispatchers running
	// concurrently never claim the same row.
	ClaimBatch(ctx context.Context, limit int) ([]*Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed records the delivery error; terminal parks the row as failed
	// instead of leaving it pending for the next sweep.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, terminal bool) error
	// Reset requeues a failed notification with a fresh attempt budget.
	Reset(ctx context.Context, id uuid.UUID) (bool, error)
	Stats(ctx context.Context) (map[Status]int, error)
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]*Notification)}
}

func (s *MemoryStore) Enqueue(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Status = StatusPending
	cp := *n
	s.items[n.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Notification
	for _, n := range s.items {
		if n.Recipient == recipient {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*Notification
	for _, n := range s.items {
		if n.Status == StatusPending {
			pending = append(pending, n)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*Notification, 0, len(pending))
	for _, n := range pending {
		n.RetryCount++
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusSent
	n.SentAt = &at
	n.LastError = nil
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	n.LastError = &errMsg
	if terminal {
		n.Status = StatusFailed
	}
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if n.Status != StatusFailed {
		return false, nil
	}
	n.Status = StatusPending
	n.RetryCount = 0
	n.LastError = nil
	return true, nil
}

func (s *MemoryStore) Stats(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[Status]int)
	for _, n := range s.items {
		stats[n.Status]++
	}
	return stats, nil
}
