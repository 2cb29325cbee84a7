package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Ledger used for tests and single-node deployments.
// Cross-process deployments must use the Postgres implementation instead.
type Memory struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]Entry

	now func() time.Time
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:     cfg,
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (m *Memory) TryBegin(ctx context.Context, objectID string) (Admission, Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	e, ok := m.entries[objectID]
	if !ok {
		e = Entry{
			ObjectID:      objectID,
			Status:        StatusInProgress,
			AttemptCount:  1,
			LastAttemptAt: now,
		}
		m.entries[objectID] = e
		return Admitted, e, nil
	}

	switch e.Status {
	case StatusCompleted:
		return AlreadyCompleted, e, nil

	case StatusFailed:
		if e.AttemptCount >= m.cfg.MaxAttempts {
			return Exhausted, e, nil
		}
		return m.admit(objectID, e, now), m.entries[objectID], nil

	case StatusInProgress:
		if now.Sub(e.LastAttemptAt) < m.cfg.StalenessWindow {
			return InProgressElsewhere, e, nil
		}
		// Abandoned attempt. Re-admit unless the budget is already spent.
		if e.AttemptCount >= m.cfg.MaxAttempts {
			e.Status = StatusFailed
			m.entries[objectID] = e
			return Exhausted, e, nil
		}
		return m.admit(objectID, e, now), m.entries[objectID], nil
	}

	return InProgressElsewhere, e, nil
}

func (m *Memory) admit(objectID string, e Entry, now time.Time) Admission {
	e.Status = StatusInProgress
	e.AttemptCount++
	e.LastAttemptAt = now
	m.entries[objectID] = e
	return Admitted
}

func (m *Memory) Complete(ctx context.Context, objectID, outputID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[objectID]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusCompleted {
		return nil
	}
	e.Status = StatusCompleted
	e.OutputID = outputID
	e.LastAttemptAt = m.now().UTC()
	m.entries[objectID] = e
	return nil
}

func (m *Memory) Fail(ctx context.Context, objectID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[objectID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Status = StatusFailed
	e.LastAttemptAt = m.now().UTC()
	m.entries[objectID] = e
	return e, nil
}

func (m *Memory) Get(ctx context.Context, objectID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[objectID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Close() error {
	return nil
}
