package recovery

import (
	"context"
	"sync"
)

// Store persists recovery records. Update must run fn and write its
// result atomically with respect to other Updates of the same subject;
// if fn returns an error nothing is written and the error is returned.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, subjectID string) (Record, error)
	Update(ctx context.Context, subjectID string, fn func(*Record) error) error
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	m.records[r.SubjectID] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, subjectID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[subjectID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Update(_ context.Context, subjectID string, fn func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[subjectID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&r); err != nil {
		return err
	}
	m.records[subjectID] = r
	return nil
}
