package archive

import (
	"context"
	"sync"
)

// MemoryArchive is an in-memory Archive for development and tests.
type MemoryArchive struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryArchive constructs an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

// Save appends a record.
func (m *MemoryArchive) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// ListBySession returns the newest records for a session.
func (m *MemoryArchive) ListBySession(_ context.Context, sessionID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].SessionID == sessionID {
			out = append(out, m.records[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Close implements the Archive interface.
func (m *MemoryArchive) Close(context.Context) error { return nil }
