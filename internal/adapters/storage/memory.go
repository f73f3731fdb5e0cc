package storage

import (
	"context"
	"sync"

	"github.com/kiryu-dev/steam-cm/internal/domain"
)

type memory struct {
	mu      sync.RWMutex
	records []domain.ServerRecord
}

// NewMemory keeps the list for the lifetime of the process.
func NewMemory(seed ...domain.ServerRecord) *memory {
	return &memory{records: append([]domain.ServerRecord(nil), seed...)}
}

func (m *memory) FetchServerList(_ context.Context) ([]domain.ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.ServerRecord(nil), m.records...), nil
}

func (m *memory) UpdateServerList(_ context.Context, records []domain.ServerRecord) error {
	replaced := append([]domain.ServerRecord(nil), records...)
	m.mu.Lock()
	m.records = replaced
	m.mu.Unlock()
	return nil
}

func (m *memory) Close() error {
	return nil
}
