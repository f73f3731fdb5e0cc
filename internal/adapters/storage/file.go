package storage

import (
	"context"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
)

const tmpSuffix = ".tmp"

type file struct {
	path string
	// readers never see a partial list because the file is replaced by rename
	writeMu sync.Mutex
}

func NewFile(path string) *file {
	return &file{path: path}
}

// FetchServerList returns an empty list when nothing was persisted yet.
func (f *file) FetchServerList(_ context.Context) ([]domain.ServerRecord, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "read server list '%s'", f.path)
	}
	var dtos []serverRecordDTO
	if err := jsoniter.Unmarshal(data, &dtos); err != nil {
		return nil, errors.WithMessage(err, "unmarshal server list")
	}
	return fromDTO(dtos), nil
}

func (f *file) UpdateServerList(_ context.Context, records []domain.ServerRecord) error {
	data, err := jsoniter.Marshal(toDTO(records))
	if err != nil {
		return errors.WithMessage(err, "marshal server list")
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	tmpPath := f.path + tmpSuffix
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errors.WithMessagef(err, "write '%s'", tmpPath)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.WithMessagef(err, "replace '%s'", f.path)
	}
	return nil
}

func (f *file) Close() error {
	return nil
}
