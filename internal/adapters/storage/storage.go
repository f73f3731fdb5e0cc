package storage

import (
	"io"

	"github.com/kiryu-dev/steam-cm/internal/config"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
)

// Provider is a ServerListProvider that may hold resources.
type Provider interface {
	domain.ServerListProvider
	io.Closer
}

// New opens the provider selected by cfg.Kind.
func New(cfg config.Storage) (Provider, error) {
	switch cfg.Kind {
	case config.StorageMemory, "":
		return NewMemory(), nil
	case config.StorageFile:
		return NewFile(cfg.Path), nil
	case config.StorageSQLite:
		return NewSQLite(cfg.Path)
	}
	return nil, errors.WithMessagef(config.ErrUnknownStorageKind, "'%s'", cfg.Kind)
}

type serverRecordDTO struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Protocols uint8  `json:"protocols"`
}

func toDTO(records []domain.ServerRecord) []serverRecordDTO {
	dtos := make([]serverRecordDTO, 0, len(records))
	for _, r := range records {
		dtos = append(dtos, serverRecordDTO{
			Host:      r.Host(),
			Port:      r.Port(),
			Protocols: uint8(r.Protocols()),
		})
	}
	return dtos
}

func fromDTO(dtos []serverRecordDTO) []domain.ServerRecord {
	records := make([]domain.ServerRecord, 0, len(dtos))
	for _, d := range dtos {
		records = append(records, domain.NewServerRecord(d.Host, d.Port, domain.ProtocolType(d.Protocols)))
	}
	return records
}
