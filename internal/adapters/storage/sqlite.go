package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cm_servers (
	position  INTEGER PRIMARY KEY,
	host      TEXT    NOT NULL,
	port      INTEGER NOT NULL,
	protocols INTEGER NOT NULL
);`

type sqlite struct {
	db *sql.DB
}

// NewSQLite opens the database at path and creates the schema if needed.
func NewSQLite(path string) (*sqlite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "open sqlite")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "ping sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "create schema")
	}
	return &sqlite{db: db}, nil
}

func (s *sqlite) FetchServerList(ctx context.Context) ([]domain.ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, port, protocols FROM cm_servers ORDER BY position`)
	if err != nil {
		return nil, errors.WithMessage(err, "query servers")
	}
	defer func() { _ = rows.Close() }()

	var records []domain.ServerRecord
	for rows.Next() {
		var (
			host      string
			port      int
			protocols uint8
		)
		if err := rows.Scan(&host, &port, &protocols); err != nil {
			return nil, errors.WithMessage(err, "scan server")
		}
		records = append(records, domain.NewServerRecord(host, port, domain.ProtocolType(protocols)))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithMessage(err, "iterate servers")
	}
	return records, nil
}

// UpdateServerList replaces the list in a single transaction.
func (s *sqlite) UpdateServerList(ctx context.Context, records []domain.ServerRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithMessage(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM cm_servers`); err != nil {
		return errors.WithMessage(err, "clear servers")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cm_servers (position, host, port, protocols) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.WithMessage(err, "prepare insert")
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range records {
		if _, err = stmt.ExecContext(ctx, i, r.Host(), r.Port(), uint8(r.Protocols())); err != nil {
			return errors.WithMessagef(err, "insert server '%s'", r.Address())
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.WithMessage(err, "commit tx")
	}
	return nil
}

func (s *sqlite) Close() error {
	return s.db.Close()
}
