package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"property-sync/models"
)

// PostgresBackend stores the shared cache entry in a PostgreSQL table. The
// version column is the compare-and-swap token.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend opens a connection pool. No round-trip is made until
// the first call, so an unreachable server only shows up as a cache miss.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	return &PostgresBackend{db: db}, nil
}

// Migrate creates the cache table. It is run explicitly by the operator, not
// on every start.
func (pb *PostgresBackend) Migrate(ctx context.Context) error {
	_, err := pb.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listing_cache (
			cache_key  TEXT        PRIMARY KEY,
			payload    JSONB       NOT NULL,
			version    BIGINT      NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", classifyPQ("migrate", err))
	}
	return nil
}

// Fetch reads the entry for key.
func (pb *PostgresBackend) Fetch(ctx context.Context, key string) (*RemoteEntry, error) {
	var (
		payload []byte
		version int64
	)
	err := pb.db.QueryRowContext(ctx,
		`SELECT payload, version FROM listing_cache WHERE cache_key = $1`, key,
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPQ("fetch", err)
	}

	entry := &RemoteEntry{Version: version}
	if err := json.Unmarshal(payload, &entry.Value); err != nil {
		return nil, fmt.Errorf("postgres: decode payload: %w", err)
	}
	return entry, nil
}

// Save writes env if the stored version still equals expectedVersion.
func (pb *PostgresBackend) Save(ctx context.Context, key string, env models.CacheEnvelope, expectedVersion int64) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("postgres: encode payload: %w", err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = pb.db.ExecContext(ctx, `
			INSERT INTO listing_cache (cache_key, payload, version)
			VALUES ($1, $2, 1)
			ON CONFLICT (cache_key) DO NOTHING
		`, key, payload)
	} else {
		res, err = pb.db.ExecContext(ctx, `
			UPDATE listing_cache
			SET payload = $2, version = version + 1, updated_at = NOW()
			WHERE cache_key = $1 AND version = $3
		`, key, payload, expectedVersion)
	}
	if err != nil {
		return classifyPQ("save", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classifyPQ("save", err)
	}
	if n == 0 {
		return models.ErrVersionConflict
	}
	return nil
}

func (pb *PostgresBackend) Close() error {
	return pb.db.Close()
}

// classifyPQ maps driver errors onto the pipeline's error taxonomy.
func classifyPQ(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "28P01", "28000":
			return &models.AuthError{Op: "postgres " + op, Err: err}
		case "42P01", "3F000":
			return &models.SchemaMissingError{Err: err}
		}
		if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" {
			return &models.TransientNetworkError{Op: "postgres " + op, Err: err}
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &models.TransientNetworkError{Op: "postgres " + op, Err: err}
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}
