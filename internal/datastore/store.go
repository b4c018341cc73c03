// Package datastore implements the Particle Data Store: the durable
// (peer_id, particle_id) -> bytes table particles carry their continuation
// state through, plus a read-through cache and a bounded anomaly-forensics
// writer.
//
// # Integrity invariant
//
// No reader may ever observe a blob shorter than a previously committed
// version for the same key. The hot path's get/put are naturally atomic via
// a single UPSERT statement; the advisory transaction lock in this file is
// reserved for the multi-statement read-modify-write used by forensics
// capture, where a plain UPSERT cannot express the required check.
package datastore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/particle-node/internal/domain"
)

// Store is the Postgres-backed prev-data table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore dials Postgres, verifies connectivity, and ensures the schema
// exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS particle_data (
			peer_id TEXT NOT NULL,
			particle_id TEXT NOT NULL,
			data BYTEA NOT NULL,
			byte_len INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (peer_id, particle_id)
		)`,
		`CREATE TABLE IF NOT EXISTS anomaly_pointers (
			id BIGSERIAL PRIMARY KEY,
			peer_id TEXT NOT NULL,
			particle_id TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Load returns the current data blob for key, if any.
func (s *Store) Load(ctx context.Context, key domain.ActorKey) ([]byte, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT data FROM particle_data WHERE peer_id = $1 AND particle_id = $2`,
		string(key.Peer), key.ParticleID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load particle data: %w", err)
	}
	return data, true, nil
}

// Save atomically replaces the data blob for key via a single UPSERT, so
// the hot path's integrity invariant holds without an explicit lock: two
// concurrent writers for the same key serialize on the row's implicit lock
// and the later commit wins outright (there is exactly one writer per
// ActorKey by construction (the owning Actor's busy flag), so this is a
// safety net, not a contention point).
func (s *Store) Save(ctx context.Context, key domain.ActorKey, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO particle_data (peer_id, particle_id, data, byte_len, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (peer_id, particle_id)
		 DO UPDATE SET data = EXCLUDED.data, byte_len = EXCLUDED.byte_len, updated_at = NOW()`,
		string(key.Peer), key.ParticleID, data, len(data))
	if err != nil {
		return fmt.Errorf("save particle data: %w", err)
	}
	return nil
}

// recordAnomalyLockKey guards the forensics read-modify-write: check the
// previously committed byte length, then record a pointer row, as one
// transaction. It is a single fixed lock key shared by every ActorKey, so
// all anomaly captures (for the same key or not) are serialized and cannot
// interleave and produce an inconsistent pointer trail.
const recordAnomalyLockKey int64 = 0x70617274696366 // "particf"

// RecordAnomalyPointer records that a forensics bundle for key was written
// to path, guarded by the advisory transaction lock recordAnomalyLockKey
// (one lock for all keys), and returns
// whether the just-loaded blob was shorter than expected (violating the
// integrity invariant) for the caller to log.
func (s *Store) RecordAnomalyPointer(ctx context.Context, key domain.ActorKey, path string, expectMinLen int) (shrunk bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin anomaly tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, recordAnomalyLockKey); err != nil {
		return false, fmt.Errorf("acquire anomaly lock: %w", err)
	}

	var byteLen int
	row := tx.QueryRow(ctx, `SELECT byte_len FROM particle_data WHERE peer_id = $1 AND particle_id = $2`,
		string(key.Peer), key.ParticleID)
	if err := row.Scan(&byteLen); err != nil && err != pgx.ErrNoRows {
		return false, fmt.Errorf("read byte len: %w", err)
	}
	shrunk = byteLen > 0 && byteLen < expectMinLen

	if _, err := tx.Exec(ctx,
		`INSERT INTO anomaly_pointers (peer_id, particle_id, path) VALUES ($1, $2, $3)`,
		string(key.Peer), key.ParticleID, path); err != nil {
		return shrunk, fmt.Errorf("insert anomaly pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return shrunk, fmt.Errorf("commit anomaly tx: %w", err)
	}
	return shrunk, nil
}
