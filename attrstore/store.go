// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package attrstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/sqlitepool"
)

// ErrNotFound is returned by Get when no live attribute exists under
// the requested (owner, bucket, name). Expired rows count as absent.
var ErrNotFound = errors.New("attrstore: attribute not found")

const defaultCompressionThreshold = 4096

const schema = `
	CREATE TABLE IF NOT EXISTS attributes (
		owner      TEXT NOT NULL,
		bucket     TEXT NOT NULL,
		name       TEXT NOT NULL,
		value      BLOB NOT NULL,
		encoding   INTEGER NOT NULL DEFAULT 0,
		size       INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		PRIMARY KEY (owner, bucket, name)
	);
	CREATE INDEX IF NOT EXISTS idx_attributes_expires
		ON attributes(expires_at) WHERE expires_at IS NOT NULL;
`

// Config holds the parameters for opening an attribute store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides the current time for TTL decisions. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Compression is the encoding applied to values at or above
	// CompressionThreshold. EncodingNone disables compression.
	Compression Encoding

	// CompressionThreshold is the minimum value size in bytes before
	// Compression applies. Defaults to 4096 if zero or negative.
	CompressionThreshold int
}

// Store is the SQLite-backed attribute store. Safe for concurrent use;
// writers serialize on SQLite's own locking plus the pool.
type Store struct {
	pool        *sqlitepool.Pool
	clock       clock.Clock
	logger      *slog.Logger
	compression Encoding
	threshold   int
}

// Open creates or opens an attribute store backed by SQLite. The
// database file is created if it does not exist.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("attrstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("attrstore: Logger is required")
	}

	threshold := cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = defaultCompressionThreshold
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("attrstore: %w", err)
	}

	store := &Store{
		pool:        pool,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		compression: cfg.Compression,
		threshold:   threshold,
	}

	if err := store.ensureSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("attrstore: creating schema: %w", err)
	}

	return store, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) ensureSchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Put stores an attribute without an expiry. An existing attribute
// under the same (owner, bucket, name) is replaced, including any
// expiry it carried.
func (s *Store) Put(ctx context.Context, owner, bucket, name string, value []byte) error {
	return s.put(ctx, owner, bucket, name, value, nil)
}

// PutWithTTL stores an attribute that expires ttl from now. Expired
// attributes are invisible to reads and removed by Sweep.
func (s *Store) PutWithTTL(ctx context.Context, owner, bucket, name string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("attrstore: put %s/%s/%s: ttl must be positive", owner, bucket, name)
	}
	expires := s.clock.Now().Add(ttl).UnixNano()
	return s.put(ctx, owner, bucket, name, value, &expires)
}

func (s *Store) put(ctx context.Context, owner, bucket, name string, value []byte, expires *int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("attrstore: put %s/%s/%s: %w", owner, bucket, name, err)
	}
	defer s.pool.Put(conn)

	stored, encoding, size := s.encodeValue(value)

	var expiresValue any
	if expires != nil {
		expiresValue = *expires
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO attributes (owner, bucket, name, value, encoding, size, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, bucket, name) DO UPDATE SET
			value = excluded.value,
			encoding = excluded.encoding,
			size = excluded.size,
			expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{
			Args: []any{owner, bucket, name, stored, int(encoding), size, expiresValue},
		})
	if err != nil {
		return fmt.Errorf("attrstore: put %s/%s/%s: %w", owner, bucket, name, err)
	}
	return nil
}

// encodeValue applies the configured compression when the value is
// large enough. Incompressible values fall back to EncodingNone.
func (s *Store) encodeValue(value []byte) ([]byte, Encoding, int) {
	if s.compression == EncodingNone || len(value) < s.threshold {
		return value, EncodingNone, len(value)
	}

	compressed, err := encode(value, s.compression)
	if err != nil {
		if !errors.Is(err, errIncompressible) {
			s.logger.Warn("attribute compression failed, storing raw",
				"encoding", s.compression.String(),
				"error", err,
			)
		}
		return value, EncodingNone, len(value)
	}
	return compressed, s.compression, len(value)
}

// Get returns the attribute value, or ErrNotFound when the attribute
// does not exist or has expired. An expired row encountered here is
// deleted opportunistically.
func (s *Store) Get(ctx context.Context, owner, bucket, name string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("attrstore: get %s/%s/%s: %w", owner, bucket, name, err)
	}
	defer s.pool.Put(conn)

	var (
		found   bool
		expired bool
		value   []byte
	)
	now := s.clock.Now().UnixNano()

	err = sqlitex.Execute(conn,
		"SELECT value, encoding, size, expires_at FROM attributes WHERE owner = ? AND bucket = ? AND name = ?",
		&sqlitex.ExecOptions{
			Args: []any{owner, bucket, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if !stmt.ColumnIsNull(3) && stmt.ColumnInt64(3) <= now {
					expired = true
					return nil
				}

				stored := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, stored)

				decoded, err := decode(stored, Encoding(stmt.ColumnInt(1)), stmt.ColumnInt(2))
				if err != nil {
					return err
				}
				value = decoded
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("attrstore: get %s/%s/%s: %w", owner, bucket, name, err)
	}

	if expired {
		if err := s.Delete(ctx, owner, bucket, name); err != nil {
			s.logger.Warn("deleting expired attribute failed",
				"owner", owner, "bucket", bucket, "name", name,
				"error", err,
			)
		}
		return nil, ErrNotFound
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// Delete removes an attribute. Deleting an absent attribute is not an
// error.
func (s *Store) Delete(ctx context.Context, owner, bucket, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("attrstore: delete %s/%s/%s: %w", owner, bucket, name, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM attributes WHERE owner = ? AND bucket = ? AND name = ?",
		&sqlitex.ExecOptions{Args: []any{owner, bucket, name}})
	if err != nil {
		return fmt.Errorf("attrstore: delete %s/%s/%s: %w", owner, bucket, name, err)
	}
	return nil
}

// ListBucket returns every live attribute in a bucket, keyed by name.
// Expired rows are skipped and deleted best-effort after the scan.
func (s *Store) ListBucket(ctx context.Context, owner, bucket string) (map[string][]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("attrstore: list %s/%s: %w", owner, bucket, err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixNano()
	values := make(map[string][]byte)
	var expiredNames []string

	err = sqlitex.Execute(conn,
		"SELECT name, value, encoding, size, expires_at FROM attributes WHERE owner = ? AND bucket = ?",
		&sqlitex.ExecOptions{
			Args: []any{owner, bucket},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				name := stmt.ColumnText(0)

				if !stmt.ColumnIsNull(4) && stmt.ColumnInt64(4) <= now {
					expiredNames = append(expiredNames, name)
					return nil
				}

				stored := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, stored)

				decoded, err := decode(stored, Encoding(stmt.ColumnInt(2)), stmt.ColumnInt(3))
				if err != nil {
					return fmt.Errorf("decoding %s: %w", name, err)
				}
				values[name] = decoded
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("attrstore: list %s/%s: %w", owner, bucket, err)
	}

	// Deleting mid-scan would mutate the table under the running
	// SELECT, so expired rows are collected first and removed here.
	for _, name := range expiredNames {
		if err := s.Delete(ctx, owner, bucket, name); err != nil {
			s.logger.Warn("deleting expired attribute failed",
				"owner", owner, "bucket", bucket, "name", name,
				"error", err,
			)
		}
	}

	return values, nil
}

// ReplaceBucket atomically replaces the entire contents of a bucket
// with the given values. Either every old row is gone and every new
// row is present, or the bucket is untouched. Replaced rows carry no
// expiry.
func (s *Store) ReplaceBucket(ctx context.Context, owner, bucket string, values map[string][]byte) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("attrstore: replace %s/%s: %w", owner, bucket, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("attrstore: replace %s/%s: begin transaction: %w", owner, bucket, err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"DELETE FROM attributes WHERE owner = ? AND bucket = ?",
		&sqlitex.ExecOptions{Args: []any{owner, bucket}})
	if err != nil {
		return fmt.Errorf("attrstore: replace %s/%s: clearing: %w", owner, bucket, err)
	}

	for name, value := range values {
		stored, encoding, size := s.encodeValue(value)
		err = sqlitex.Execute(conn, `
			INSERT INTO attributes (owner, bucket, name, value, encoding, size, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			&sqlitex.ExecOptions{
				Args: []any{owner, bucket, name, stored, int(encoding), size},
			})
		if err != nil {
			return fmt.Errorf("attrstore: replace %s/%s: inserting %s: %w", owner, bucket, name, err)
		}
	}

	return nil
}

// DeleteBucket removes every attribute in a bucket and returns how
// many rows were removed.
func (s *Store) DeleteBucket(ctx context.Context, owner, bucket string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("attrstore: delete bucket %s/%s: %w", owner, bucket, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM attributes WHERE owner = ? AND bucket = ?",
		&sqlitex.ExecOptions{Args: []any{owner, bucket}})
	if err != nil {
		return 0, fmt.Errorf("attrstore: delete bucket %s/%s: %w", owner, bucket, err)
	}
	return conn.Changes(), nil
}

// DeleteOwner removes every attribute the owner has, across all
// buckets, and returns how many rows were removed. This is the actor
// teardown path.
func (s *Store) DeleteOwner(ctx context.Context, owner string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("attrstore: delete owner %s: %w", owner, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM attributes WHERE owner = ?",
		&sqlitex.ExecOptions{Args: []any{owner}})
	if err != nil {
		return 0, fmt.Errorf("attrstore: delete owner %s: %w", owner, err)
	}
	return conn.Changes(), nil
}

// Sweep removes every expired attribute and returns how many rows
// were removed. Safe to call from a background ticker.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("attrstore: sweep: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixNano()
	err = sqlitex.Execute(conn,
		"DELETE FROM attributes WHERE expires_at IS NOT NULL AND expires_at <= ?",
		&sqlitex.ExecOptions{Args: []any{now}})
	if err != nil {
		return 0, fmt.Errorf("attrstore: sweep: %w", err)
	}

	removed := conn.Changes()
	if removed > 0 {
		s.logger.Debug("swept expired attributes", "count", removed)
	}
	return removed, nil
}
