package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq"

	"github.com/quiverhq/quiver/pkg/crypto"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoJob is returned by ClaimJob when no claimable job exists.
var ErrNoJob = errors.New("no claimable job")

// Options configures the store.
type Options struct {
	// URL is the Postgres DSN (required).
	URL string

	// Dimension of embedding vectors (required, e.g. 768).
	Dimension int

	// Sealer encrypts session tokens at rest (required).
	Sealer *crypto.Sealer

	// Pool tuning. MaxOpenConns defaults to 20; MaxIdleConns to half of it.
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
	LockTimeoutMS      int
}

// Store wraps the Postgres connection pool. It is safe for concurrent use.
type Store struct {
	db        *sql.DB
	dimension int
	sealer    *crypto.Sealer
}

// Open connects to Postgres and verifies the connection.
func Open(opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("vector dimension is required")
	}
	if opts.Sealer == nil {
		return nil, fmt.Errorf("token sealer is required")
	}

	dsn, err := withTimeouts(opts.URL, opts.StatementTimeoutMS, opts.LockTimeoutMS)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 20
	}
	maxIdle := opts.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = maxOpen / 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Connected to database",
		"max_open_conns", maxOpen,
		"dimension", opts.Dimension)

	return &Store{
		db:        db,
		dimension: opts.Dimension,
		sealer:    opts.Sealer,
	}, nil
}

// withTimeouts appends statement_timeout and lock_timeout options to the DSN
// so runaway queries cannot pin a worker.
func withTimeouts(dsn string, statementMS, lockMS int) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	options := q.Get("options")
	if statementMS > 0 {
		options += fmt.Sprintf(" -c statement_timeout=%d", statementMS)
	}
	if lockMS > 0 {
		options += fmt.Sprintf(" -c lock_timeout=%d", lockMS)
	}
	if options != "" {
		q.Set("options", options)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DB exposes the raw pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dimension returns the configured embedding dimension.
func (s *Store) Dimension() int {
	return s.dimension
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
