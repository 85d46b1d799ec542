// Package pgsink writes dispatch outcome records to a PostgreSQL table, one
// row per processed message.
package pgsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bjaus/dispatcher"
)

var _ dispatcher.Sink = (*Sink)(nil)

// DefaultTable is the table records are written to.
const DefaultTable = "dispatch_outcomes"

// DefaultTimeout bounds one insert.
const DefaultTimeout = 2 * time.Second

// Execer is the subset of *pgxpool.Pool the sink uses.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Option configures the Sink.
type Option func(*Sink)

// WithLogger sets a custom logger for insert failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithTable sets the table name. A dotted name is schema qualified.
func WithTable(name string) Option {
	return func(s *Sink) { s.table = pgx.Identifier(strings.Split(name, ".")) }
}

// WithTimeout sets the bound of one insert.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) { s.timeout = d }
}

// Sink implements dispatcher.Sink backed by PostgreSQL. A failed insert is
// logged and the record dropped; the dispatch itself is never failed by the
// ledger.
type Sink struct {
	db      Execer
	table   pgx.Identifier
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a Sink. The caller owns the pool lifecycle.
func New(db Execer, opts ...Option) *Sink {
	s := &Sink{
		db:      db,
		table:   pgx.Identifier{DefaultTable},
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects a pool to databaseURL and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("dispatcher/postgres: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dispatcher/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dispatcher/postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the table and its index when missing.
func (s *Sink) Migrate(ctx context.Context) error {
	table := s.table.Sanitize()
	index := pgx.Identifier{s.table[len(s.table)-1] + "_event_type_idx"}.Sanitize()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id            BIGSERIAL PRIMARY KEY,
			run_id        TEXT        NOT NULL,
			message_id    TEXT        NOT NULL,
			event_type    TEXT        NOT NULL,
			outcome       TEXT        NOT NULL,
			reason        TEXT        NOT NULL DEFAULT '',
			attempt       INTEGER     NOT NULL,
			redeliveries  INTEGER     NOT NULL,
			latency_ms    BIGINT      NOT NULL,
			workflow_id   TEXT        NOT NULL DEFAULT '',
			signal_name   TEXT        NOT NULL DEFAULT '',
			recorded_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + table + ` (event_type, outcome, recorded_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("dispatcher/postgres: migrate %s: %w", table, err)
		}
	}
	return nil
}

// Record implements dispatcher.Sink.
func (s *Sink) Record(ctx context.Context, rec dispatcher.Record) {
	if err := s.Insert(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "outcome record dropped",
			slog.String("run_id", rec.RunID),
			slog.String("message_id", rec.MessageID),
			slog.String("error", err.Error()),
		)
	}
}

// Insert writes rec as one row.
func (s *Sink) Insert(ctx context.Context, rec dispatcher.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO `+s.table.Sanitize()+` (
			run_id, message_id, event_type, outcome, reason, attempt,
			redeliveries, latency_ms, workflow_id, signal_name, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.RunID,
		rec.MessageID,
		rec.EventType,
		rec.Outcome.String(),
		rec.ReasonText(),
		rec.Attempt,
		rec.Redeliveries,
		rec.Latency.Milliseconds(),
		rec.Locator.WorkflowID,
		rec.Locator.SignalName,
		recordedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("dispatcher/postgres: insert into %s: %s (%s): %w", s.table.Sanitize(), pgErr.Message, pgErr.Code, err)
		}
		return fmt.Errorf("dispatcher/postgres: insert into %s: %w", s.table.Sanitize(), err)
	}
	return nil
}
