// Package pgstore provides a PostgreSQL-based logstore.Store implementation.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/g-arjones/tools-roby/logstore"
)

// Store implements logstore.Store with PostgreSQL. It also exposes
// AppendBatchTx/LoadTx for callers that need the write to participate
// in a larger database transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL log store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append adds a single entry to the store.
func (s *Store) Append(ctx context.Context, e logstore.LogEntry) error {
	return s.AppendBatch(ctx, []logstore.LogEntry{e})
}

// AppendBatch adds multiple entries atomically.
func (s *Store) AppendBatch(ctx context.Context, entries []logstore.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendBatchInTx(ctx, tx, entries); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AppendBatchTx adds entries within the given transaction. Accepts any
// type that provides access to a pgx.Tx, either by being a pgx.Tx
// directly, implementing PgxTxProvider, or by being a wrapper type (see
// extractPgxTx).
func (s *Store) AppendBatchTx(ctx context.Context, tx Tx, entries []logstore.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rawTx, err := extractPgxTx(tx)
	if err != nil {
		return err
	}

	return s.appendBatchInTx(ctx, rawTx, entries)
}

// appendBatchInTx is the internal implementation for batch append.
func (s *Store) appendBatchInTx(ctx context.Context, tx pgx.Tx, entries []logstore.LogEntry) error {
	for _, e := range entries {
		if err := logstore.ValidateArgs(e); err != nil {
			return err
		}
	}

	// Group entries by plan to validate sequences.
	byPlan := make(map[string][]logstore.LogEntry)
	for _, e := range entries {
		byPlan[e.PlanID] = append(byPlan[e.PlanID], e)
	}

	for planID, planEntries := range byPlan {
		// Advisory lock serializes concurrent appenders for the same
		// plan; avoids relying on FOR UPDATE over an aggregate.
		_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, planID)
		if err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		var lastSeq int64
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(sequence), 0)
			FROM plan_log_entries
			WHERE plan_id = $1
		`, planID).Scan(&lastSeq)
		if err != nil {
			return fmt.Errorf("get last sequence: %w", err)
		}

		expectedSeq := lastSeq + 1
		for _, e := range planEntries {
			if e.Sequence != expectedSeq {
				return &logstore.SequenceConflictError{
					PlanID:   planID,
					Expected: expectedSeq,
					Actual:   e.Sequence,
				}
			}
			expectedSeq++
		}
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO plan_log_entries (id, plan_id, sequence, method, seconds, microseconds, args)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, e.PlanID, e.Sequence, e.Method, e.Seconds, e.Microseconds, e.Args)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			if isDuplicateKeyError(err) {
				return logstore.ErrDuplicateEntry
			}
			return fmt.Errorf("insert log entry: %w", err)
		}
	}

	return nil
}

// Load retrieves all entries for a plan, ordered by sequence.
func (s *Store) Load(ctx context.Context, planID string) ([]logstore.LogEntry, error) {
	return s.loadEntries(ctx, s.pool, planID, 0)
}

// LoadTx loads entries within the given transaction.
func (s *Store) LoadTx(ctx context.Context, tx Tx, planID string) ([]logstore.LogEntry, error) {
	rawTx, err := extractPgxTx(tx)
	if err != nil {
		return nil, err
	}
	return s.loadEntries(ctx, rawTx, planID, 0)
}

// LoadSince retrieves entries with sequence > afterSequence, ordered by
// sequence.
func (s *Store) LoadSince(ctx context.Context, planID string, afterSequence int64) ([]logstore.LogEntry, error) {
	return s.loadEntries(ctx, s.pool, planID, afterSequence)
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) loadEntries(ctx context.Context, q querier, planID string, afterSequence int64) ([]logstore.LogEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, plan_id, sequence, method, seconds, microseconds, args
		FROM plan_log_entries
		WHERE plan_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, planID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []logstore.LogEntry
	for rows.Next() {
		var e logstore.LogEntry
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Sequence, &e.Method, &e.Seconds, &e.Microseconds, &e.Args); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = time.Unix(e.Seconds, int64(e.Microseconds)*int64(time.Microsecond))
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}

	return entries, nil
}

// LoadByMethod retrieves every entry for a plan whose method matches,
// ordered by sequence. Backed by idx_plan_log_entries_plan_method
// rather than a full per-plan scan filtered in application code, since
// a plan's cycle log can run into the millions of entries over a long
// run and most methods (e.g. exception_repaired) are a small fraction
// of it.
func (s *Store) LoadByMethod(ctx context.Context, planID, method string) ([]logstore.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, plan_id, sequence, method, seconds, microseconds, args
		FROM plan_log_entries
		WHERE plan_id = $1 AND method = $2
		ORDER BY sequence ASC
	`, planID, method)
	if err != nil {
		return nil, fmt.Errorf("query log entries by method: %w", err)
	}
	defer rows.Close()

	var entries []logstore.LogEntry
	for rows.Next() {
		var e logstore.LogEntry
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Sequence, &e.Method, &e.Seconds, &e.Microseconds, &e.Args); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = time.Unix(e.Seconds, int64(e.Microseconds)*int64(time.Microsecond))
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

// GetLastSequence returns the highest sequence number for a plan.
func (s *Store) GetLastSequence(ctx context.Context, planID string) (int64, error) {
	var lastSeq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM plan_log_entries
		WHERE plan_id = $1
	`, planID).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return lastSeq, nil
}

// Tx represents a database transaction, abstracted so AppendBatchTx can
// accept any wrapper type that can commit and roll back.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PgxTxProvider is implemented by transaction wrapper types that can
// hand back the underlying pgx.Tx.
type PgxTxProvider interface {
	PgxTx() pgx.Tx
}

// pgxTx wraps a pgx.Tx to satisfy Tx.
type pgxTx struct {
	pgx.Tx
}

// PgxTx returns the underlying pgx.Tx.
func (p pgxTx) PgxTx() pgx.Tx {
	return p.Tx
}

// WrapTx wraps a pgx.Tx to work with AppendBatchTx/LoadTx.
func WrapTx(tx pgx.Tx) Tx {
	return pgxTx{tx}
}

// extractPgxTx extracts the underlying pgx.Tx from various wrapper types.
func extractPgxTx(tx Tx) (pgx.Tx, error) {
	if pgxTx, ok := tx.(pgx.Tx); ok {
		return pgxTx, nil
	}
	if wrapper, ok := tx.(pgxTx); ok {
		return wrapper.Tx, nil
	}
	if provider, ok := tx.(PgxTxProvider); ok {
		return provider.PgxTx(), nil
	}
	type txFielder interface {
		Tx() pgx.Tx
	}
	if f, ok := tx.(txFielder); ok {
		return f.Tx(), nil
	}
	return nil, errors.New("pgstore: tx must be a pgx.Tx or implement PgxTxProvider")
}

// isDuplicateKeyError checks if the error is a PostgreSQL duplicate key
// violation (error code 23505).
func isDuplicateKeyError(err error) bool {
	return err != nil && !errors.Is(err, pgx.ErrNoRows) &&
		(containsString(err.Error(), "23505") || containsString(err.Error(), "duplicate key"))
}

func containsString(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr ||
		(len(s) > len(substr) && searchString(s, substr)))
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
