// Package store is the durable system of record: the evaluations table, the
// append-only events table, and the idempotency-key window.
//
// Ownership contract: the storage worker is the only writer of evaluation
// lifecycle fields. Every other component reads. Guards are enforced in SQL
// (WHERE clauses on current status) so a misbehaving caller cannot overwrite
// a terminal row even if application-level checks are bypassed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
)

// ErrNotFound is returned when no evaluation matches.
var ErrNotFound = errors.New("store: evaluation not found")

// IdempotencyWindow bounds how long an Idempotency-Key replays the original
// response instead of creating a new evaluation.
const IdempotencyWindow = 24 * time.Hour

// Store wraps the Postgres connection.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects and pings.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle (tests use this with sqlmock).
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
}

// Close shuts the pool down.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity (health endpoint).
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema creates the tables and indices if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS evaluations (
			id               TEXT PRIMARY KEY,
			code             BYTEA,
			language         TEXT NOT NULL DEFAULT 'python',
			runtime_image    TEXT NOT NULL,
			timeout_seconds  INTEGER NOT NULL,
			memory_bytes     BIGINT NOT NULL,
			cpu_shares       BIGINT NOT NULL,
			priority         TEXT NOT NULL,
			preserve         BOOLEAN NOT NULL DEFAULT FALSE,
			route_tag        TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			submitted_at     TIMESTAMPTZ NOT NULL,
			queued_at        TIMESTAMPTZ,
			started_at       TIMESTAMPTZ,
			finished_at      TIMESTAMPTZ,
			exit_code        INTEGER,
			output           BYTEA,
			output_truncated BOOLEAN NOT NULL DEFAULT FALSE,
			output_size      BIGINT NOT NULL DEFAULT 0,
			error            TEXT NOT NULL DEFAULT '',
			executor_id      TEXT NOT NULL DEFAULT '',
			attempts         INTEGER NOT NULL DEFAULT 0,
			last_error_kind  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations (status)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_submitted_at ON evaluations (submitted_at DESC)`,
		`CREATE TABLE IF NOT EXISTS evaluation_events (
			evaluation_id TEXT NOT NULL,
			sequence      BIGINT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL,
			kind          TEXT NOT NULL,
			payload       JSONB,
			PRIMARY KEY (evaluation_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key        TEXT PRIMARY KEY,
			eval_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const evaluationColumns = `id, language, runtime_image, timeout_seconds, memory_bytes, cpu_shares,
	priority, preserve, route_tag, status, submitted_at, queued_at, started_at, finished_at,
	exit_code, output, output_truncated, output_size, error, executor_id, attempts, last_error_kind`

// InsertEvaluation writes the initial row. A second insert for the same id
// is a no-op — ingress and the storage worker may race on "queued".
func (s *Store) InsertEvaluation(ctx context.Context, ev *core.Evaluation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, code, language, runtime_image, timeout_seconds,
			memory_bytes, cpu_shares, priority, preserve, route_tag, status,
			submitted_at, queued_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Code, ev.Language, ev.RuntimeImage, ev.TimeoutSeconds,
		ev.MemoryBytes, ev.CPUShares, string(ev.Priority), ev.Preserve,
		string(ev.RouteTag), string(ev.Status), ev.SubmittedAt, nullTime(ev.QueuedAt), ev.Attempts)
	if err != nil {
		return fmt.Errorf("insert evaluation %s: %w", ev.ID, err)
	}
	return nil
}

// Get loads one evaluation (without code).
func (s *Store) Get(ctx context.Context, id string) (*core.Evaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id)
	ev, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// ListOptions filters List. Cursor is the last id of the previous page;
// ids sort chronologically so id-based pagination is stable.
type ListOptions struct {
	Status core.Status
	Limit  int
	Cursor string
}

// List returns a page of evaluations, newest first, plus the next cursor
// ("" when the page is short).
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*core.Evaluation, string, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}

	query := `SELECT ` + evaluationColumns + ` FROM evaluations`
	args := []interface{}{}
	where := ""
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	if opts.Cursor != "" {
		args = append(args, opts.Cursor)
		if where == "" {
			where = fmt.Sprintf(" WHERE id < $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND id < $%d", len(args))
		}
	}
	args = append(args, opts.Limit)
	query += where + fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []*core.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == opts.Limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// MarkProvisioning advances queued → provisioning, records the executor,
// bumps attempts, and sets started_at if unset. Guarded: terminal rows and
// rows already past provisioning are untouched.
func (s *Store) MarkProvisioning(ctx context.Context, id, executorID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations
		SET status = $2, executor_id = $3, attempts = attempts + 1,
		    started_at = COALESCE(started_at, $4)
		WHERE id = $1 AND status IN ('submitted', 'queued')`,
		id, string(core.StatusProvisioning), executorID, at)
	if err != nil {
		return false, fmt.Errorf("mark provisioning %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRunning advances provisioning → running.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations
		SET status = $2, started_at = COALESCE(started_at, $3)
		WHERE id = $1 AND status IN ('submitted', 'queued', 'provisioning')`,
		id, string(core.StatusRunning), at)
	if err != nil {
		return false, fmt.Errorf("mark running %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BackfillStartedAt records started_at on a row whose "running" event
// arrived after its terminal event. Lifecycle fields stay untouched.
func (s *Store) BackfillStartedAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evaluations
		SET started_at = $2, attempts = GREATEST(attempts, 1)
		WHERE id = $1 AND started_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("backfill started_at %s: %w", id, err)
	}
	return nil
}

// TerminalUpdate carries the fields of a terminal transition.
type TerminalUpdate struct {
	Status          core.Status
	FinishedAt      time.Time
	ExitCode        *int
	Output          []byte
	OutputTruncated bool
	OutputSize      int64
	Error           string
	LastErrorKind   core.ErrorKind
}

// MarkTerminal applies a terminal transition. Guarded in SQL: a row that is
// already terminal is never overwritten, so duplicate or late terminal
// events collapse to the first one.
func (s *Store) MarkTerminal(ctx context.Context, id string, u TerminalUpdate) (bool, error) {
	if !u.Status.Terminal() {
		return false, fmt.Errorf("mark terminal %s: %s is not terminal", id, u.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations
		SET status = $2, finished_at = $3, exit_code = $4, output = $5,
		    output_truncated = $6, output_size = $7, error = $8, last_error_kind = $9,
		    attempts = GREATEST(attempts, 1)
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(u.Status), u.FinishedAt, nullInt(u.ExitCode), u.Output,
		u.OutputTruncated, u.OutputSize, u.Error, string(u.LastErrorKind))
	if err != nil {
		return false, fmt.Errorf("mark terminal %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// NonTerminalIDs lists every evaluation that has not reached a terminal
// state — the recovery scan that rebuilds the running-set and re-enqueues
// stuck submissions.
func (s *Store) NonTerminalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM evaluations
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("non-terminal ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveIDs lists evaluations currently occupying an executor
// (provisioning or running). Feeds the running-set rebuild.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM evaluations
		WHERE status IN ('provisioning', 'running')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetEnvelope rebuilds a task envelope from a stored row (startup
// reconciliation of router-tagged "queued" evaluations).
func (s *Store) GetEnvelope(ctx context.Context, id string) (*core.TaskEnvelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, language, runtime_image, timeout_seconds, memory_bytes,
		       cpu_shares, priority, preserve, route_tag
		FROM evaluations WHERE id = $1`, id)

	var env core.TaskEnvelope
	var priority, routeTag string
	err := row.Scan(&env.EvaluationID, &env.Code, &env.Language, &env.RuntimeImage,
		&env.TimeoutSeconds, &env.MemoryBytes, &env.CPUShares, &priority, &env.Preserve, &routeTag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope %s: %w", id, err)
	}
	env.Priority = core.Priority(priority)
	env.RouteTag = core.RouteTag(routeTag)
	return &env, nil
}

// CountByStatus aggregates for the /status endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM evaluations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AppendEvent inserts into the events table. Returns false for a duplicate
// (evaluation_id, sequence) pair — inserting the same pair twice is a no-op.
func (s *Store) AppendEvent(ctx context.Context, ev *core.Event, payload []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_events (evaluation_id, sequence, timestamp, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (evaluation_id, sequence) DO NOTHING`,
		ev.EvalID, ev.Sequence, ev.Timestamp, ev.Kind, payload)
	if err != nil {
		return false, fmt.Errorf("append event %s/%d: %w", ev.EvalID, ev.Sequence, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Events returns the recorded event stream for one evaluation, in sequence
// order.
func (s *Store) Events(ctx context.Context, evalID string) ([]*core.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, sequence, timestamp, kind
		FROM evaluation_events WHERE evaluation_id = $1 ORDER BY sequence`, evalID)
	if err != nil {
		return nil, fmt.Errorf("events %s: %w", evalID, err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		var ev core.Event
		if err := rows.Scan(&ev.EvalID, &ev.Sequence, &ev.Timestamp, &ev.Kind); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ResolveIdempotencyKey claims key for evalID, returning the id already
// bound to it when a previous submission inside the window won the race.
//
// One upsert decides the claim: a new key binds to evalID, a key older than
// the window rebinds (so the next reuse replays this evaluation, not another
// fresh one), and a key inside the window returns nothing here.
func (s *Store) ResolveIdempotencyKey(ctx context.Context, key, evalID string) (string, bool, error) {
	window := fmt.Sprintf("%d seconds", int(IdempotencyWindow.Seconds()))

	var bound string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, eval_id) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
			SET eval_id = EXCLUDED.eval_id, created_at = NOW()
			WHERE idempotency_keys.created_at <= NOW() - $3::interval
		RETURNING eval_id`,
		key, evalID, window).Scan(&bound)
	if err == nil {
		return bound, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("idempotency key: %w", err)
	}

	// Fresh key: replay the evaluation it is bound to.
	var existing string
	err = s.db.QueryRowContext(ctx, `
		SELECT eval_id FROM idempotency_keys WHERE key = $1`, key).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		// Unreachable without a deletion path; treat as a fresh submission
		return evalID, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return existing, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvaluation(row rowScanner) (*core.Evaluation, error) {
	var ev core.Evaluation
	var priority, routeTag, status, lastKind string
	var queuedAt, startedAt, finishedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&ev.ID, &ev.Language, &ev.RuntimeImage, &ev.TimeoutSeconds,
		&ev.MemoryBytes, &ev.CPUShares, &priority, &ev.Preserve, &routeTag, &status,
		&ev.SubmittedAt, &queuedAt, &startedAt, &finishedAt, &exitCode, &ev.Output,
		&ev.OutputTruncated, &ev.OutputSize, &ev.Error, &ev.ExecutorID, &ev.Attempts, &lastKind)
	if err != nil {
		return nil, err
	}

	ev.Priority = core.Priority(priority)
	ev.RouteTag = core.RouteTag(routeTag)
	ev.Status = core.Status(status)
	ev.LastErrorKind = core.ErrorKind(lastKind)
	if queuedAt.Valid {
		ev.QueuedAt = queuedAt.Time
	}
	if startedAt.Valid {
		t := startedAt.Time
		ev.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		ev.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		ev.ExitCode = &code
	}
	return &ev, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
