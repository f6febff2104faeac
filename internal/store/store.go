// Scribe is a media transcription job service.
// Copyright (C) 2025 Scribe Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for
// transcription jobs: schema migrations, CRUD, and the lifecycle queries
// used by the processor (queued, in-progress, expired).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"scribe/pkg/transcribe"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates an insert collided with an existing job_id.
	ErrDuplicate = errors.New("duplicate job id")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id           TEXT PRIMARY KEY,
  status           TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','downloading','extracting','transcribing','formatting','completed','failed')),
  stage            TEXT NOT NULL DEFAULT 'queued',
  progress         INTEGER NOT NULL DEFAULT 0,
  url              TEXT NULL,
  filename         TEXT NULL,
  webhook_url      TEXT NULL,
  created_at       TIMESTAMP NOT NULL,
  started_at       TIMESTAMP NULL,
  completed_at     TIMESTAMP NULL,
  failed_at        TIMESTAMP NULL,
  expires_at       TIMESTAMP NULL,
  duration_seconds INTEGER NULL,
  error_json       TEXT NULL,
  input_path       TEXT NULL,
  audio_path       TEXT NULL,
  output_json      TEXT NULL,
  output_txt       TEXT NULL,
  output_srt       TEXT NULL,
  output_md        TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs(expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

const jobColumns = `job_id, status, stage, progress, url, filename, webhook_url,
created_at, started_at, completed_at, failed_at, expires_at,
duration_seconds, error_json, input_path, audio_path,
output_json, output_txt, output_srt, output_md`

// Create inserts a new job. Returns ErrDuplicate if the job_id is taken.
func (s *Store) Create(ctx context.Context, job *transcribe.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id=?`, job.ID).Scan(&exists)
		if err == nil {
			return ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check job id: %w", err)
		}

		ins := `INSERT INTO jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
		_, err = tx.ExecContext(ctx, ins, jobArgs(job)...)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// Get retrieves a job by ID. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*transcribe.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id=?`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update replaces the full row keyed by job_id.
func (s *Store) Update(ctx context.Context, job *transcribe.Job) error {
	upd := `UPDATE jobs SET
status=?, stage=?, progress=?, url=?, filename=?, webhook_url=?,
created_at=?, started_at=?, completed_at=?, failed_at=?, expires_at=?,
duration_seconds=?, error_json=?, input_path=?, audio_path=?,
output_json=?, output_txt=?, output_srt=?, output_md=?
WHERE job_id=?`

	args := jobArgs(job)
	// Rotate job_id from first positional to the WHERE clause.
	args = append(args[1:], args[0])
	res, err := s.db.ExecContext(ctx, upd, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job row. Idempotent: deleting an absent row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// List returns jobs newest-first with pagination. A nil status returns all
// statuses.
func (s *Store) List(ctx context.Context, status *transcribe.Status, limit, offset int) ([]*transcribe.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != nil {
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status: %s", *status)
		}
		q += ` WHERE status=?`
		args = append(args, status.String())
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryJobs(ctx, q, args...)
}

// Count returns the number of jobs, optionally filtered by status.
func (s *Store) Count(ctx context.Context, status *transcribe.Status) (int, error) {
	q := `SELECT COUNT(*) FROM jobs`
	var args []any
	if status != nil {
		q += ` WHERE status=?`
		args = append(args, status.String())
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountByStatus returns job counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// Expired returns jobs whose expires_at is set and strictly before now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]*transcribe.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE expires_at IS NOT NULL AND expires_at < ?`
	return s.queryJobs(ctx, q, now.UTC())
}

// Queued returns queued jobs in FIFO order (oldest first). Used to rebuild
// the ready queue on startup.
func (s *Store) Queued(ctx context.Context) ([]*transcribe.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='queued' ORDER BY created_at ASC`
	return s.queryJobs(ctx, q)
}

// InProgress returns jobs in any non-terminal, non-queued state. After a
// crash these are orphans: collaborator state is not journalled, so the
// processor reclassifies them as failed.
func (s *Store) InProgress(ctx context.Context) ([]*transcribe.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE status IN ('downloading','extracting','transcribing','formatting')
ORDER BY started_at ASC`
	return s.queryJobs(ctx, q)
}

// --------------- Internal helpers ---------------

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]*transcribe.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*transcribe.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// jobArgs flattens a job into positional args matching jobColumns order.
func jobArgs(job *transcribe.Job) []any {
	var errJSON any
	if job.Error != nil {
		b, _ := json.Marshal(job.Error)
		errJSON = string(b)
	}

	return []any{
		job.ID, job.Status.String(), job.Stage.String(), job.Progress,
		nullIfEmpty(job.URL), nullIfEmpty(job.Filename), nullIfEmpty(job.WebhookURL),
		job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt),
		nullTime(job.FailedAt), nullTime(job.ExpiresAt),
		job.DurationSeconds, errJSON,
		nullIfEmpty(job.InputPath), nullIfEmpty(job.AudioPath),
		nullIfEmpty(job.OutputJSON), nullIfEmpty(job.OutputTXT),
		nullIfEmpty(job.OutputSRT), nullIfEmpty(job.OutputMD),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*transcribe.Job, error) {
	var row struct {
		id, status, stage                         string
		progress                                  int
		url, filename, webhookURL                 sql.NullString
		createdAt                                 time.Time
		startedAt, completedAt, failedAt, expires sql.NullTime
		durationSeconds                           sql.NullInt64
		errJSON                                   sql.NullString
		inputPath, audioPath                      sql.NullString
		outJSON, outTXT, outSRT, outMD            sql.NullString
	}

	err := r.Scan(
		&row.id, &row.status, &row.stage, &row.progress,
		&row.url, &row.filename, &row.webhookURL,
		&row.createdAt, &row.startedAt, &row.completedAt, &row.failedAt, &row.expires,
		&row.durationSeconds, &row.errJSON,
		&row.inputPath, &row.audioPath,
		&row.outJSON, &row.outTXT, &row.outSRT, &row.outMD,
	)
	if err != nil {
		return nil, err
	}

	var errInfo *transcribe.ErrorInfo
	if row.errJSON.Valid && row.errJSON.String != "" {
		var ei transcribe.ErrorInfo
		if err := json.Unmarshal([]byte(row.errJSON.String), &ei); err != nil {
			return nil, fmt.Errorf("decode error_json: %w", err)
		}
		errInfo = &ei
	}

	return &transcribe.Job{
		ID:              row.id,
		Status:          transcribe.Status(row.status),
		Stage:           transcribe.Status(row.stage),
		Progress:        row.progress,
		URL:             fromNullString(row.url),
		Filename:        fromNullString(row.filename),
		WebhookURL:      fromNullString(row.webhookURL),
		CreatedAt:       row.createdAt.UTC(),
		StartedAt:       fromNullTimePtr(row.startedAt),
		CompletedAt:     fromNullTimePtr(row.completedAt),
		FailedAt:        fromNullTimePtr(row.failedAt),
		ExpiresAt:       fromNullTimePtr(row.expires),
		DurationSeconds: int(row.durationSeconds.Int64),
		Error:           errInfo,
		InputPath:       fromNullString(row.inputPath),
		AudioPath:       fromNullString(row.audioPath),
		OutputJSON:      fromNullString(row.outJSON),
		OutputTXT:       fromNullString(row.outTXT),
		OutputSRT:       fromNullString(row.outSRT),
		OutputMD:        fromNullString(row.outMD),
	}, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
