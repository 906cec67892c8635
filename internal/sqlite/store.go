// Package sqlitestore keeps publish jobs in a SQLite database through
// database/sql. It suits single-node deployments and local development.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/sqlite"

	"github.com/ak3tsm7/scheduled-publisher/internal/models"
	"github.com/ak3tsm7/scheduled-publisher/internal/schedule"
)

var _ schedule.Store = (*Store)(nil)

// Times are stored as Unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	caption TEXT NOT NULL,
	image_url TEXT NOT NULL,
	publish_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	publishing_since INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS schedules_status_publish_at ON schedules (status, publish_at);`

const columns = `id, caption, image_url, publish_at, status, external_id, error_message, publishing_since, created_at, updated_at`

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	DB     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (and creates if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers anyway; one connection also keeps a
	// :memory: database alive and shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schedules table: %w", err)
	}

	s := &Store{DB: db, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Create(ctx context.Context, caption, imageURL string, publishAt time.Time) (*models.Job, error) {
	caption, imageURL, err := schedule.ValidateNew(caption, imageURL, publishAt)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(caption, imageURL, publishAt, s.now())
	job.PublishAt = truncMillis(job.PublishAt)
	job.CreatedAt = truncMillis(job.CreatedAt)
	job.UpdatedAt = truncMillis(job.UpdatedAt)
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO schedules (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Caption, job.ImageURL, job.PublishAt.UnixMilli(), string(job.Status),
		job.ExternalID, job.ErrorMessage, nil, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.get(ctx, s.DB, id)
}

func (s *Store) Update(ctx context.Context, id string, patch models.Patch) (*models.Job, error) {
	return s.mutate(ctx, id, "", patch)
}

func (s *Store) Transition(ctx context.Context, id string, from models.Status, patch models.Patch) (*models.Job, error) {
	return s.mutate(ctx, id, from, patch)
}

// mutate reads, applies and writes back inside one transaction. The write
// is also guarded on the status that was read.
func (s *Store) mutate(ctx context.Context, id string, from models.Status, patch models.Patch) (*models.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	job, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if from != "" {
		if err := schedule.CheckTransition(job, from); err != nil {
			return nil, err
		}
	}
	prev := job.Status
	job.Apply(patch, truncMillis(s.now()))

	var since any
	if job.PublishingSince != nil {
		since = job.PublishingSince.UnixMilli()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE schedules
		SET status = ?, external_id = ?, error_message = ?, publishing_since = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(job.Status), job.ExternalID, job.ErrorMessage, since, job.UpdatedAt.UnixMilli(),
		id, string(prev),
	)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, &schedule.ConflictError{ID: id, Expected: prev, Actual: "unknown"}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

func (s *Store) ListUpcoming(ctx context.Context) ([]*models.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM schedules WHERE status = ? ORDER BY publish_at, created_at, id`,
		string(models.StatusPending))
}

func (s *Store) FindDue(ctx context.Context, now time.Time) ([]*models.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM schedules WHERE status = ? AND publish_at <= ? ORDER BY publish_at, created_at, id`,
		string(models.StatusPending), now.UnixMilli())
}

func (s *Store) FindStuck(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM schedules WHERE status = ? AND publishing_since IS NOT NULL AND publishing_since <= ? ORDER BY publish_at, created_at, id`,
		string(models.StatusPublishing), cutoff.UnixMilli())
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id string) (*models.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+columns+` FROM schedules WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schedule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return job, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error after scan: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*models.Job, error) {
	var (
		job                            models.Job
		status                         string
		publishAt, createdAt, updateAt int64
		since                          sql.NullInt64
	)
	err := sc.Scan(&job.ID, &job.Caption, &job.ImageURL, &publishAt, &status,
		&job.ExternalID, &job.ErrorMessage, &since, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}
	job.Status = models.Status(status)
	job.PublishAt = time.UnixMilli(publishAt).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updateAt).UTC()
	if since.Valid {
		t := time.UnixMilli(since.Int64).UTC()
		job.PublishingSince = &t
	}
	return &job, nil
}

// truncMillis drops sub-millisecond precision so a job read back from the
// table equals the one that was written.
func truncMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
