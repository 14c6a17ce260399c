// Package postgres is a PostgreSQL implementation of the job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"parkwatch/pkg/parking"
)

// Store keeps jobs and their state in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to databaseURL.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return parking.ErrNotFound
	}
	return err
}

func datesToText(dates []parking.Date) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.String()
	}
	return out
}

func textToDates(in []string) ([]parking.Date, error) {
	out := make([]parking.Date, 0, len(in))
	for _, s := range in {
		d, err := parking.ParseDate(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

const jobColumns = `id, resort, contact, pin_hash, status, dates, created_at, updated_at`

func scanJob(row pgx.Row) (*parking.MonitoringJob, error) {
	var j parking.MonitoringJob
	var dates []string
	if err := row.Scan(&j.ID, &j.Resort, &j.Contact, &j.PINHash, &j.Status, &dates, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, wrapNotFound(err)
	}
	parsed, err := textToDates(dates)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Dates = parsed
	return &j, nil
}

// SaveJob creates or replaces a job.
func (s *Store) SaveJob(ctx context.Context, job *parking.MonitoringJob) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET resort=EXCLUDED.resort, contact=EXCLUDED.contact, pin_hash=EXCLUDED.pin_hash,
		    status=EXCLUDED.status, dates=EXCLUDED.dates, updated_at=EXCLUDED.updated_at
	`, job.ID, job.Resort, job.Contact, job.PINHash, job.Status, datesToText(job.Dates), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	s.logger.Info("Job saved", "job_id", job.ID, "resort", job.Resort, "dates", len(job.Dates), "status", job.Status)
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*parking.MonitoringJob, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]*parking.MonitoringJob, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*parking.MonitoringJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobs lists every job regardless of status.
func (s *Store) ListJobs(ctx context.Context) ([]*parking.MonitoringJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
}

// ListActiveJobs lists jobs eligible for polling.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*parking.MonitoringJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at`, parking.StatusActive)
}

// SetJobStatus changes a job's status.
func (s *Store) SetJobStatus(ctx context.Context, id string, status parking.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid job status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status=$2, updated_at=$3 WHERE id=$1`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return parking.ErrNotFound
	}
	s.logger.Info("Job status changed", "job_id", id, "status", status)
	return nil
}

// DeleteJob removes a job; states and events cascade.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM check_logs WHERE job_id=$1`, id); err != nil {
			return fmt.Errorf("delete check logs: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
}

const stateColumns = `job_id, date::text, availability, last_reading, notified, last_checked_at, resumed_at,
	consecutive_failures, notification_count, pending, version`

func scanState(row pgx.Row) (parking.DateState, error) {
	var st parking.DateState
	var date string
	var lastChecked, resumed *time.Time
	var pending []byte
	err := row.Scan(&st.JobID, &date, &st.Availability, &st.LastReading, &st.Notified, &lastChecked, &resumed,
		&st.ConsecutiveFailures, &st.NotificationCount, &pending, &st.Version)
	if err != nil {
		return parking.DateState{}, wrapNotFound(err)
	}
	if st.Date, err = parking.ParseDate(date); err != nil {
		return parking.DateState{}, err
	}
	st.LastCheckedAt = fromNullTime(lastChecked)
	st.ResumedAt = fromNullTime(resumed)
	if len(pending) > 0 {
		var ev parking.NotificationEvent
		if err := json.Unmarshal(pending, &ev); err != nil {
			return parking.DateState{}, fmt.Errorf("decode pending event: %w", err)
		}
		st.Pending = &ev
	}
	return st, nil
}

// GetDateState returns the state of one (job, date) pair. A pair that has
// never been written comes back as UNKNOWN with version 0.
func (s *Store) GetDateState(ctx context.Context, jobID string, d parking.Date) (parking.DateState, error) {
	st, err := scanState(s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM date_states WHERE job_id=$1 AND date=$2::date`, jobID, d.String()))
	if errors.Is(err, parking.ErrNotFound) {
		return parking.NewDateState(jobID, d), nil
	}
	return st, err
}

// ListDateStates returns every stored state for a job, ordered by date.
func (s *Store) ListDateStates(ctx context.Context, jobID string) ([]parking.DateState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stateColumns+` FROM date_states WHERE job_id=$1 ORDER BY date`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query date states: %w", err)
	}
	defer rows.Close()

	var states []parking.DateState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func casState(ctx context.Context, db execer, jobID string, d parking.Date, expectedVersion int64, next parking.DateState) error {
	var pending []byte
	if next.Pending != nil {
		b, err := json.Marshal(next.Pending)
		if err != nil {
			return fmt.Errorf("encode pending event: %w", err)
		}
		pending = b
	}
	args := []any{
		jobID, d.String(), next.Availability, next.LastReading, next.Notified,
		nullTime(next.LastCheckedAt), nullTime(next.ResumedAt),
		next.ConsecutiveFailures, next.NotificationCount, pending, expectedVersion,
	}

	var sql string
	if expectedVersion == 0 {
		sql = `
			INSERT INTO date_states (job_id, date, availability, last_reading, notified, last_checked_at, resumed_at,
				consecutive_failures, notification_count, pending, version)
			VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9, $10, $11 + 1)
			ON CONFLICT (job_id, date) DO NOTHING`
	} else {
		sql = `
			UPDATE date_states
			SET availability=$3, last_reading=$4, notified=$5, last_checked_at=$6, resumed_at=$7,
				consecutive_failures=$8, notification_count=$9, pending=$10, version=version + 1
			WHERE job_id=$1 AND date=$2::date AND version=$11`
	}

	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("write date state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return parking.ErrConflict
	}
	return nil
}

// CompareAndSetDateState writes next only if the stored version still equals
// expectedVersion. A lost race returns parking.ErrConflict.
func (s *Store) CompareAndSetDateState(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState) error {
	return casState(ctx, s.pool, jobID, d, expectedVersion, next)
}

// MarkNotified stores next with event as its pending notification and
// appends the event to the history in one transaction.
func (s *Store) MarkNotified(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState, event parking.NotificationEvent) error {
	next.Notified = true
	next.Pending = &event
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := casState(ctx, tx, jobID, d, expectedVersion, next); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO notification_events (id, job_id, date, target, resume_token, created_at, delivered_at, attempts)
			VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8)
		`, event.ID, jobID, d.String(), event.Target, event.ResumeToken, event.CreatedAt, nullTime(event.DeliveredAt), event.Attempts)
		if err != nil {
			return fmt.Errorf("insert notification event: %w", err)
		}
		return nil
	})
}

// MarkDelivered records that the gateway accepted an event. It is a no-op if
// the event is no longer the pair's pending event.
func (s *Store) MarkDelivered(ctx context.Context, jobID string, d parking.Date, eventID string, at time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE date_states
			SET pending = jsonb_set(jsonb_set(pending, '{delivered_at}', to_jsonb($4::timestamptz)),
			                        '{attempts}', to_jsonb(COALESCE((pending->>'attempts')::int, 0) + 1)),
			    version = version + 1
			WHERE job_id=$1 AND date=$2::date AND pending->>'id' = $3
		`, jobID, d.String(), eventID, at)
		if err != nil {
			return fmt.Errorf("mark pending delivered: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE notification_events SET delivered_at=$2, attempts=attempts + 1 WHERE id=$1
		`, eventID, at)
		if err != nil {
			return fmt.Errorf("mark event delivered: %w", err)
		}
		return nil
	})
}

// ListEvents returns the notification history of a job, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]parking.NotificationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, date::text, target, resume_token, created_at, delivered_at, attempts
		FROM notification_events WHERE job_id=$1 ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []parking.NotificationEvent
	for rows.Next() {
		var ev parking.NotificationEvent
		var date string
		var delivered *time.Time
		if err := rows.Scan(&ev.ID, &ev.JobID, &date, &ev.Target, &ev.ResumeToken, &ev.CreatedAt, &delivered, &ev.Attempts); err != nil {
			return nil, err
		}
		if ev.Date, err = parking.ParseDate(date); err != nil {
			return nil, err
		}
		ev.DeliveredAt = fromNullTime(delivered)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecordCheck stores one probe outcome.
func (s *Store) RecordCheck(ctx context.Context, log parking.CheckLog) error {
	var jobID *string
	if log.JobID != "" {
		jobID = &log.JobID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO check_logs (job_id, resort, date, status, response_time_ms, error_message, availability_found, checked_at)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8)
	`, jobID, log.Resort, log.Date.String(), log.Status, log.ResponseTime.Milliseconds(), log.Error, log.Found, log.CheckedAt)
	if err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	return nil
}

// ListChecks returns up to limit of a job's most recent check logs, newest first.
func (s *Store) ListChecks(ctx context.Context, jobID string, limit int) ([]parking.CheckLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(job_id, ''), resort, date::text, status, response_time_ms, error_message, availability_found, checked_at
		FROM check_logs WHERE job_id=$1 ORDER BY checked_at DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query check logs: %w", err)
	}
	defer rows.Close()

	var logs []parking.CheckLog
	for rows.Next() {
		var cl parking.CheckLog
		var date string
		var ms int64
		if err := rows.Scan(&cl.JobID, &cl.Resort, &date, &cl.Status, &ms, &cl.Error, &cl.Found, &cl.CheckedAt); err != nil {
			return nil, err
		}
		if cl.Date, err = parking.ParseDate(date); err != nil {
			return nil, err
		}
		cl.ResponseTime = time.Duration(ms) * time.Millisecond
		logs = append(logs, cl)
	}
	return logs, rows.Err()
}
