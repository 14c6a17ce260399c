// Package storage persists monitoring jobs, per-date state, notification
// events and check logs as JSON objects in Cloud Storage or a local directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"parkwatch/pkg/parking"
)

const casAttempts = 3

// Store handles job and state persistence.
type Store struct {
	backend backend
	logger  *slog.Logger
	mu      sync.Mutex // serialises conditional writes in local mode
	local   bool
}

// New creates a new storage handler. A non-empty localPath selects local
// filesystem storage; otherwise objects live in bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	if localPath != "" {
		return &Store{backend: &localBackend{root: localPath}, logger: logger, local: true}
	}
	return &Store{backend: &gcsBackend{client: client, bucket: bucket, logger: logger}, logger: logger}
}

// validID rejects anything that is not a UUID so IDs can never escape their prefix.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && !strings.ContainsAny(id, "/\\.")
}

func jobKey(id string) string { return "jobs/" + id + ".json" }

func stateKey(id string, d parking.Date) string {
	return "states/" + id + "/" + d.String() + ".json"
}

func eventKey(id string, d parking.Date, eventID string) string {
	return "events/" + id + "/" + d.String() + "/" + eventID + ".json"
}

func checkKey(jobID string, at time.Time) string {
	owner := jobID
	if owner == "" {
		owner = "_adhoc"
	}
	return "checks/" + owner + "/" + at.UTC().Format("20060102T150405.000000000Z") + ".json"
}

// IsNotFound checks if an error indicates a missing job or record.
func IsNotFound(err error) bool {
	return errors.Is(err, parking.ErrNotFound)
}

func (s *Store) lock() func() {
	if !s.local {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) readJSON(ctx context.Context, key string, v any) (int64, error) {
	data, gen, err := s.backend.read(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return gen, nil
}

func (s *Store) writeJSON(ctx context.Context, key string, v any, ifGeneration int64) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.backend.write(ctx, key, data, ifGeneration)
}

// SaveJob creates or replaces a job.
func (s *Store) SaveJob(ctx context.Context, job *parking.MonitoringJob) error {
	if !validID(job.ID) {
		return errors.New("invalid job id format")
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if err := s.writeJSON(ctx, jobKey(job.ID), job, anyGeneration); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	s.logger.Info("Job saved", "job_id", job.ID, "resort", job.Resort, "dates", len(job.Dates), "status", job.Status)
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*parking.MonitoringJob, error) {
	if !validID(id) {
		// Same error as "not found" so callers cannot probe the id format
		return nil, parking.ErrNotFound
	}
	var job parking.MonitoringJob
	if _, err := s.readJSON(ctx, jobKey(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists every job regardless of status.
func (s *Store) ListJobs(ctx context.Context) ([]*parking.MonitoringJob, error) {
	keys, err := s.backend.list(ctx, "jobs/")
	if err != nil {
		return nil, err
	}

	var jobs []*parking.MonitoringJob
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		var job parking.MonitoringJob
		if _, err := s.readJSON(ctx, key, &job); err != nil {
			s.logger.Warn("Failed to load job", "key", key, "error", err)
			continue
		}
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// ListActiveJobs lists jobs eligible for polling.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*parking.MonitoringJob, error) {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	active := jobs[:0]
	for _, j := range jobs {
		if j.Status == parking.StatusActive {
			active = append(active, j)
		}
	}
	return active, nil
}

// SetJobStatus changes a job's status.
func (s *Store) SetJobStatus(ctx context.Context, id string, status parking.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid job status %q", status)
	}
	if !validID(id) {
		return parking.ErrNotFound
	}

	defer s.lock()()
	var job parking.MonitoringJob
	gen, err := s.readJSON(ctx, jobKey(id), &job)
	if err != nil {
		return err
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	if err := s.writeJSON(ctx, jobKey(id), &job, gen); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	s.logger.Info("Job status changed", "job_id", id, "status", status)
	return nil
}

// DeleteJob removes a job and everything recorded for it.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if !validID(id) {
		return parking.ErrNotFound
	}

	for _, prefix := range []string{"states/" + id + "/", "events/" + id + "/", "checks/" + id + "/"} {
		keys, err := s.backend.list(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.backend.remove(ctx, key); err != nil {
				return err
			}
		}
	}
	if err := s.backend.remove(ctx, jobKey(id)); err != nil {
		return err
	}
	s.logger.Info("Job deleted", "job_id", id)
	return nil
}

// GetDateState returns the state of one (job, date) pair. A pair that has
// never been written comes back as UNKNOWN with version 0.
func (s *Store) GetDateState(ctx context.Context, jobID string, d parking.Date) (parking.DateState, error) {
	if !validID(jobID) {
		return parking.DateState{}, parking.ErrNotFound
	}
	var st parking.DateState
	if _, err := s.readJSON(ctx, stateKey(jobID, d), &st); err != nil {
		if IsNotFound(err) {
			return parking.NewDateState(jobID, d), nil
		}
		return parking.DateState{}, err
	}
	return st, nil
}

// ListDateStates returns every stored state for a job, ordered by date.
func (s *Store) ListDateStates(ctx context.Context, jobID string) ([]parking.DateState, error) {
	if !validID(jobID) {
		return nil, parking.ErrNotFound
	}
	keys, err := s.backend.list(ctx, "states/"+jobID+"/")
	if err != nil {
		return nil, err
	}
	var states []parking.DateState
	for _, key := range keys {
		var st parking.DateState
		if _, err := s.readJSON(ctx, key, &st); err != nil {
			s.logger.Warn("Failed to load date state", "key", key, "error", err)
			continue
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Date.Before(states[j].Date) })
	return states, nil
}

// CompareAndSetDateState writes next only if the stored version still equals
// expectedVersion. On success the stored version is expectedVersion+1.
// A lost race returns parking.ErrConflict.
func (s *Store) CompareAndSetDateState(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState) error {
	if !validID(jobID) {
		return parking.ErrNotFound
	}

	defer s.lock()()
	key := stateKey(jobID, d)

	var current parking.DateState
	gen, err := s.readJSON(ctx, key, &current)
	switch {
	case IsNotFound(err):
		gen = noObject
	case err != nil:
		return err
	}
	if current.Version != expectedVersion {
		s.logger.Debug("Date state version moved on", "job_id", jobID, "date", d.String(),
			"expected", expectedVersion, "actual", current.Version)
		return parking.ErrConflict
	}

	next.JobID = jobID
	next.Date = d
	next.Version = expectedVersion + 1
	return s.writeJSON(ctx, key, &next, gen)
}

// MarkNotified stores next with event as its pending notification in one
// conditional write, then appends the event to the job's history.
func (s *Store) MarkNotified(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState, event parking.NotificationEvent) error {
	next.Notified = true
	next.Pending = &event
	if err := s.CompareAndSetDateState(ctx, jobID, d, expectedVersion, next); err != nil {
		return err
	}

	if err := s.writeJSON(ctx, eventKey(jobID, d, event.ID), &event, anyGeneration); err != nil {
		s.logger.Warn("Failed to record notification event", "job_id", jobID, "event_id", event.ID, "error", err)
	}
	return nil
}

// MarkDelivered records that the gateway accepted an event. It is a no-op if
// the event is no longer the pair's pending event.
func (s *Store) MarkDelivered(ctx context.Context, jobID string, d parking.Date, eventID string, at time.Time) error {
	for range casAttempts {
		st, err := s.GetDateState(ctx, jobID, d)
		if err != nil {
			return err
		}
		if st.Pending == nil || st.Pending.ID != eventID {
			return nil
		}

		ev := *st.Pending
		ev.DeliveredAt = at
		ev.Attempts++
		st.Pending = &ev

		err = s.CompareAndSetDateState(ctx, jobID, d, st.Version, st)
		if errors.Is(err, parking.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}

		if err := s.writeJSON(ctx, eventKey(jobID, d, eventID), &ev, anyGeneration); err != nil {
			s.logger.Warn("Failed to update notification event", "job_id", jobID, "event_id", eventID, "error", err)
		}
		return nil
	}
	return parking.ErrConflict
}

// ListEvents returns the notification history of a job, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]parking.NotificationEvent, error) {
	if !validID(jobID) {
		return nil, parking.ErrNotFound
	}
	keys, err := s.backend.list(ctx, "events/"+jobID+"/")
	if err != nil {
		return nil, err
	}
	var events []parking.NotificationEvent
	for _, key := range keys {
		var ev parking.NotificationEvent
		if _, err := s.readJSON(ctx, key, &ev); err != nil {
			s.logger.Warn("Failed to load notification event", "key", key, "error", err)
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

// RecordCheck stores one probe outcome.
func (s *Store) RecordCheck(ctx context.Context, log parking.CheckLog) error {
	if log.JobID != "" && !validID(log.JobID) {
		return errors.New("invalid job id format")
	}
	if err := s.writeJSON(ctx, checkKey(log.JobID, log.CheckedAt), &log, anyGeneration); err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	return nil
}

// ListChecks returns up to limit of a job's most recent check logs, newest first.
func (s *Store) ListChecks(ctx context.Context, jobID string, limit int) ([]parking.CheckLog, error) {
	if !validID(jobID) {
		return nil, parking.ErrNotFound
	}
	keys, err := s.backend.list(ctx, "checks/"+jobID+"/")
	if err != nil {
		return nil, err
	}
	// Keys embed a sortable UTC timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	logs := make([]parking.CheckLog, 0, len(keys))
	for _, key := range keys {
		var cl parking.CheckLog
		if _, err := s.readJSON(ctx, key, &cl); err != nil {
			s.logger.Warn("Failed to load check log", "key", path.Base(key), "error", err)
			continue
		}
		logs = append(logs, cl)
	}
	return logs, nil
}
