package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"parkwatch/pkg/parking"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", t.TempDir(), logger)
}

func testJob(status parking.JobStatus) *parking.MonitoringJob {
	return &parking.MonitoringJob{
		ID:        uuid.NewString(),
		Resort:    "brighton",
		Contact:   "skier@example.com",
		Status:    status,
		CreatedAt: time.Now().UTC(),
		Dates: []parking.Date{
			{Year: 2025, Month: time.December, Day: 13},
			{Year: 2025, Month: time.December, Day: 14},
		},
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	active := testJob(parking.StatusActive)
	paused := testJob(parking.StatusPaused)
	for _, j := range []*parking.MonitoringJob{active, paused} {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob() error = %v", err)
		}
	}

	got, err := s.GetJob(ctx, active.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Contact != active.Contact || len(got.Dates) != 2 || got.Dates[1] != active.Dates[1] {
		t.Errorf("GetJob() = %+v", got)
	}

	all, err := s.ListJobs(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListJobs() = %d jobs, err %v", len(all), err)
	}
	live, err := s.ListActiveJobs(ctx)
	if err != nil || len(live) != 1 || live[0].ID != active.ID {
		t.Fatalf("ListActiveJobs() = %v, err %v", live, err)
	}

	if err := s.SetJobStatus(ctx, active.ID, parking.StatusDeleted); err != nil {
		t.Fatalf("SetJobStatus() error = %v", err)
	}
	live, _ = s.ListActiveJobs(ctx)
	if len(live) != 0 {
		t.Errorf("deleted job still active")
	}

	if err := s.DeleteJob(ctx, active.ID); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if _, err := s.GetJob(ctx, active.ID); !IsNotFound(err) {
		t.Errorf("GetJob() after delete error = %v", err)
	}
}

func TestGetJobRejectsPathTraversal(t *testing.T) {
	s := newLocalStore(t)
	for _, id := range []string{"../../etc/passwd", "", "jobs/x"} {
		if _, err := s.GetJob(context.Background(), id); !IsNotFound(err) {
			t.Errorf("GetJob(%q) error = %v, want not found", id, err)
		}
	}
}

func TestCompareAndSet(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	job := testJob(parking.StatusActive)
	d := job.Dates[0]

	st, err := s.GetDateState(ctx, job.ID, d)
	if err != nil {
		t.Fatalf("GetDateState() error = %v", err)
	}
	if st.Availability != parking.Unknown || st.Version != 0 {
		t.Fatalf("fresh state = %+v", st)
	}

	next := st
	next.Availability = parking.Unavailable
	if err := s.CompareAndSetDateState(ctx, job.ID, d, 0, next); err != nil {
		t.Fatalf("CAS(0) error = %v", err)
	}

	// A second writer holding the old version loses.
	if err := s.CompareAndSetDateState(ctx, job.ID, d, 0, next); !errors.Is(err, parking.ErrConflict) {
		t.Fatalf("stale CAS error = %v, want ErrConflict", err)
	}

	st, _ = s.GetDateState(ctx, job.ID, d)
	if st.Version != 1 || st.Availability != parking.Unavailable {
		t.Errorf("state after CAS = %+v", st)
	}
}

func TestCompareAndSetConcurrentWriters(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	job := testJob(parking.StatusActive)
	d := job.Dates[0]

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := parking.NewDateState(job.ID, d)
			next.Availability = parking.Available
			if err := s.CompareAndSetDateState(ctx, job.ID, d, 0, next); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d writers won the same version, want 1", wins)
	}
}

func TestMarkNotifiedAndDelivered(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	job := testJob(parking.StatusActive)
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	d := job.Dates[0]

	st, _ := s.GetDateState(ctx, job.ID, d)
	next := st
	next.Availability = parking.Available
	event := parking.NotificationEvent{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Date:        d,
		Target:      job.Contact,
		ResumeToken: "tok",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.MarkNotified(ctx, job.ID, d, st.Version, next, event); err != nil {
		t.Fatalf("MarkNotified() error = %v", err)
	}

	st, _ = s.GetDateState(ctx, job.ID, d)
	if !st.Notified || st.Pending == nil || st.Pending.ID != event.ID || st.Pending.Delivered() {
		t.Fatalf("state after MarkNotified = %+v", st)
	}

	// Unknown event ids are ignored.
	if err := s.MarkDelivered(ctx, job.ID, d, "other", time.Now()); err != nil {
		t.Fatalf("MarkDelivered(other) error = %v", err)
	}

	at := time.Now().UTC()
	if err := s.MarkDelivered(ctx, job.ID, d, event.ID, at); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	st, _ = s.GetDateState(ctx, job.ID, d)
	if !st.Pending.Delivered() || st.Pending.Attempts != 1 {
		t.Errorf("pending after delivery = %+v", st.Pending)
	}

	events, err := s.ListEvents(ctx, job.ID)
	if err != nil || len(events) != 1 || !events[0].Delivered() {
		t.Errorf("ListEvents() = %+v, err %v", events, err)
	}

	states, err := s.ListDateStates(ctx, job.ID)
	if err != nil || len(states) != 1 {
		t.Errorf("ListDateStates() = %d, err %v", len(states), err)
	}
}

func TestRecordAndListChecks(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	job := testJob(parking.StatusActive)

	base := time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)
	for i := range 5 {
		err := s.RecordCheck(ctx, parking.CheckLog{
			JobID:     job.ID,
			Resort:    "brighton",
			Date:      job.Dates[0],
			Status:    parking.Unavailable,
			CheckedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordCheck() error = %v", err)
		}
	}
	if err := s.RecordCheck(ctx, parking.CheckLog{Resort: "alta", CheckedAt: base}); err != nil {
		t.Fatalf("RecordCheck(adhoc) error = %v", err)
	}

	logs, err := s.ListChecks(ctx, job.ID, 3)
	if err != nil {
		t.Fatalf("ListChecks() error = %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("ListChecks() = %d logs, want 3", len(logs))
	}
	if !logs[0].CheckedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("newest check = %s", logs[0].CheckedAt)
	}
}
