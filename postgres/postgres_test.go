package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"parkwatch/pkg/parking"
)

// openTestStore connects to PARKWATCH_TEST_DATABASE_URL. The tests are skipped
// when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PARKWATCH_TEST_DATABASE_URL")
	if url == "" || testing.Short() {
		t.Skip("PARKWATCH_TEST_DATABASE_URL not set")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()
	s, err := Open(ctx, url, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func TestPostgresStateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &parking.MonitoringJob{
		ID:        uuid.NewString(),
		Resort:    "solitude",
		Contact:   "skier@example.com",
		Status:    parking.StatusActive,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Dates:     []parking.Date{{Year: 2026, Month: time.January, Day: 3}},
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob() error = %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteJob(context.Background(), job.ID) })

	got, err := s.GetJob(ctx, job.ID)
	if err != nil || got.Dates[0] != job.Dates[0] {
		t.Fatalf("GetJob() = %+v, err %v", got, err)
	}

	d := job.Dates[0]
	st, err := s.GetDateState(ctx, job.ID, d)
	if err != nil || st.Version != 0 {
		t.Fatalf("GetDateState() = %+v, err %v", st, err)
	}

	next := st
	next.Availability = parking.Unavailable
	next.LastCheckedAt = time.Now().UTC()
	if err := s.CompareAndSetDateState(ctx, job.ID, d, 0, next); err != nil {
		t.Fatalf("CAS insert error = %v", err)
	}
	if err := s.CompareAndSetDateState(ctx, job.ID, d, 0, next); !errors.Is(err, parking.ErrConflict) {
		t.Fatalf("stale CAS error = %v, want ErrConflict", err)
	}

	st, _ = s.GetDateState(ctx, job.ID, d)
	next = st
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
	if err := s.MarkDelivered(ctx, job.ID, d, event.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}

	st, _ = s.GetDateState(ctx, job.ID, d)
	if !st.Notified || st.Pending == nil || !st.Pending.Delivered() {
		t.Errorf("state after delivery = %+v", st)
	}

	events, err := s.ListEvents(ctx, job.ID)
	if err != nil || len(events) != 1 || !events[0].Delivered() {
		t.Errorf("ListEvents() = %+v, err %v", events, err)
	}
}
