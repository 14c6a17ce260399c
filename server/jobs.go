package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"parkwatch/jobstate"
	"parkwatch/pkg/parking"
	"parkwatch/token"
)

const maxDatesPerJob = 31

// ParseDates reads dates separated by commas or whitespace. Duplicates are
// dropped and the result is sorted.
func ParseDates(raw string, today parking.Date) ([]parking.Date, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\r' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, errors.New("at least one date is required")
	}

	seen := make(map[parking.Date]bool)
	var dates []parking.Date
	for _, f := range fields {
		d, err := parking.ParseDate(f)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q, use YYYY-MM-DD", f)
		}
		if d.Before(today) {
			return nil, fmt.Errorf("date %s is in the past", d)
		}
		if !seen[d] {
			seen[d] = true
			dates = append(dates, d)
		}
	}
	if len(dates) > maxDatesPerJob {
		return nil, fmt.Errorf("at most %d dates per job", maxDatesPerJob)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	resortName := strings.TrimSpace(strings.ToLower(r.PostFormValue("resort")))
	email := strings.TrimSpace(strings.ToLower(r.PostFormValue("email")))
	pin := strings.TrimSpace(r.PostFormValue("pin"))

	profile, ok := s.profiles.Get(resortName)
	if !ok {
		http.Error(w, "Unknown resort", http.StatusBadRequest)
		return
	}
	if !isValidEmail(email) {
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	}
	if !isValidPIN(pin) {
		http.Error(w, "PIN must be 4 to 8 digits", http.StatusBadRequest)
		return
	}

	now := s.now()
	dates, err := ParseDates(r.PostFormValue("dates"), parking.DateOf(now.In(profile.Location())))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := token.HashPIN(pin)
	if err != nil {
		s.logger.Error("Failed to hash PIN", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	job := &parking.MonitoringJob{
		ID:        uuid.NewString(),
		Resort:    profile.Name,
		Contact:   email,
		PINHash:   hash,
		Status:    parking.StatusActive,
		Dates:     dates,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if err := s.store.SaveJob(r.Context(), job); err != nil {
		s.logger.Error("Failed to save job", "error", err)
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	if err := s.emailer.SendWelcome(r.Context(), job); err != nil {
		s.logger.Warn("Failed to send welcome email", "job_id", job.ID, "error", err)
	}

	s.logger.Info("Job created", "job_id", job.ID, "resort", job.Resort, "dates", len(job.Dates), "ip", clientIP(r))
	s.render(w, http.StatusCreated, "created.tmpl", map[string]any{
		"Resort":    job.Resort,
		"Dates":     labels(job.Dates),
		"ManageURL": "/jobs/" + job.ID,
	})
}

func labels(dates []parking.Date) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.AriaLabel()
	}
	return out
}

func (s *Server) handleJobForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "pin.tmpl", map[string]any{"JobID": mux.Vars(r)["id"]})
}

type dateView struct {
	Date         string
	Label        string
	Availability parking.Availability
	LastChecked  string
	Notified     bool
	Count        int
	CanResume    bool
}

// handleJob is the PIN-gated job page. Every action re-checks the PIN.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	pin := r.PostFormValue("pin")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil || job.Status == parking.StatusDeleted || !token.CheckPIN(job.PINHash, pin) {
		if err != nil && !errors.Is(err, parking.ErrNotFound) {
			s.logger.Error("Failed to load job", "job_id", id, "error", err)
		}
		// Unknown job and wrong PIN look the same.
		s.render(w, http.StatusNotFound, "not_found.tmpl", nil)
		return
	}

	ctx := r.Context()
	notice := ""
	switch r.PostFormValue("action") {
	case "", "view":
	case "pause", "activate":
		status := parking.StatusPaused
		if r.PostFormValue("action") == "activate" {
			status = parking.StatusActive
		}
		if job.Status == parking.StatusResolved {
			notice = "This job has finished; every date has passed."
			break
		}
		if err := s.store.SetJobStatus(ctx, job.ID, status); err != nil {
			s.logger.Error("Failed to update job status", "job_id", job.ID, "error", err)
			http.Error(w, "Failed to update job", http.StatusInternalServerError)
			return
		}
		job.Status = status
		notice = "Job is now " + strings.ToLower(string(status)) + "."
		s.logger.Info("Job status changed", "job_id", job.ID, "status", status)
	case "resume":
		d, err := parking.ParseDate(r.PostFormValue("date"))
		if err != nil || !job.HasDate(d) {
			http.Error(w, "Invalid date", http.StatusBadRequest)
			return
		}
		st, err := s.store.GetDateState(ctx, job.ID, d)
		if err != nil {
			s.logger.Error("Failed to load date state", "job_id", job.ID, "error", err)
			http.Error(w, "Failed to resume", http.StatusInternalServerError)
			return
		}
		if st.Pending == nil {
			notice = "Nothing to resume for " + d.AriaLabel() + "."
			break
		}
		switch err := s.resume(ctx, job.ID, d, st.Pending.ResumeToken); {
		case errors.Is(err, parking.ErrInvalidToken), errors.Is(err, parking.ErrConflict):
			notice = "The state of " + d.AriaLabel() + " just changed, please try again."
		case err != nil:
			s.logger.Error("Resume failed", "job_id", job.ID, "error", err)
			http.Error(w, "Failed to resume", http.StatusInternalServerError)
			return
		default:
			notice = "Watching " + d.AriaLabel() + " again."
			s.logger.Info("Monitoring resumed by owner", "job_id", job.ID, "date", d.String())
		}
	case "delete":
		if err := s.store.DeleteJob(ctx, job.ID); err != nil {
			s.logger.Error("Failed to delete job", "job_id", job.ID, "error", err)
			http.Error(w, "Failed to delete job", http.StatusInternalServerError)
			return
		}
		s.logger.Info("Job deleted by owner", "job_id", job.ID)
		s.render(w, http.StatusOK, "deleted.tmpl", nil)
		return
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}

	states, err := s.store.ListDateStates(ctx, job.ID)
	if err != nil {
		s.logger.Warn("Failed to list date states", "job_id", job.ID, "error", err)
	}
	byDate := make(map[parking.Date]parking.DateState, len(states))
	for _, st := range states {
		byDate[st.Date] = st
	}

	views := make([]dateView, 0, len(job.Dates))
	for _, d := range job.Dates {
		st, ok := byDate[d]
		if !ok {
			st = parking.NewDateState(job.ID, d)
		}
		v := dateView{
			Date:         d.String(),
			Label:        d.AriaLabel(),
			Availability: st.Availability,
			Notified:     st.Notified,
			Count:        st.NotificationCount,
			CanResume:    st.Pending != nil,
		}
		if !st.LastCheckedAt.IsZero() {
			v.LastChecked = st.LastCheckedAt.UTC().Format("Jan 2 15:04 MST")
		}
		views = append(views, v)
	}

	s.render(w, http.StatusOK, "job.tmpl", map[string]any{
		"JobID":     job.ID,
		"Resort":    job.Resort,
		"Status":    jobstate.DashboardStatus(job, states),
		"JobStatus": job.Status,
		"PIN":       pin,
		"Dates":     views,
		"Notice":    notice,
	})
}
