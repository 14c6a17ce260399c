package server

import (
	"context"
	"errors"
	"net/http"

	"parkwatch/jobstate"
	"parkwatch/pkg/parking"
)

const resumeAttempts = 3

func (s *Server) handleResumeForm(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}

	tok := r.URL.Query().Get("token")
	claims, err := s.tokens.Parse(tok)
	if err != nil {
		s.render(w, http.StatusNotFound, "invalid_link.tmpl", nil)
		return
	}
	job, err := s.store.GetJob(r.Context(), claims.JobID)
	if err != nil || job.Status != parking.StatusActive {
		s.render(w, http.StatusNotFound, "invalid_link.tmpl", nil)
		return
	}

	s.render(w, http.StatusOK, "resume.tmpl", map[string]any{
		"Token":  tok,
		"Resort": job.Resort,
		"Date":   claims.Date.AriaLabel(),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	tok := r.PostFormValue("token")
	claims, err := s.tokens.Parse(tok)
	if err != nil {
		s.logger.Info("Rejected resume token", "error", err)
		s.render(w, http.StatusNotFound, "invalid_link.tmpl", nil)
		return
	}

	job, err := s.store.GetJob(r.Context(), claims.JobID)
	if err != nil || job.Status != parking.StatusActive || !job.HasDate(claims.Date) {
		s.render(w, http.StatusNotFound, "invalid_link.tmpl", nil)
		return
	}

	if err := s.resume(r.Context(), job.ID, claims.Date, tok); err != nil {
		if errors.Is(err, parking.ErrInvalidToken) {
			s.logger.Info("Resume token no longer current", "job_id", job.ID, "date", claims.Date.String())
			s.render(w, http.StatusNotFound, "invalid_link.tmpl", nil)
			return
		}
		s.logger.Error("Resume failed", "job_id", job.ID, "date", claims.Date.String(), "error", err)
		http.Error(w, "Could not resume monitoring, please try again", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Monitoring resumed", "job_id", job.ID, "date", claims.Date.String())
	s.render(w, http.StatusOK, "resumed.tmpl", map[string]any{
		"Resort":    job.Resort,
		"Date":      claims.Date.AriaLabel(),
		"ManageURL": "/jobs/" + job.ID,
	})
}

// resume re-arms one pair, retrying when the monitor wrote the state in between.
func (s *Server) resume(ctx context.Context, jobID string, d parking.Date, tok string) error {
	for range resumeAttempts {
		st, err := s.store.GetDateState(ctx, jobID, d)
		if err != nil {
			return err
		}
		next, err := jobstate.Resume(st, tok, s.now())
		if err != nil {
			return err
		}
		err = s.store.CompareAndSetDateState(ctx, jobID, d, st.Version, next)
		if errors.Is(err, parking.ErrConflict) {
			continue
		}
		return err
	}
	return parking.ErrConflict
}
