// Package email delivers availability notifications via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"parkwatch/pkg/parking"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For resume and manage links
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}
}

// Send delivers an availability notice for one (job, date) pair.
func (s *Sender) Send(ctx context.Context, n parking.Notice) error {
	subject := fmt.Sprintf("Parking available: %s on %s", displayResort(n.Resort), n.Event.Date.AriaLabel())
	body := s.formatAvailabilityBody(n)

	s.logger.Info("Sending availability email",
		"to", n.Event.Target,
		"job_id", n.Event.JobID,
		"date", n.Event.Date.String(),
		"event_id", n.Event.ID)

	if err := s.provider.Send(ctx, n.Event.Target, subject, body); err != nil {
		return fmt.Errorf("send availability email: %w", err)
	}
	return nil
}

// SendWelcome confirms a newly created job to its owner.
func (s *Sender) SendWelcome(ctx context.Context, job *parking.MonitoringJob) error {
	subject := fmt.Sprintf("Watching %s parking", displayResort(job.Resort))
	body := s.formatWelcomeBody(job)

	s.logger.Info("Sending welcome email",
		"to", job.Contact,
		"job_id", job.ID,
		"dates", len(job.Dates))

	return s.provider.Send(ctx, job.Contact, subject, body)
}

// displayResort turns a resort key like "parkcity" into a display name.
func displayResort(name string) string {
	switch name {
	case "parkcity":
		return "Park City"
	case "":
		return "Resort"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
