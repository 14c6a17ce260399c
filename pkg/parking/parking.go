// Package parking contains the core domain types for the parking availability monitor.
package parking

import (
	"time"
)

// Availability is the observed availability of one target date.
type Availability string

const (
	Unknown       Availability = "UNKNOWN"
	Available     Availability = "AVAILABLE"
	Unavailable   Availability = "UNAVAILABLE"
	Indeterminate Availability = "INDETERMINATE"
)

// JobStatus is the overall status of a monitoring job.
type JobStatus string

const (
	StatusActive   JobStatus = "ACTIVE"
	StatusPaused   JobStatus = "PAUSED"
	StatusResolved JobStatus = "RESOLVED"
	StatusDeleted  JobStatus = "DELETED"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusResolved, StatusDeleted:
		return true
	}
	return false
}

// FailureReason explains why a probe could not read the page.
type FailureReason string

const (
	NavigationFailed   FailureReason = "NAVIGATION_FAILED"
	ElementNotFound    FailureReason = "ELEMENT_NOT_FOUND"
	SessionLost        FailureReason = "SESSION_LOST"
	SessionUnavailable FailureReason = "SESSION_UNAVAILABLE"
)

// Confidence of a successful probe reading.
type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceNone Confidence = "NONE"
)

// Color source modes for a resort profile.
const (
	ColorComputed = "computed" // getComputedStyle(el).backgroundColor
	ColorInline   = "inline"   // background-color from the element's style attribute
)

// NoBackground is the colour reported for an inline-style cell that has no
// background-color declaration.
const NoBackground = "none"

// Marker is a secondary "unavailable" colour, e.g. not yet open for booking.
type Marker struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ResortProfile describes how to read one resort's reservation calendar.
// Profiles are immutable once loaded into the registry.
type ResortProfile struct {
	Name              string        `json:"name"`
	URLTemplate       string        `json:"url_template"` // {date} and {label} placeholders
	Locator           string        `json:"locator"`      // CSS selector template, same placeholders
	UnavailableColor  string        `json:"unavailable_color"`
	Markers           []Marker      `json:"markers,omitempty"`
	ColorSource       string        `json:"color_source,omitempty"`
	Interval          time.Duration `json:"-"`
	MaxSessions       int           `json:"max_sessions,omitempty"`
	RequestsPerMinute float64       `json:"requests_per_minute,omitempty"`
	SettleDelay       time.Duration `json:"-"`
	Timezone          string        `json:"timezone,omitempty"`
}

// Location returns the profile's time zone, falling back to UTC.
func (p ResortProfile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MonitoringJob is a subscriber's request to watch one resort for a set of dates.
type MonitoringJob struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	Resort    string    `json:"resort"`
	Contact   string    `json:"contact"`  // Subscriber email
	PINHash   string    `json:"pin_hash"` // bcrypt hash of the owner's access PIN
	Status    JobStatus `json:"status"`
	Dates     []Date    `json:"dates"`
}

// HasDate reports whether d is one of the job's target dates.
func (j *MonitoringJob) HasDate(d Date) bool {
	for _, jd := range j.Dates {
		if jd == d {
			return true
		}
	}
	return false
}

// Expired reports whether every target date is before today.
func (j *MonitoringJob) Expired(today Date) bool {
	for _, d := range j.Dates {
		if !d.Before(today) {
			return false
		}
	}
	return len(j.Dates) > 0
}

// NotificationEvent is an availability alert for one (job, date) pair.
type NotificationEvent struct {
	CreatedAt   time.Time `json:"created_at"`
	DeliveredAt time.Time `json:"delivered_at,omitzero"`
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Target      string    `json:"target"`
	ResumeToken string    `json:"resume_token"`
	Date        Date      `json:"date"`
	Attempts    int       `json:"attempts"`
}

// Delivered reports whether the gateway accepted the event.
func (e *NotificationEvent) Delivered() bool {
	return e != nil && !e.DeliveredAt.IsZero()
}

// Notice is everything a gateway needs to deliver one event.
type Notice struct {
	Event      NotificationEvent
	Resort     string
	BookingURL string
}

// DateState is the per-(job, date) availability and notification state.
type DateState struct {
	LastCheckedAt       time.Time          `json:"last_checked_at,omitzero"`
	ResumedAt           time.Time          `json:"resumed_at,omitzero"`
	Pending             *NotificationEvent `json:"pending,omitempty"` // at most one outstanding event
	JobID               string             `json:"job_id"`
	Availability        Availability       `json:"availability"`
	LastReading         Availability       `json:"last_reading,omitempty"`
	Date                Date               `json:"date"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	NotificationCount   int                `json:"notification_count"`
	Version             int64              `json:"version"`
	Notified            bool               `json:"notified"`
}

// NewDateState returns the initial state for a pair that has never been checked.
func NewDateState(jobID string, d Date) DateState {
	return DateState{JobID: jobID, Date: d, Availability: Unknown}
}

// ProbeResult is the ephemeral outcome of a single probe.
type ProbeResult struct {
	CheckedAt  time.Time     `json:"checked_at"`
	Resort     string        `json:"resort"`
	Color      string        `json:"color,omitempty"`
	Failure    FailureReason `json:"failure,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Confidence Confidence    `json:"confidence"`
	Date       Date          `json:"date"`
	Duration   time.Duration `json:"duration"`
}

// OK reports whether the probe read a colour.
func (r ProbeResult) OK() bool {
	return r.Failure == ""
}

// CheckLog is a persisted record of one probe outcome.
type CheckLog struct {
	CheckedAt    time.Time     `json:"checked_at"`
	Resort       string        `json:"resort"`
	JobID        string        `json:"job_id"`
	Status       Availability  `json:"status"`
	Error        string        `json:"error,omitempty"`
	Date         Date          `json:"date"`
	ResponseTime time.Duration `json:"response_time"`
	Found        bool          `json:"availability_found"`
}
