// Package jobstate implements the per-(job, date) availability state machine.
//
// All functions are pure: they take the prior state and return the next one.
// Persisting the result with compare-and-set is the caller's job.
package jobstate

import (
	"crypto/subtle"
	"time"

	"parkwatch/pkg/parking"
)

// Transition is the outcome of applying one reading to a DateState.
type Transition struct {
	Next parking.DateState
	// Notify is set when a new NotificationEvent must be created for the pair.
	// Next already has Notified set; the caller attaches the event as Next.Pending.
	Notify bool
	// InvalidateToken is set when the outstanding resume token, if any, was dropped.
	InvalidateToken bool
	// Downgraded is set when repeated failures reset the state to UNKNOWN.
	Downgraded bool
}

// Apply computes the next state for a reading.
//
// threshold bounds how many consecutive INDETERMINATE readings may keep a
// stale state alive; once ConsecutiveFailures exceeds it the pair drops back
// to UNKNOWN with notifications re-armed. A threshold of zero disables the
// downgrade.
func Apply(prior parking.DateState, reading parking.Availability, now time.Time, threshold int) Transition {
	next := prior
	next.LastCheckedAt = now
	next.LastReading = reading

	switch reading {
	case parking.Available:
		next.Availability = parking.Available
		next.ConsecutiveFailures = 0
		if prior.Notified {
			// Still available and already told: suppressed.
			return Transition{Next: next}
		}
		next.Notified = true
		next.NotificationCount++
		// A fresh event supersedes any stale undelivered one.
		next.Pending = nil
		return Transition{Next: next, Notify: true}

	case parking.Unavailable:
		next.Availability = parking.Unavailable
		next.ConsecutiveFailures = 0
		next.Notified = false
		t := Transition{Next: next}
		if prior.Pending != nil {
			t.Next.Pending = nil
			t.InvalidateToken = true
		}
		return t

	case parking.Indeterminate:
		// Availability and Notified are left untouched.
		next.ConsecutiveFailures++
		if threshold > 0 && next.ConsecutiveFailures > threshold && prior.Availability != parking.Unknown {
			next.Availability = parking.Unknown
			next.Notified = false
			t := Transition{Next: next, Downgraded: true}
			if prior.Pending != nil {
				t.Next.Pending = nil
				t.InvalidateToken = true
			}
			return t
		}
		return Transition{Next: next}

	default:
		// Not a classifier output; the state is left as it was.
		return Transition{Next: prior}
	}
}

// Resume re-arms notifications for a pair using the resume token from its
// outstanding event. Observed availability is left unchanged, so the next
// AVAILABLE reading produces a fresh notification even if the page never
// changed in between. Tokens are single use.
func Resume(prior parking.DateState, token string, now time.Time) (parking.DateState, error) {
	if token == "" || prior.Pending == nil || prior.Pending.ResumeToken == "" {
		return prior, parking.ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(prior.Pending.ResumeToken)) != 1 {
		return prior, parking.ErrInvalidToken
	}

	next := prior
	next.Notified = false
	next.Pending = nil
	next.ResumedAt = now
	return next, nil
}

// DashboardStatus is the status shown to a job's owner. A job whose every
// target date has been notified at least once reads RESOLVED even though it
// stays ACTIVE or PAUSED in storage, so monitoring and resume keep working.
// Dates with no state yet count as never notified.
func DashboardStatus(job *parking.MonitoringJob, states []parking.DateState) parking.JobStatus {
	if job.Status != parking.StatusActive && job.Status != parking.StatusPaused {
		return job.Status
	}
	if len(job.Dates) == 0 {
		return job.Status
	}
	notified := make(map[parking.Date]bool, len(states))
	for _, st := range states {
		if st.NotificationCount > 0 {
			notified[st.Date] = true
		}
	}
	for _, d := range job.Dates {
		if !notified[d] {
			return job.Status
		}
	}
	return parking.StatusResolved
}
