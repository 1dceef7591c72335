package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobCreated            JobStatus = "created"
	JobRequested          JobStatus = "requested"
	JobMatching           JobStatus = "matching"
	JobAssigned           JobStatus = "assigned"
	JobEnRoute            JobStatus = "en_route"
	JobOnSite             JobStatus = "on_site"
	JobInProgress         JobStatus = "in_progress"
	JobCompleted          JobStatus = "completed"
	JobCanceledByUser     JobStatus = "canceled_by_user"
	JobCanceledByProvider JobStatus = "canceled_by_provider"
	JobNoProviderFound    JobStatus = "no_provider_found"
	JobRefunded           JobStatus = "refunded"
	JobDisputed           JobStatus = "disputed"
)

// Job represents one service request persisted in Postgres.
type Job struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customer_id"`
	ProviderID      *string   `json:"provider_id,omitempty"`
	ServiceType     string    `json:"service_type"`
	PriceCents      int64     `json:"price_cents"`
	Currency        string    `json:"currency"`
	Status          JobStatus `json:"status"`
	CompletionNotes string    `json:"completion_notes,omitempty"`
	CancelReason    *string   `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// jobForward is the closed happy-path transition table. Cancellation exits
// are handled separately in CanTransition because they apply to every
// non-terminal state.
var jobForward = map[JobStatus][]JobStatus{
	JobCreated:    {JobRequested},
	JobRequested:  {JobMatching, JobAssigned, JobNoProviderFound, JobRefunded},
	JobMatching:   {JobAssigned, JobNoProviderFound, JobRefunded},
	JobAssigned:   {JobEnRoute},
	JobEnRoute:    {JobOnSite},
	JobOnSite:     {JobInProgress},
	JobInProgress: {JobCompleted},
	JobDisputed:   {JobRefunded},
}

// IsTerminalJobStatus reports whether no further transition is permitted.
func IsTerminalJobStatus(s JobStatus) bool {
	switch s {
	case JobCompleted, JobCanceledByUser, JobCanceledByProvider, JobNoProviderFound, JobRefunded:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge of the job state
// machine. Cancellations and administrative disputes are legal from any
// non-terminal state; everything else must be in the forward table.
func CanTransition(from, to JobStatus) bool {
	if IsTerminalJobStatus(from) {
		return false
	}
	switch to {
	case JobCanceledByUser, JobCanceledByProvider, JobDisputed:
		return from != to
	}
	for _, next := range jobForward[from] {
		if next == to {
			return true
		}
	}
	return false
}
