package escrow

import (
	"strings"

	"rescue-coordinator/internal/auth"
	"rescue-coordinator/internal/models"
)

// Gate identifies one completion-proof precondition.
type Gate string

const (
	GateStatus     Gate = "status"
	GateAssignment Gate = "assignment"
	GateActor      Gate = "actor"
	GateCheckIn    Gate = "check_in"
	GateProofMedia Gate = "proof_media"
	GateNotes      Gate = "notes"
)

// ProofInput is everything the gate looks at. The gate itself never touches
// the store, so evaluations are pure and reproducible.
type ProofInput struct {
	Job        models.Job
	Assignment *models.Assignment
	ProofCount int
	// Notes supplied in the complete call; falls back to the stored notes.
	Notes  string
	Caller auth.Principal
}

// EvaluateProof checks the release preconditions in a fixed order and returns
// the first gate that fails, so a given broken state always reports the same
// gate. ok is true only when every gate holds.
func EvaluateProof(in ProofInput) (failed Gate, ok bool) {
	if in.Job.Status != models.JobInProgress {
		return GateStatus, false
	}
	if in.Assignment == nil || in.Assignment.JobID != in.Job.ID {
		return GateAssignment, false
	}
	if !in.Caller.IsAdmin() && in.Caller.UserID != in.Assignment.ProviderID {
		return GateActor, false
	}
	if in.Assignment.CheckInAt == nil {
		return GateCheckIn, false
	}
	if in.ProofCount < 1 {
		return GateProofMedia, false
	}
	if strings.TrimSpace(in.Notes) == "" && strings.TrimSpace(in.Job.CompletionNotes) == "" {
		return GateNotes, false
	}
	return "", true
}
