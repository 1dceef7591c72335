package models

import "time"

// Assignment binds a job to exactly one provider.
type Assignment struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	ProviderID string     `json:"provider_id"`
	CheckInAt  *time.Time `json:"check_in_at,omitempty"`
	CheckOutAt *time.Time `json:"check_out_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ProofMedia purpose tags. Only completion_proof gates fund release.
const (
	PurposeCompletionProof = "completion_proof"
	PurposeArrivalPhoto    = "arrival_photo"
)

// ProofMedia is a media artifact attached to a job.
type ProofMedia struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	UploaderID   string    `json:"uploader_id"`
	Purpose      string    `json:"purpose"`
	ObjectURL    string    `json:"object_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
}
