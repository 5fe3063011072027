package domain

import "time"

// JobKind enumerates supported restoration job categories.
type JobKind string

const (
	JobKindUpscale     JobKind = "upscale"
	JobKindFaceEnhance JobKind = "face_enhance"
)

// Valid reports whether the kind is one of the recognized categories.
func (k JobKind) Valid() bool {
	return k == JobKindUpscale || k == JobKindFaceEnhance
}

// Lane returns the queue lane jobs of this kind are routed to.
func (k JobKind) Lane() string {
	if k == JobKindFaceEnhance {
		return "gfpgan"
	}
	return "esrgan"
}

// JobStatus enumerates job lifecycle states as observed through lookups.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// MaxRetries bounds automatic re-attempts after recoverable failures.
const MaxRetries = 3

// RetryDelay is the fixed backoff applied before a rescheduled attempt.
const RetryDelay = 60 * time.Second

// Job is the envelope persisted in the queue runtime for one submitted task.
// It is created at submission time and mutated only by the queue runtime,
// which increments RetryCount when an attempt is rescheduled.
type Job struct {
	ID         string  `json:"id"`
	Kind       JobKind `json:"kind"`
	Filename   string  `json:"filename"`
	ImageData  []byte  `json:"image_data"`
	Options    Options `json:"options"`
	RetryCount int     `json:"retry_count"`
	EnqueuedAt int64   `json:"enqueued_at"`
}
