package domain

import "math"

// StorageInfo carries the media host's description of the stored artifact.
type StorageInfo struct {
	Bytes  int64  `json:"bytes"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Result is the terminal, JSON-safe record of one job attempt. The schema is
// closed: every field has a fixed primitive type decided at construction, so
// nothing non-serializable can ever reach the result store. A result stored
// as completed is never mutated afterwards.
type Result struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
	Error   string `json:"error,omitempty"`

	ImageURL     string  `json:"imageUrl,omitempty"`
	PublicID     string  `json:"publicId,omitempty"`
	OriginalSize []int   `json:"originalSize,omitempty"`
	OutputSize   []int   `json:"outputSize,omitempty"`
	ScaleFactor  float64 `json:"scaleFactor,omitempty"`
	Format       string  `json:"format,omitempty"`

	ProcessingTime float64 `json:"processingTime,omitempty"`
	UploadTime     float64 `json:"uploadTime,omitempty"`
	TotalTime      float64 `json:"totalTime,omitempty"`

	// Face jobs only.
	FaceCount         *int    `json:"faceCount,omitempty"`
	OnlyCenterFace    *bool   `json:"onlyCenterFace,omitempty"`
	FaceDetectionTime float64 `json:"faceDetectionTime,omitempty"`

	Storage *StorageInfo `json:"storage,omitempty"`
}

// FailureResult builds a terminal failure record.
func FailureResult(taskID, message string) *Result {
	return &Result{Success: false, TaskID: taskID, Error: message}
}

// RoundSeconds rounds a duration expressed in seconds to two decimals, the
// precision all timing fields are reported with.
func RoundSeconds(s float64) float64 {
	if s < 0 {
		return 0
	}
	return math.Round(s*100) / 100
}
