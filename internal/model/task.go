// Package model contains the task types shared between the upload service,
// the processing queue, and the API layer.
package model

import (
	"time"
)

// UploadStatus describes the lifecycle of an upload task.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadUploading  UploadStatus = "uploading"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadError      UploadStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadError
}

// UploadTask is the user-visible handle for one file upload. The owning
// session is kept by the service, not on the task, so snapshots can be
// returned to pollers without exposing live state.
type UploadTask struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	ProjectID   string       `json:"projectId,omitempty"`
	FileName    string       `json:"fileName"`
	FileSize    int64        `json:"fileSize"`
	ContentType string       `json:"contentType"`
	ChunkSize   int64        `json:"chunkSize"`
	Concurrency int          `json:"concurrency"`
	Status      UploadStatus `json:"status"`
	Progress    float64      `json:"progress"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   time.Time    `json:"startedAt,omitempty"`
}

// ProcessingStatus describes the lifecycle of a processing task.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingActive    ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingError     ProcessingStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingError
}

// ProcessingOptions configure the downstream AI pipeline for one task.
type ProcessingOptions struct {
	Language              string `json:"language,omitempty"`
	TranscriptionProvider string `json:"transcriptionProvider,omitempty"`
	AnalysisProvider      string `json:"analysisProvider,omitempty"`
	DetectHighlights      bool   `json:"detectHighlights"`
	MaxHighlights         int    `json:"maxHighlights,omitempty"`
}

// ProcessingTask tracks one project's trip through the AI pipeline.
type ProcessingTask struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	UserID      string            `json:"userId"`
	Status      ProcessingStatus  `json:"status"`
	Progress    float64           `json:"progress"`
	Stage       string            `json:"stage,omitempty"`
	Error       string            `json:"error,omitempty"`
	Options     ProcessingOptions `json:"options"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	CompletedAt time.Time         `json:"completedAt,omitempty"`
}
