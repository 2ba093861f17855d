package database

import (
	"time"
)

// Job status values
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Stage status values
const (
	StagePending    = "pending"
	StageInProgress = "in_progress"
	StageCompleted  = "completed"
)

// Pipeline stage names
const (
	StageScan      = "scan"
	StageProcess   = "process"
	StageThumbnail = "thumbnail"
	StageCache     = "cache"
)

// Collection is the pipeline's view of a media collection. Business rules
// beyond scanning and artifact generation live elsewhere.
type Collection struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `json:"name"`
	RootPath     string    `gorm:"not null" json:"root_path"`
	Kind         string    `gorm:"not null" json:"kind"` // folder or archive
	Recursive    bool      `json:"recursive"`
	DirectAccess bool      `json:"direct_access"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PipelineJob tracks one pipeline run for one collection.
type PipelineJob struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	CollectionID uint       `gorm:"index;not null" json:"collection_id"`
	Status       string     `gorm:"index;not null" json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// JobStage holds per-stage progress counters for a job. Counters only ever
// move via atomic SQL increments; Total is finalized exactly once.
type JobStage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	JobID      string    `gorm:"uniqueIndex:idx_job_stage;not null" json:"job_id"`
	Name       string    `gorm:"uniqueIndex:idx_job_stage;not null" json:"name"`
	Status     string    `gorm:"not null" json:"status"`
	Total      int64     `json:"total"`
	Completed  int64     `json:"completed"`
	Failed     int64     `json:"failed"`
	TotalFinal bool      `json:"total_final"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ImageRecord is the per-file metadata record created by the process stage.
// (collection_id, container_path, entry_key) is unique within a collection,
// so redelivered messages land on the existing row instead of duplicating it.
// A record with Failed=true is a dummy standing in for an unprocessable file.
type ImageRecord struct {
	ID            string    `gorm:"primaryKey" json:"id"` // stable imageId
	CollectionID  uint      `gorm:"uniqueIndex:idx_collection_entry;not null" json:"collection_id"`
	ContainerPath string    `gorm:"uniqueIndex:idx_collection_entry;not null" json:"container_path"`
	EntryKey      string    `gorm:"uniqueIndex:idx_collection_entry;not null" json:"entry_key"`
	LocationKind  string    `gorm:"not null" json:"location_kind"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Format        string    `json:"format"`
	SizeBytes     int64     `json:"size_bytes"`
	Failed        bool      `json:"failed"`
	Reason        string    `json:"reason,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ThumbnailRecord is the thumbnail artifact for one image. DirectRef records
// point at the original file instead of a generated artifact.
type ThumbnailRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ImageID      string    `gorm:"uniqueIndex;not null" json:"image_id"`
	CollectionID uint      `gorm:"index" json:"collection_id"`
	Path         string    `json:"path"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SizeBytes    int64     `json:"size_bytes"`
	DirectRef    bool      `json:"direct_ref"`
	Failed       bool      `json:"failed"`
	Reason       string    `json:"reason,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CacheRecord is the display-quality cache rendition for one image.
type CacheRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ImageID      string    `gorm:"uniqueIndex;not null" json:"image_id"`
	CollectionID uint      `gorm:"index" json:"collection_id"`
	Path         string    `json:"path"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SizeBytes    int64     `json:"size_bytes"`
	Format       string    `json:"format"`
	Quality      int       `json:"quality"`
	DirectRef    bool      `json:"direct_ref"`
	Failed       bool      `json:"failed"`
	Reason       string    `json:"reason,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CacheFolder is a destination folder for generated artifacts. UsedBytes and
// FileCount mutate only through atomic increments.
type CacheFolder struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Path      string    `gorm:"uniqueIndex;not null" json:"path"`
	Priority  int       `gorm:"index" json:"priority"`
	MaxBytes  int64     `json:"max_bytes"`
	UsedBytes int64     `json:"used_bytes"`
	FileCount int64     `json:"file_count"`
	Active    bool      `gorm:"index" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Queue message status values
const (
	MessagePending  = "pending"
	MessageInflight = "inflight"
	MessageDead     = "dead"
)

// QueueMessage is one durable broker message. Delivery is at-least-once:
// an inflight message whose visibility timeout lapses returns to pending.
type QueueMessage struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Queue       string     `gorm:"index:idx_queue_status;not null" json:"queue"`
	Status      string     `gorm:"index:idx_queue_status;not null" json:"status"`
	Body        string     `gorm:"type:text" json:"body"`
	Attempts    int        `json:"attempts"`
	Redeliveries int       `json:"redeliveries"`
	AvailableAt time.Time  `gorm:"index" json:"available_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
