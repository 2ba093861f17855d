package queue

import (
	"github.com/mantonx/pixelpipe/internal/mediasource"
)

// Queue names, one per pipeline stage.
const (
	QueueScan      = "pipeline.scan"
	QueueProcess   = "pipeline.process"
	QueueThumbnail = "pipeline.thumbnail"
	QueueCache     = "pipeline.cache"
)

// ScanRequest asks the scanner to enumerate a collection.
type ScanRequest struct {
	JobID        string `json:"job_id"`
	CollectionID uint   `json:"collection_id"`
	RootPath     string `json:"root_path"`
	Kind         string `json:"kind"` // folder or archive
	Recursive    bool   `json:"recursive"`
	DirectAccess bool   `json:"direct_access"`
}

// ImageProcessRequest asks the metadata consumer to process one file.
type ImageProcessRequest struct {
	JobID        string                      `json:"job_id"`
	CollectionID uint                        `json:"collection_id"`
	Descriptor   mediasource.MediaDescriptor `json:"descriptor"`
	DirectAccess bool                        `json:"direct_access"`
}

// ThumbnailRequest asks the thumbnail consumer to produce one thumbnail.
type ThumbnailRequest struct {
	JobID        string                      `json:"job_id"`
	CollectionID uint                        `json:"collection_id"`
	ImageID      string                      `json:"image_id"`
	Descriptor   mediasource.MediaDescriptor `json:"descriptor"`
	Width        int                         `json:"width"`
	Height       int                         `json:"height"`
	DirectAccess bool                        `json:"direct_access"`
}

// CacheRequest asks the cache consumer to produce one display rendition.
type CacheRequest struct {
	JobID            string                      `json:"job_id"`
	CollectionID     uint                        `json:"collection_id"`
	ImageID          string                      `json:"image_id"`
	Descriptor       mediasource.MediaDescriptor `json:"descriptor"`
	Width            int                         `json:"width"`
	Height           int                         `json:"height"`
	Quality          int                         `json:"quality"`
	Format           string                      `json:"format"`
	PreserveOriginal bool                        `json:"preserve_original"`
	DirectAccess     bool                        `json:"direct_access"`
}
