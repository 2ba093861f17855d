// Package mediasource provides a uniform descriptor for "a file to read",
// whether a loose file on disk or an entry inside a compressed archive.
package mediasource

import (
	"path/filepath"

	"github.com/mantonx/pixelpipe/internal/utils"
)

// LocationKind says where a described file lives. An explicit two-variant
// enum, never an inverted boolean, so "is this inside an archive" is
// unambiguous to callers.
type LocationKind string

const (
	RegularFile  LocationKind = "regular_file"
	ArchiveEntry LocationKind = "archive_entry"
)

// MediaDescriptor identifies one discovered media file.
//
// For ArchiveEntry descriptors, EntryKey is byte-identical to the archive
// library's own entry name. It must never be derived from a display name,
// or later extraction will silently fail.
type MediaDescriptor struct {
	LocationKind   LocationKind `json:"location_kind"`
	ContainerPath  string       `json:"container_path"` // folder root or archive path
	EntryKey       string       `json:"entry_key"`      // archive entry name, or path relative to root
	SizeBytes      int64        `json:"size_bytes"`
	DetectedFormat string       `json:"detected_format"`
}

// FilePath returns the on-disk path for a RegularFile descriptor. For
// archive entries there is no standalone path; callers must use Open.
func (d *MediaDescriptor) FilePath() string {
	return filepath.Join(d.ContainerPath, filepath.FromSlash(d.EntryKey))
}

// FileName returns the base name of the described file.
func (d *MediaDescriptor) FileName() string {
	return filepath.Base(filepath.FromSlash(d.EntryKey))
}

// IsVideo reports whether the descriptor points at a video container.
func (d *MediaDescriptor) IsVideo() bool {
	return utils.IsVideoFile(d.EntryKey)
}

// Key returns the (container, entry) identity of the descriptor, unique
// within one collection scan.
func (d *MediaDescriptor) Key() string {
	return d.ContainerPath + "::" + d.EntryKey
}
