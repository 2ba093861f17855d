package utils

import (
	"fmt"
	"hash"
	"hash/fnv"
	"path/filepath"
	"strings"
)

// ImageExtensions contains supported image file extensions
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tiff": true,
	".tif":  true,
}

// VideoExtensions contains supported video container extensions
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpg":  true,
	".mpeg": true,
	".3gp":  true,
	".ogv":  true,
}

// ArchiveExtensions contains supported zip-compatible archive extensions
var ArchiveExtensions = map[string]bool{
	".zip": true,
	".cbz": true,
}

// sidecarNames are OS metadata files that must never be treated as media.
var sidecarNames = map[string]bool{
	"thumbs.db":   true,
	".ds_store":   true,
	"desktop.ini": true,
	".picasa.ini": true,
}

// IsImageFile checks if a file has a supported image extension
func IsImageFile(path string) bool {
	return ImageExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsVideoFile checks if a file has a supported video container extension
func IsVideoFile(path string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsArchiveFile checks if a file has a supported archive extension
func IsArchiveFile(path string) bool {
	return ArchiveExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsMediaFile checks if a file has a supported image or video extension
func IsMediaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ImageExtensions[ext] || VideoExtensions[ext]
}

// IsSidecarFile reports whether a file is OS/sidecar metadata such as
// macOS "._" resource forks, Thumbs.db, or .DS_Store.
func IsSidecarFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(name, "._") {
		return true
	}
	return sidecarNames[name]
}

// DetectedFormat returns the normalized format name for a media path,
// e.g. "jpeg", "png", "mp4". Empty string for unsupported files.
func DetectedFormat(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if !ImageExtensions[ext] && !VideoExtensions[ext] {
		return ""
	}
	switch ext {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".tif", ".tiff":
		return "tiff"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}

// NewFastHash returns a new FNV-1a 64-bit hash
func NewFastHash() hash.Hash64 {
	return fnv.New64a()
}

// SumString returns the hex string of the hash
func SumString(h hash.Hash64) string {
	return fmt.Sprintf("%x", h.Sum64())
}

// HashString returns the FNV-1a 64-bit sum of a string.
func HashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
