package mediasource

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mantonx/pixelpipe/internal/logger"
	"github.com/mantonx/pixelpipe/internal/utils"
)

// ErrEntryNotFound is returned when an archive entry cannot be located by
// its stored key or by filename fallback.
var ErrEntryNotFound = errors.New("archive entry not found")

// DescribeFile builds a descriptor for a loose file under a collection root.
func DescribeFile(root, path string) (MediaDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return MediaDescriptor{}, err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return MediaDescriptor{}, err
	}
	return MediaDescriptor{
		LocationKind:   RegularFile,
		ContainerPath:  root,
		EntryKey:       filepath.ToSlash(rel),
		SizeBytes:      info.Size(),
		DetectedFormat: utils.DetectedFormat(path),
	}, nil
}

// DescribeArchiveEntry builds a descriptor for one zip entry. The entry key
// is copied verbatim from the zip library's own entry name.
func DescribeArchiveEntry(archivePath string, entry *zip.File) MediaDescriptor {
	return MediaDescriptor{
		LocationKind:   ArchiveEntry,
		ContainerPath:  archivePath,
		EntryKey:       entry.Name,
		SizeBytes:      int64(entry.UncompressedSize64),
		DetectedFormat: utils.DetectedFormat(entry.Name),
	}
}

// Open returns a byte stream for the described file. Archive entries are
// looked up by the exact stored key first; if that fails the lookup falls
// back to matching by filename alone and logs a warning. The fallback exists
// to let a repair pass heal previously mis-recorded entries and must never
// be the primary path for newly scanned data.
func Open(d MediaDescriptor) (io.ReadCloser, error) {
	switch d.LocationKind {
	case RegularFile:
		return os.Open(d.FilePath())
	case ArchiveEntry:
		return openArchiveEntry(d)
	default:
		return nil, fmt.Errorf("unknown location kind: %q", d.LocationKind)
	}
}

// ReadAll reads the full contents of the described file.
func ReadAll(d MediaDescriptor) ([]byte, error) {
	rc, err := Open(d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func openArchiveEntry(d MediaDescriptor) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(d.ContainerPath)
	if err != nil {
		return nil, err
	}

	entry := findEntry(zr, d)
	if entry == nil {
		zr.Close()
		return nil, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, d.EntryKey, d.ContainerPath)
	}

	rc, err := entry.Open()
	if err != nil {
		zr.Close()
		return nil, err
	}
	return &archiveEntryReader{rc: rc, zr: zr}, nil
}

func findEntry(zr *zip.ReadCloser, d MediaDescriptor) *zip.File {
	for _, f := range zr.File {
		if f.Name == d.EntryKey {
			return f
		}
	}

	// Legacy repair path: older records stored display names instead of
	// the library's entry key. Match by base filename only and warn.
	want := filepath.Base(filepath.ToSlash(d.EntryKey))
	for _, f := range zr.File {
		if filepath.Base(f.Name) == want {
			logger.Warn("archive entry %q not found by key in %s, matched %q by filename; record should be repaired",
				d.EntryKey, d.ContainerPath, f.Name)
			return f
		}
	}
	return nil
}

// archiveEntryReader closes both the entry stream and the archive handle.
type archiveEntryReader struct {
	rc io.ReadCloser
	zr *zip.ReadCloser
}

func (r *archiveEntryReader) Read(p []byte) (int, error) {
	return r.rc.Read(p)
}

func (r *archiveEntryReader) Close() error {
	err := r.rc.Close()
	if cerr := r.zr.Close(); err == nil {
		err = cerr
	}
	return err
}
