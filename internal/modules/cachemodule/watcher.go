package cachemodule

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// FolderWatcher deactivates cache folders whose directory disappears out
// from under the pipeline (unmounted disk, manual deletion), so folder
// selection stops routing new artifacts at a dead path.
type FolderWatcher struct {
	manager *Manager
	log     hclog.Logger
	watcher *fsnotify.Watcher
	watched map[string]bool // folder paths being watched for removal
}

// NewFolderWatcher creates a watcher over the manager's folders.
func NewFolderWatcher(manager *Manager, log hclog.Logger) (*FolderWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FolderWatcher{
		manager: manager,
		log:     log,
		watcher: w,
		watched: make(map[string]bool),
	}, nil
}

// Watch registers a folder path. The parent directory is watched, since a
// removed directory cannot report its own deletion.
func (fw *FolderWatcher) Watch(path string) error {
	parent := filepath.Dir(path)
	if err := fw.watcher.Add(parent); err != nil {
		return err
	}
	fw.watched[filepath.Clean(path)] = true
	return nil
}

// Run processes filesystem events until the context is cancelled.
func (fw *FolderWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fw.watcher.Close()
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error("cache folder watcher error", "error", err)
		}
	}
}

func (fw *FolderWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	path := filepath.Clean(event.Name)
	if !fw.watched[path] {
		return
	}

	fw.log.Warn("cache folder removed from filesystem", "path", path)
	if err := fw.manager.DeactivateByPath(ctx, path); err != nil {
		fw.log.Error("failed to deactivate cache folder", "path", path, "error", err)
	}
}
