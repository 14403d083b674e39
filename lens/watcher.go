package lens

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"property-sync/utils"
)

// Watcher reloads a lens file whenever it changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*File)
	logger   *utils.Logger
}

// NewWatcher watches path. The parent directory is watched so editors that
// replace the file instead of writing it in place are still seen.
func NewWatcher(path string, onChange func(*File), logger *utils.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("lens: resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("lens: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("lens: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, watcher: fw, onChange: onChange, logger: logger}, nil
}

// Run delivers reloads until ctx is done. Invalid edits are logged and
// skipped; the previous lens stays in effect.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			f, err := LoadFile(w.path)
			if err != nil {
				w.logger.Warn("[lens] Ignoring edit: %v", err)
				continue
			}
			w.logger.Info("[lens] Reloaded %s", filepath.Base(w.path))
			w.onChange(f)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("[lens] Watcher error: %v", err)
		}
	}
}
