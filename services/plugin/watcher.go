package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/SAP/leanix-custom-report-tools/pkg/metadata"
)

// Watcher follows the project root during development. Edits to the manifest refresh the
// report title and reprint the launch URL.
type Watcher struct {
	session  *Session
	watcher  *fsnotify.Watcher
	manifest string

	closeOnce sync.Once
	closeErr  error
}

// NewWatcher starts watching the session's project root.
func NewWatcher(s *Session) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	root := s.env.Root
	if root == "" {
		root = "."
	}
	if err := fw.Add(root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	return &Watcher{
		session:  s,
		watcher:  fw,
		manifest: filepath.Clean(filepath.Join(root, metadata.DefaultPath)),
	}, nil
}

// Run handles events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.session.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.manifest {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	w.session.RefreshMetadata()
	if err := w.session.PrintURLs(); err != nil && !errors.Is(err, ErrNoAccessToken) {
		w.session.logger.Debug().Err(err).Msg("launch url not available")
	}
}

// Close stops watching and releases the session's relay.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = errors.Join(w.watcher.Close(), w.session.CloseWatcher())
	})
	return w.closeErr
}
