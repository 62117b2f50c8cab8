package token

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/hoot-chat/mcp-gateway/pkg/log"
)

// Watch reloads the signing key when its file changes, so keys can be
// rotated without a restart. The public set is replaced atomically; a
// verification already in flight keeps the set it started with. Blocks
// until ctx is cancelled. No-op in session-token mode.
func (s *Service) Watch(ctx context.Context) error {
	if s.keyFile == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating key watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and secret mounts replace the file
	// rather than writing it in place.
	if err := watcher.Add(filepath.Dir(s.keyFile)); err != nil {
		return fmt.Errorf("watching key directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.loadKey(); err != nil {
				log.Logf("! Failed to reload signing key: %v", err)
				continue
			}
			log.Logf("- Reloaded signing key %s", s.kid)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Logf("! Key watcher error: %v", err)
		}
	}
}
