package credential

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/zrelay/zrelay/internal/logging"
)

// debounce window for editors that fire several write events per save.
const watchDebounce = 500 * time.Millisecond

// WatchFile reloads the pool whenever the credential file changes on disk.
// The watch runs until ctx is cancelled; the returned stop function tears it
// down early.
func WatchFile(ctx context.Context, path string, pool *Pool) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops a watch placed
	// on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					if err := pool.Reload(); err != nil {
						log.Warnf("credential watcher: reload failed: %v", err)
						return
					}
					log.Infof("credential watcher: reloaded %s", path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("credential watcher: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
