package generator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/core-tools/hsu-platform/pkg/errors"
)

const watchDebounce = 200 * time.Millisecond

// GenerateFunc receives the outcome of each regeneration.
type GenerateFunc func(paths []string, err error)

// Watch regenerates every unit whenever a configuration layer or template
// changes, until ctx is cancelled. Bursts of events are coalesced.
func (r *Renderer) Watch(ctx context.Context, onGenerate GenerateFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewIOError("failed to create file watcher", err)
	}

	dirs := []string{r.options.ConfigDirectory, filepath.Join(r.options.ConfigDirectory, "environments")}
	if r.options.TemplateDirectory != "" {
		dirs = append(dirs, r.options.TemplateDirectory)
	}
	for _, dir := range dirs {
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return errors.NewIOError("failed to watch directory", err).WithContext("dir", dir)
		}
		r.logger.Infof("Watching for changes, dir: %s", dir)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	sctx.Go(func(sctx *stopper.Context) error {
		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		defer debounce.Stop()

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil
			case <-ctx.Done():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				r.logger.Debugf("Configuration change detected, path: %s, op: %s", event.Name, event.Op)
				debounce.Reset(watchDebounce)

			case <-debounce.C:
				paths, err := r.GenerateAll()
				onGenerate(paths, err)

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				r.logger.Warnf("File watcher error: %v", err)
			}
		}
		return nil
	})

	<-ctx.Done()
	sctx.Stop(100 * time.Millisecond)
	return sctx.Wait()
}
