package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sovereign-rag/gateway/internal/policy"
	"github.com/sovereign-rag/gateway/internal/redaction"
)

// BundleWatcher monitors a single configuration source file and invokes the
// supplied callback whenever it changes. Stop must be called to release
// filesystem resources.
type BundleWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *BundleWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchPolicyBundle wires fsnotify around path and recompiles the
// policy.RuleEngine on every write, debounced so a multi-step save doesn't
// trigger repeated recompiles. onChange receives the new engine; onError
// receives load failures, which leave the previous engine in place.
func WatchPolicyBundle(ctx context.Context, path string, onChange func(*policy.RuleEngine, PolicyBundle), onError func(error)) (*BundleWatcher, error) {
	return watchFile(ctx, path, func() error {
		engine, bundle, err := LoadPolicyBundle(path)
		if err != nil {
			return err
		}
		onChange(engine, bundle)
		return nil
	}, onError)
}

// WatchRedactionOverlay wires fsnotify around path and rebuilds the
// redaction.Engine on every write.
func WatchRedactionOverlay(ctx context.Context, path string, onChange func(*redaction.Engine), onError func(error)) (*BundleWatcher, error) {
	return watchFile(ctx, path, func() error {
		engine, err := LoadRedactionOverlay(path)
		if err != nil {
			return err
		}
		onChange(engine)
		return nil
	}, onError)
}

// watchFile is the shared fsnotify plumbing behind WatchPolicyBundle and
// WatchRedactionOverlay: debounce rapid writes, reload once settled, and
// report load failures without tearing down the watch.
func watchFile(ctx context.Context, path string, reload func() error, onError func(error)) (*BundleWatcher, error) {
	if err := ensureFileExists(path); err != nil {
		return nil, err
	}
	if err := reload(); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	done := make(chan struct{})
	bw := &BundleWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch close %s: %w", path, err))
			}
		}()

		const debounce = 25 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time
		schedule := func() {
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			timerC = timer.C
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-timerC:
				timerC = nil
				if err := reload(); err != nil && onError != nil {
					onError(err)
				}
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error %s: %w", path, err))
				}
			}
		}
	}()

	return bw, nil
}
