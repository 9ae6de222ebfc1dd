package review

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bobisme/botcrit/internal/storage"
)

// Watcher re-syncs the projection whenever an event log changes under
// .crit/reviews/. Review directories created while watching are added to
// the watch set on the fly.
//
// A Watcher is not restart-safe: once stopped, create a new one.
type Watcher struct {
	core *Core

	// OnSync, when set, receives every sync report produced by the loop.
	OnSync func(*storage.Report)

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  bool
	mu       sync.Mutex
}

// NewWatcher builds a watcher over the core's layout.
func NewWatcher(core *Core) *Watcher {
	return &Watcher{core: core, stopCh: make(chan struct{})}
}

// Start begins watching and returns immediately; the loop runs until
// Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return fmt.Errorf("watcher already stopped; create a new instance to restart")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	reviewsDir := w.core.Layout.ReviewsDir()
	if err := watcher.Add(reviewsDir); err != nil {
		watcher.Close()
		w.watcher = nil
		return err
	}
	// Watch existing review directories; events.jsonl writes happen there.
	entries, err := os.ReadDir(reviewsDir)
	if err != nil {
		watcher.Close()
		w.watcher = nil
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(reviewsDir, e.Name())); err != nil {
				log.Printf("watch %s: %v", e.Name(), err)
			}
		}
	}

	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	// Debounce so a burst of appends costs one sync.
	var debounceTimer *time.Timer
	debounceDelay := w.core.Config.WatchDebounce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// A new review directory joins the watch set immediately so
			// its first append is seen.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.watcher.Add(ev.Name); err != nil {
						log.Printf("watch %s: %v", ev.Name, err)
					}
				}
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				w.resync(ctx)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("log watcher error: %v", err)
		}
	}
}

func (w *Watcher) resync(ctx context.Context) {
	report, err := w.core.Sync(ctx)
	if err != nil {
		log.Printf("watch sync failed: %v", err)
		return
	}
	if w.OnSync != nil {
		w.OnSync(report)
	}
}
