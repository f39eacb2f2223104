package projection

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/rs/zerolog"
)

// Watcher observes a log directory for partition files modified by
// other processes and reports the affected session keys, debounced
// per session.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(key eventlog.SessionKey)
	debounce time.Duration

	mu     sync.Mutex
	timers map[eventlog.SessionKey]*time.Timer

	stopCh chan struct{}
}

// NewWatcher creates a watcher. A debounce of zero selects 500ms.
// onChange runs on a timer goroutine after a partition has been quiet
// for the debounce window.
func NewWatcher(logger zerolog.Logger, debounce time.Duration, onChange func(key eventlog.SessionKey)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &Watcher{
		watcher:  watcher,
		logger:   logger,
		onChange: onChange,
		debounce: debounce,
		timers:   make(map[eventlog.SessionKey]*time.Timer),
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Watch starts watching a log directory.
func (w *Watcher) Watch(dir string) error {
	return w.watcher.Add(dir)
}

// Stop stops the watcher and cancels pending notifications.
func (w *Watcher) Stop() error {
	close(w.stopCh)

	w.mu.Lock()
	for key, timer := range w.timers {
		timer.Stop()
		delete(w.timers, key)
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

// run processes file system events
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only partition files; repair temp files are skipped.
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".jsonl") {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				key := eventlog.SessionKey(strings.TrimSuffix(name, ".jsonl"))

				w.logger.Debug().
					Str("session_key", string(key)).
					Str("op", event.Op.String()).
					Msg("Partition change detected")

				w.scheduleNotify(key)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Partition watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleNotify debounces change notifications per session.
func (w *Watcher) scheduleNotify(key eventlog.SessionKey) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.timers[key]; exists {
		timer.Stop()
	}

	w.timers[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, key)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}

		w.onChange(key)
	})
}
