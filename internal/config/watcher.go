package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// Watcher polls the server's config file and hands every valid edit that
// changes something to a callback. Edits that fail to parse or validate are
// logged and skipped; the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(prev, next *Config)

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher returns a Watcher for path. current is the config the server
// started with; the file's present state is the baseline for change
// detection.
func NewWatcher(path string, current *Config, onChange func(prev, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: defaultWatchInterval, onChange: onChange, current: current}
	for _, o := range opts {
		o(w)
	}
	data, modTime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.modTime, w.sum = modTime, sha256.Sum256(data)
	return w, nil
}

// Current returns the config most recently applied.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Check looks at the file once. It reports whether a new config was
// applied. A touched file with identical content, or an edit that only
// reformats, applies nothing.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	data, modTime, err := w.read()
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.modTime = modTime
	if sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	w.sum = sum
	w.mu.Unlock()

	next, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.current
	if prev != nil && Diff(prev, next).IsEmpty() {
		w.mu.Unlock()
		return false, nil
	}
	w.current = next
	w.mu.Unlock()

	slog.Info("config file changed", "path", w.path)
	if w.onChange != nil && prev != nil {
		w.onChange(prev, next)
	}
	return true, nil
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, time.Time{}, err
	}
	return buf.Bytes(), info.ModTime(), nil
}
