package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the configuration file at a path loaded. Every edit that
// parses and validates replaces [Watcher.Current] and is handed to the change
// callback; rejected edits leave the previous configuration in place.
//
// Filesystem notifications are debounced so an editor's write burst yields a
// single reload. A slow poll covers filesystems without notifications.
type Watcher struct {
	path     string
	poll     time.Duration
	debounce time.Duration
	onChange func(old, next *Config)
	onReject func(error)

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte

	notify *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// WatchOption configures a [Watcher].
type WatchOption func(*Watcher)

// WithPollInterval sets how often the file is re-read without a
// notification. Default 5s.
func WithPollInterval(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithDebounce sets the quiet period after a notification before the file is
// read. Default 100ms.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// OnReject registers fn to receive every edit that failed to load.
func OnReject(fn func(error)) WatchOption {
	return func(w *Watcher) { w.onReject = fn }
}

// Watch loads path and keeps watching it until ctx ends or Close is called.
// The initial load must succeed.
func Watch(ctx context.Context, path string, onChange func(old, next *Config), opts ...WatchOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		poll:     5 * time.Second,
		debounce: 100 * time.Millisecond,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, digest, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.current, w.digest = cfg, digest

	// Editors often save by rename, which drops a watch on the file itself.
	dir := filepath.Dir(w.path)
	if nw, err := fsnotify.NewWatcher(); err != nil {
		slog.Warn("config notifications unavailable, polling only", "err", err)
	} else if err := nw.Add(dir); err != nil {
		slog.Warn("cannot watch config directory, polling only", "dir", dir, "err", err)
		_ = nw.Close()
	} else {
		w.notify = nw
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	return w, nil
}

// Current returns the last configuration that loaded cleanly.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching and waits for the watch loop to exit. It is safe to
// call more than once.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	if w.notify != nil {
		defer w.notify.Close()
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	// A stopped timer whose channel fires once per burst of events.
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.notify != nil {
		events, errs = w.notify.Events, w.notify.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		case <-settle.C:
			w.reload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.path && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				settle.Reset(w.debounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Debug("config notification error", "err", err)
		}
	}
}

// reload swaps in the file's configuration when its content changed.
func (w *Watcher) reload() {
	cfg, digest, err := w.read()
	if err != nil {
		// A rename-save briefly leaves no file behind.
		if os.IsNotExist(err) {
			return
		}
		slog.Warn("config edit rejected", "path", w.path, "err", err)
		if w.onReject != nil {
			w.onReject(err)
		}
		return
	}

	w.mu.Lock()
	if digest == w.digest {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	slog.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
