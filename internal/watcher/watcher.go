// Package watcher turns catalog changes into a single coalesced reload
// signal. Four sources feed it: file-system notifications on the catalog
// path, an mtime poll fallback, SIGHUP, and in-process triggers from the
// admin tools. Bursts inside the debounce window collapse into one event.
package watcher

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"magg/internal/api"
	"magg/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Mode selects whether the file-system notification source is used.
type Mode string

const (
	ModeOn   Mode = "on"
	ModeOff  Mode = "off"
	ModeAuto Mode = "auto"
)

// Options configure a Watcher.
type Options struct {
	// Path is the catalog file to watch.
	Path string
	// PollInterval is the mtime poll period. Zero disables polling.
	PollInterval time.Duration
	// Watchdog controls the fsnotify source. In auto mode a failure to
	// start the fs watcher silently falls back to polling alone.
	Watchdog Mode
	// Debounce collapses rapid events; zero uses the default window.
	Debounce time.Duration
}

// Watcher emits one reload event per observed change burst.
type Watcher struct {
	opts   Options
	events chan struct{}

	mu        sync.Mutex
	debouncer *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher; Start must be called before events flow.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = api.ReloadDebounce
	}
	if opts.Watchdog == "" {
		opts.Watchdog = ModeAuto
	}
	return &Watcher{
		opts:   opts,
		events: make(chan struct{}, 1),
	}
}

// Events is the coalesced reload channel. It never closes while the
// watcher runs; at most one event is pending at a time.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Start launches the configured sources. It is not an error if the
// file-system source cannot start in auto mode; polling covers it.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	if w.opts.Watchdog != ModeOff {
		if err := w.startFSWatch(ctx); err != nil {
			if w.opts.Watchdog == ModeOn {
				return err
			}
			logging.Warn("Watcher", "File-system watch unavailable, falling back to polling: %v", err)
		}
	}

	if w.opts.PollInterval > 0 {
		// The baseline mtime is taken before Start returns, so a write
		// made right after Start counts as a change.
		var lastMod time.Time
		if info, err := os.Stat(w.opts.Path); err == nil {
			lastMod = info.ModTime()
		}
		w.wg.Add(1)
		go w.pollLoop(ctx, lastMod)
	}

	w.wg.Add(1)
	go w.signalLoop(ctx)

	logging.Info("Watcher", "Watching catalog %s (poll %s, watchdog %s)",
		w.opts.Path, w.opts.PollInterval, w.opts.Watchdog)
	return nil
}

// Stop shuts down all sources and waits for them to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	w.mu.Lock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.mu.Unlock()
}

// Trigger requests a reload from in-process callers (the reload_config
// admin tool). It goes through the same debounce as external sources.
func (w *Watcher) Trigger() {
	w.bump()
}

// bump arms (or re-arms) the debounce timer; when it fires, one event is
// published unless one is already pending.
func (w *Watcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.debouncer = time.AfterFunc(w.opts.Debounce, func() {
		select {
		case w.events <- struct{}{}:
		default:
		}
	})
}

// startFSWatch watches the catalog's parent directory rather than the
// file itself so atomic temp-then-rename writes are observed.
func (w *Watcher) startFSWatch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.opts.Path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}
	filename := filepath.Base(w.opts.Path)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					logging.Debug("Watcher", "Catalog event: %s (%s)", event.Name, event.Op)
					w.bump()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logging.Warn("Watcher", "File watch error: %v", err)
			}
		}
	}()
	return nil
}

// pollLoop compares the catalog mtime every interval, starting from the
// baseline lastMod. It is the fallback source on filesystems without
// notification support.
func (w *Watcher) pollLoop(ctx context.Context, lastMod time.Time) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.opts.Path)
			if err != nil {
				continue
			}
			if mod := info.ModTime(); mod.After(lastMod) {
				lastMod = mod
				logging.Debug("Watcher", "Catalog mtime changed")
				w.bump()
			}
		}
	}
}

// signalLoop reloads on SIGHUP, the conventional reread-your-config signal.
func (w *Watcher) signalLoop(ctx context.Context) {
	defer w.wg.Done()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			logging.Info("Watcher", "Received SIGHUP, scheduling reload")
			w.bump()
		}
	}
}
