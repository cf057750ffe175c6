package usage

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"
)

const debounceInterval = 500 * time.Millisecond

// Reloader serves the current pricing table and hot-swaps it when the
// backing YAML file changes. A malformed update is logged and the previous
// table kept.
type Reloader struct {
	mu    sync.RWMutex
	table Table

	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// NewReloader loads the pricing file and starts watching it for changes.
// An empty path serves the built-in default table with no watching.
func NewReloader(ctx context.Context, path string) (*Reloader, error) {
	r := &Reloader{
		path:   path,
		table:  DefaultTable(),
		cancel: make(chan struct{}),
	}

	if path == "" {
		return r, nil
	}

	table, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	r.table = table

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(path); err != nil {
		fsW.Close()
		return nil, err
	}
	r.fsWatcher = fsW

	go r.watchLoop(ctx)

	return r, nil
}

// Table returns the current pricing table.
func (r *Reloader) Table() Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table
}

// watchLoop processes fsnotify events with debouncing.
func (r *Reloader) watchLoop(ctx context.Context) {
	var timer *time.Timer

	for {
		select {
		case <-r.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				r.reload(ctx)
			})

		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Errorf(ctx, err, "pricing watcher error")
		}
	}
}

// reload re-reads the pricing file and swaps the table if it parses.
func (r *Reloader) reload(ctx context.Context) {
	table, err := LoadTable(r.path)
	if err != nil {
		log.Errorf(ctx, err, "pricing reload failed, keeping previous table")
		return
	}

	r.mu.Lock()
	r.table = table
	r.mu.Unlock()

	log.Printf(ctx, "pricing table reloaded from %s", r.path)
}

// Close stops watching the pricing file.
func (r *Reloader) Close() {
	close(r.cancel)
	if r.fsWatcher != nil {
		r.fsWatcher.Close()
	}
}
