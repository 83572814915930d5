package eventlog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// safetyPollInterval is the re-query interval that backs up the file system
// watcher. WAL commits do not always touch the watched directory, and the
// interval alone drives the follower when no watcher could be established.
const safetyPollInterval = 2 * time.Second

// debounceDuration collapses bursts of file system events into one re-query.
const debounceDuration = 100 * time.Millisecond

// Follower tails the event log. It watches the database directory for writes
// (WAL commits touch sibling files, so the directory is watched rather than
// the database file itself) and re-queries past the last seen event id.
type Follower struct {
	reader *Reader
	dbPath string
	opts   QueryOpts
	lastID int64
}

// NewFollower creates a Follower that emits events with id greater than
// sinceID, filtered by opts (Kind, Source, Role, TaskID honored; ordering
// and cursor fields are managed by the follower).
func NewFollower(reader *Reader, dbPath string, sinceID int64, opts QueryOpts) *Follower {
	return &Follower{
		reader: reader,
		dbPath: dbPath,
		opts:   opts,
		lastID: sinceID,
	}
}

// Run streams newly appended events to fn in id order until ctx is
// cancelled. Returns nil on cancellation.
func (f *Follower) Run(ctx context.Context, fn func(Event)) error {
	watcher := initWatcher(filepath.Dir(f.dbPath))
	if watcher != nil {
		defer watcher.Close()
	}

	// Selecting on nil channels blocks forever, so a missing watcher simply
	// leaves the ticker as the only trigger.
	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if watcher != nil {
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	ticker := time.NewTicker(safetyPollInterval)
	defer ticker.Stop()

	debounce := newDebounceTimer()
	defer debounce.Stop()

	if err := f.emitNew(ctx, fn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case _, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			resetDebounceTimer(debounce)

		case <-debounce.C:
			if err := f.emitNew(ctx, fn); err != nil {
				return err
			}

		case _, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
			}

		case <-ticker.C:
			if err := f.emitNew(ctx, fn); err != nil {
				return err
			}
		}
	}
}

// emitNew queries events past the cursor and advances it.
func (f *Follower) emitNew(ctx context.Context, fn func(Event)) error {
	opts := f.opts
	opts.SinceID = f.lastID
	opts.Ascending = true
	opts.Limit = 0

	events, err := f.reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	for _, e := range events {
		fn(e)
		f.lastID = e.ID
	}
	return nil
}

// initWatcher creates a file system watcher for the given directory.
// Returns nil if initialization fails; the follower falls back to polling.
func initWatcher(dir string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil
	}

	return watcher
}

// newDebounceTimer creates a stopped timer for debouncing file system events.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetDebounceTimer restarts the debounce window after a file system event.
func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
