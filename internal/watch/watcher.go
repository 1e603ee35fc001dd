// Package watch implements live stacking: frames dropped into a directory are
// aligned to the first frame and folded into a running mean as they arrive.
package watch

import (
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"starstack/internal/fsutil"
)

// Event is a change to an image file in a watched directory.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified, deleted, renamed
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// Watcher monitors directories for new frames.
type Watcher struct {
	watcher   *fsnotify.Watcher
	Events    chan Event
	watchDirs []string
	done      chan struct{}
	log       *slog.Logger
}

// NewWatcher creates a watcher over dirs. Start must be called to begin delivery.
func NewWatcher(dirs []string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   w,
		Events:    make(chan Event, 100),
		watchDirs: dirs,
		done:      make(chan struct{}),
		log:       log,
	}, nil
}

// Start adds the watch directories and begins translating events.
func (fw *Watcher) Start() error {
	for _, dir := range fw.watchDirs {
		if err := fw.watcher.Add(dir); err != nil {
			return err
		}
		fw.log.Info("watching directory", "dir", dir)
	}
	go fw.processEvents()
	return nil
}

// Stop stops the watcher. Events is closed once the event loop exits.
func (fw *Watcher) Stop() error {
	close(fw.done)
	return fw.watcher.Close()
}

func (fw *Watcher) processEvents() {
	defer close(fw.Events)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			ev, keep := translate(event)
			if !keep {
				continue
			}
			if ev.Operation != "deleted" {
				if info, err := os.Stat(ev.Path); err == nil {
					ev.Size = info.Size()
				}
			}

			select {
			case fw.Events <- ev:
			default:
				fw.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error("filesystem watcher error", "error", err)

		case <-fw.done:
			return
		}
	}
}

// translate maps an fsnotify event to an Event; non-image files and
// permission changes are dropped.
func translate(event fsnotify.Event) (Event, bool) {
	var operation string
	switch {
	case event.Op.Has(fsnotify.Create):
		operation = "created"
	case event.Op.Has(fsnotify.Write):
		operation = "modified"
	case event.Op.Has(fsnotify.Remove):
		operation = "deleted"
	case event.Op.Has(fsnotify.Rename):
		operation = "renamed"
	default:
		return Event{}, false
	}
	if !fsutil.IsImageFile(event.Name) {
		return Event{}, false
	}
	return Event{Path: event.Name, Operation: operation, Time: time.Now()}, true
}
