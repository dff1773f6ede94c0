// Package watcher turns fsnotify notifications for a directory tree into
// create and modify events.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fruitsalade/dropsync/internal/events"
	"github.com/fruitsalade/dropsync/internal/logging"
)

// eventBuffer is the capacity of the outgoing channel.
const eventBuffer = 1000

// FileWatcher watches a directory tree recursively.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	events  chan events.FileEvent
	now     func() time.Time

	mu       sync.Mutex
	watching map[string]bool

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a watcher for root and registers every directory under it.
func New(root string) (*FileWatcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", absRoot)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  w,
		root:     absRoot,
		events:   make(chan events.FileEvent, eventBuffer),
		now:      time.Now,
		watching: make(map[string]bool),
		done:     make(chan struct{}),
	}
	if err := fw.addRecursive(absRoot); err != nil {
		w.Close()
		return nil, err
	}
	return fw, nil
}

// Root returns the absolute path of the watched tree.
func (fw *FileWatcher) Root() string {
	return fw.root
}

// Start begins translating notifications. It is safe to call more than once.
func (fw *FileWatcher) Start() {
	fw.startOnce.Do(func() {
		fw.wg.Add(1)
		go fw.processEvents()
	})
}

// Stop stops the watcher and closes the events channel.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
		fw.wg.Wait()
		close(fw.events)
	})
	return err
}

// Events returns the events channel. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan events.FileEvent {
	return fw.events
}

// addRecursive registers dir and all directories below it.
func (fw *FileWatcher) addRecursive(dir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // Skip unreadable entries
		}
		if !d.IsDir() || fw.watching[path] {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			logging.Warn("cannot watch directory", logging.Path(path), logging.Err(err))
			return nil
		}
		fw.watching[path] = true
		logging.Debug("watching directory", logging.Path(path))
		return nil
	})
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logging.Warn("watch queue overflowed, events were lost", logging.Err(err))
				continue
			}
			logging.Warn("watcher error", logging.Err(err))
		case <-fw.done:
			return
		}
	}
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return // Gone already
		}
		if info.IsDir() {
			fw.handleNewDir(event.Name)
			return
		}
		fw.emit(event.Name, events.Created)
	case event.Has(fsnotify.Write):
		fw.emit(event.Name, events.Modified)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		fw.mu.Lock()
		delete(fw.watching, event.Name)
		fw.mu.Unlock()
	}
}

// handleNewDir watches a directory created after startup and emits the
// files that were written into it before the watch was in place.
func (fw *FileWatcher) handleNewDir(dir string) {
	if err := fw.addRecursive(dir); err != nil {
		logging.Warn("cannot watch new directory", logging.Path(dir), logging.Err(err))
		return
	}
	err := Scan(dir, func(ev events.FileEvent) {
		fw.emit(ev.Path, events.Created)
	})
	if err != nil {
		logging.Warn("cannot scan new directory", logging.Path(dir), logging.Err(err))
	}
}

// emit blocks until the event is taken or the watcher stops.
func (fw *FileWatcher) emit(path string, kind events.Kind) {
	select {
	case fw.events <- events.FileEvent{Path: path, Kind: kind, ObservedAt: fw.now()}:
	case <-fw.done:
	}
}

// Scan calls emit with a Created event for every regular file under root.
func Scan(root string, emit func(events.FileEvent)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.Type().IsRegular() {
			emit(events.FileEvent{Path: path, Kind: events.Created, ObservedAt: time.Now()})
		}
		return nil
	})
}
