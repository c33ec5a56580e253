package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or moved away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileType tells single-record files from batch files.
type FileType int

const (
	// TypeSingle is one transaction per file (*.json).
	TypeSingle FileType = iota
	// TypeBatch is one transaction per line (*.jsonl).
	TypeBatch
)

// String returns a human-readable representation of the file type.
func (ft FileType) String() string {
	switch ft {
	case TypeSingle:
		return "json"
	case TypeBatch:
		return "jsonl"
	default:
		return "unknown"
	}
}

// FileEvent represents a file system event for an inbox file.
type FileEvent struct {
	// Path is the path of the file that changed.
	Path string
	// Type indicates whether the file holds one record or many.
	Type FileType
	// Op is the operation that occurred (create, modify, delete).
	Op EventOp
}

// FileWatcher watches the inbox directory for import files.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	closed  bool
	dir     string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir for *.json and *.jsonl files. Subdirectories
// are not watched.
func (fw *FileWatcher) Start(dir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.closed {
		return fmt.Errorf("watcher closed")
	}
	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve inbox directory %s: %w", dir, err)
	}
	if err := fw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", dir, err)
	}
	fw.dir = abs

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and releases the underlying watcher. It blocks until
// the event loop has exited and is safe to call more than once.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	fw.closed = true
	wasRunning := fw.running
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	// Closing the watcher unblocks the event loop.
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	if wasRunning {
		fw.wg.Wait()
	}

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent{}, false) for events that should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	fileType, ok := classify(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	absPath, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(absPath) != fw.dir {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as its own create.
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{
		Path: event.Name,
		Type: fileType,
		Op:   op,
	}, true
}

// classify reports the file type of an inbox candidate. Hidden files and
// editor temp files are ignored.
func classify(path string) (FileType, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return 0, false
	}
	switch filepath.Ext(base) {
	case ".json":
		return TypeSingle, true
	case ".jsonl":
		return TypeBatch, true
	default:
		return 0, false
	}
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}
