package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewFileWatcher verifies that creating a new FileWatcher succeeds.
func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

// TestFileWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestFileWatcher_StartStop(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}

	if err := fw.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}

	if err := fw.Start(t.TempDir()); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("Second Stop() failed: %v", err)
	}
	if err := fw.Start(t.TempDir()); err == nil {
		t.Error("Start() after Stop() should fail")
	}
}

// TestFileWatcher_MissingDir verifies that watching a missing directory fails.
func TestFileWatcher_MissingDir(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Start() should fail for a missing directory")
	}
}

// nextEvent waits for the next event on path, skipping events for other files.
func nextEvent(t *testing.T, fw *FileWatcher, name string) FileEvent {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-fw.Events():
			if filepath.Base(event.Path) == name {
				return event
			}
		case <-timeout:
			t.Fatalf("Timeout waiting for event on %s", name)
		}
	}
}

func TestFileWatcher_InboxFileCreated(t *testing.T) {
	dir := t.TempDir()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "coffee.json"), []byte(`{}`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	event := nextEvent(t, fw, "coffee.json")
	if event.Type != TypeSingle {
		t.Errorf("Expected TypeSingle, got %v", event.Type)
	}
	if event.Op != OpCreate {
		t.Errorf("Expected OpCreate, got %v", event.Op)
	}

	if err := os.WriteFile(filepath.Join(dir, "bank.jsonl"), []byte("{}\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	event = nextEvent(t, fw, "bank.jsonl")
	if event.Type != TypeBatch {
		t.Errorf("Expected TypeBatch, got %v", event.Type)
	}
}

func TestFileWatcher_InboxFileModified(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coffee.json")
	if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"category":"coffee"}`), 0644); err != nil {
		t.Fatalf("Failed to update file: %v", err)
	}
	if event := nextEvent(t, fw, "coffee.json"); event.Op != OpModify {
		t.Errorf("Expected OpModify, got %v", event.Op)
	}
}

func TestFileWatcher_InboxFileDeleted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coffee.json")
	if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to delete file: %v", err)
	}
	if event := nextEvent(t, fw, "coffee.json"); event.Op != OpDelete {
		t.Errorf("Expected OpDelete, got %v", event.Op)
	}
}

// TestFileWatcher_OtherFilesIgnored verifies that non-import files are ignored.
func TestFileWatcher_OtherFilesIgnored(t *testing.T) {
	dir := t.TempDir()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	for _, name := range []string{"readme.txt", ".hidden.json", "draft.json~"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	select {
	case event := <-fw.Events():
		t.Errorf("Should not receive event for non-import file, got: %+v", event)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path   string
		want   FileType
		wantOK bool
	}{
		{"inbox/a.json", TypeSingle, true},
		{"inbox/a.jsonl", TypeBatch, true},
		{"inbox/a.json.tmp", 0, false},
		{"inbox/.a.json", 0, false},
		{"inbox/a.json~", 0, false},
		{"inbox/a.csv", 0, false},
	}
	for _, tt := range tests {
		got, ok := classify(tt.path)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("classify(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
