package logger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	log, closer, err := New(Options{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer closer.Close()

	if log.GetLevel() != zerolog.InfoLevel {
		t.Errorf("Expected info level, got %v", log.GetLevel())
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgersync.log")

	log, closer, err := New(Options{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	log.Debug().Str("transaction_id", "abc").Msg("file message")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"transaction_id":"abc"`) {
		t.Errorf("Expected JSON field in log file, got: %s", data)
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Msg("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	if ctx.Value(LoggerKey) == nil {
		t.Fatal("Expected logger in context, got nil")
	}

	got := FromContext(ctx)
	got.Info().Msg("test")
	if buf.Len() == 0 {
		t.Error("Expected log output from retrieved logger")
	}
}

func TestFromContext_Missing(t *testing.T) {
	log := FromContext(context.Background())
	if log.GetLevel() != zerolog.Disabled {
		t.Errorf("Expected disabled logger, got level %v", log.GetLevel())
	}
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]any{
		"component": "sync",
		"batch":     10,
	})
	log.Info().Msg("test message")

	output := buf.String()
	if !strings.Contains(output, `"component":"sync"`) {
		t.Errorf("Expected component field, got: %s", output)
	}
	if !strings.Contains(output, `"batch":10`) {
		t.Errorf("Expected batch field, got: %s", output)
	}
}
