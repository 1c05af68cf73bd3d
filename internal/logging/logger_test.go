package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/contentflow/internal/logging"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("step completed", logging.Task("task-1"), logging.Error(errors.New("boom")))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "step completed" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["level"] != "info" {
		t.Errorf("level = %v, want info", record["level"])
	}
	if record[logging.FieldTaskID] != "task-1" {
		t.Errorf("task_id = %v", record[logging.FieldTaskID])
	}
	if record[logging.FieldError] != "boom" {
		t.Errorf("error = %v", record[logging.FieldError])
	}
	if _, ok := record["ts"]; !ok {
		t.Error("expected ts key")
	}
}

func TestConsoleLoggerIncludesSourceOnlyForDebug(t *testing.T) {
	for _, tc := range []struct {
		level      string
		wantSource bool
	}{
		{"info", false},
		{"debug", true},
	} {
		var buf bytes.Buffer
		logger, err := logging.New(logging.Options{Format: "console", Level: tc.level, Output: &buf})
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		logger.Info("message")

		if got := strings.Contains(buf.String(), ".go:"); got != tc.wantSource {
			t.Errorf("level %s: source present = %v, want %v (%q)", tc.level, got, tc.wantSource, buf.String())
		}
	}
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "invalid", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug message logged at default level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info message missing")
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNonTerminalDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hello")

	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "orchestrator.log")
	logger, err := logging.New(logging.Options{Format: "json", Path: path})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("to file")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "to file") {
		t.Errorf("log file missing message: %q", content)
	}
}

func TestComponentLoggerToleratesNil(t *testing.T) {
	logger := logging.NewComponentLogger(nil, "engine")
	if logger == nil {
		t.Fatal("expected logger instance")
	}
	logger.Info("discarded")
}
