package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggerLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			logger = nil
			if err := InitLogger(level, "console", ""); err != nil {
				t.Fatalf("InitLogger(%q) error = %v", level, err)
			}
			if logger == nil {
				t.Fatal("logger should be set after InitLogger")
			}
			Debugf("debug %d", 1)
			Infof("info %d", 2)
			Warnf("warn %d", 3)
			Errorf("error %d", 4)
		})
	}
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	logger = nil
	if err := InitLogger("chatty", "console", ""); err == nil {
		t.Error("InitLogger() should reject an unknown level")
	}
}

func TestInitLoggerWithFile(t *testing.T) {
	logger = nil

	logFile := filepath.Join(t.TempDir(), "pool.log")
	if err := InitLogger("info", "json", logFile); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	Infof("block %d found", 42)
	Sync()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "block 42 found") {
		t.Errorf("log file = %q, want entry", data)
	}
}

func TestInitLoggerInvalidFile(t *testing.T) {
	logger = nil
	if err := InitLogger("info", "console", "/nonexistent/path/test.log"); err == nil {
		t.Error("InitLogger() should return error for invalid file path")
	}
}

func TestLogReturnsDefaultLogger(t *testing.T) {
	logger = nil
	if Log() == nil {
		t.Error("Log() should return a logger even when not initialized")
	}
}
