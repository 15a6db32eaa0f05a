package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := parseLevel(input); got != expected {
			t.Fatalf("parseLevel(%q): expected %s, got %s", input, expected, got)
		}
	}
}

func TestNewLoggerWritesRollingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "propertysync.log")
	logger, err := NewLogger(Options{Level: "warn", File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}

	logger.Info("filtered by level")
	logger.Warn("sync pass aborted")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
	if !strings.Contains(string(contents), "sync pass aborted") {
		t.Fatalf("expected warn entry in log file, got %q", contents)
	}
	if strings.Contains(string(contents), "filtered by level") {
		t.Fatalf("did not expect info entry in log file")
	}
}
