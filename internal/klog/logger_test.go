package klog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelWarn, Output: &buf})
	l.Debug("hidden")
	l.Info("also hidden")
	l.Warn("visible", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug/info should be filtered at warn level, got %q", out)
	}
	if !strings.Contains(out, "visible key=value") {
		t.Fatalf("expected formatted warn line, got %q", out)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("should not panic")
}

func TestDefaultSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("Default() should return the same instance")
	}
}
