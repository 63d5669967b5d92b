package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"camlens/internal/config"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
		wantErr  bool
	}{
		{"", logrus.InfoLevel, false},
		{"debug", logrus.DebugLevel, false},
		{"WARN", logrus.WarnLevel, false},
		{"error", logrus.ErrorLevel, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewWithOutput(config.LogConfig{Level: tt.level}, &bytes.Buffer{})
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error for invalid level")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if logger.GetLevel() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, logger.GetLevel())
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(config.LogConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.WithField("session_id", "abc").Info("カメラを開始しました")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["session_id"] != "abc" || entry["level"] != "info" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(config.LogConfig{Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Debug("hidden")
	logger.WithField("device", "/dev/video0").Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Debug message should be filtered at info level")
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "device=/dev/video0") {
		t.Errorf("Unexpected output: %q", out)
	}
}

func TestNew_InvalidFormat(t *testing.T) {
	if _, err := NewWithOutput(config.LogConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for invalid format")
	}
}
