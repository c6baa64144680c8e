package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{" error ", zerolog.ErrorLevel, false},
		{"loud", zerolog.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "dev.log")

	logger, closer, err := New(Config{Level: "info", File: file, Console: &console, NoColor: true})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "test").Msg("visible")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if out := console.String(); !strings.Contains(out, "visible") || strings.Contains(out, "hidden") {
		t.Errorf("console output = %q", out)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"test"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "nope"}); err == nil {
		t.Error("New() with unknown level should fail")
	}
}
