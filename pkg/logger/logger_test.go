package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type logRecord struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	Key   string `json:"credential_id"`
}

func TestSetupJSON(t *testing.T) {
	original := Logger
	defer func() {
		Logger = original
		_ = SetLevel("info")
	}()

	var buf bytes.Buffer
	if err := Setup(&buf, "json", "debug"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		fn    func(msg string, args ...any)
		level string
	}{
		{"Info", Info, "INFO"},
		{"Error", Error, "ERROR"},
		{"Warn", Warn, "WARN"},
		{"Debug", Debug, "DEBUG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.fn("pool event", "credential_id", "k1")

			var rec logRecord
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("unmarshal log output: %v", err)
			}
			if rec.Level != tt.level {
				t.Errorf("expected level %q, got %q", tt.level, rec.Level)
			}
			if rec.Msg != "pool event" || rec.Key != "k1" {
				t.Errorf("unexpected record %+v", rec)
			}
		})
	}
}

func TestSetLevelFilters(t *testing.T) {
	original := Logger
	defer func() {
		Logger = original
		_ = SetLevel("info")
	}()

	var buf bytes.Buffer
	if err := Setup(&buf, "text", "warn"); err != nil {
		t.Fatal(err)
	}
	Info("hidden")
	Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn message missing")
	}
}

func TestSetupErrors(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(&buf, "xml", "info"); err == nil {
		t.Error("expected error for unknown format")
	}
	if err := SetLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
