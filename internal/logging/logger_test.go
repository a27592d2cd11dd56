package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewTagsService(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "dispatch-api", "info").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %s", buf.String())
	}
	New(&buf, "dispatch-api", "info").Info("ride matched", "ride_id", "r1")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatal(err)
	}
	if line["service"] != "dispatch-api" || line["ride_id"] != "r1" {
		t.Fatalf("unexpected log line %v", line)
	}
}
