package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	InitWithHandler(slog.NewJSONHandler(&buf, nil))
	return &buf
}

func TestWithContextCarriesIngestScope(t *testing.T) {
	buf := captureJSON(t)

	ctx := context.Background()
	ctx = ContextWithSourceFile(ctx, "feeds/live_074.cnv")
	ctx = ContextWithTick(ctx, 7)
	ctx = ContextWithBatchID(ctx, "b-123")

	WithContext(ctx).Info("file ingested")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line not valid JSON: %v", err)
	}
	if entry["source_file"] != "feeds/live_074.cnv" {
		t.Errorf("source_file = %v", entry["source_file"])
	}
	if entry["tick"] != float64(7) {
		t.Errorf("tick = %v, want 7", entry["tick"])
	}
	if entry["batch_id"] != "b-123" {
		t.Errorf("batch_id = %v", entry["batch_id"])
	}
}

func TestWithContextEmptyContext(t *testing.T) {
	buf := captureJSON(t)

	WithContext(context.Background()).Info("tick complete")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line not valid JSON: %v", err)
	}
	for _, key := range []string{"source_file", "tick", "batch_id"} {
		if _, ok := entry[key]; ok {
			t.Errorf("unexpected %s attribute on bare context", key)
		}
	}
}

func TestComponentAttribute(t *testing.T) {
	buf := captureJSON(t)

	Component("monitor").Info("scan complete")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line not valid JSON: %v", err)
	}
	if entry["component"] != "monitor" {
		t.Errorf("component = %v, want monitor", entry["component"])
	}
}
