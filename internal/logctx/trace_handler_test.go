package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	return entry
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{})))
}

// TestTraceHandler_PlainContext verifies that nothing is injected without span or download id.
func TestTraceHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).InfoContext(context.Background(), "verifying package", "size", 42)

	entry := decodeLine(t, &buf)
	for _, key := range []string{"trace_id", "span_id", "download_id"} {
		if _, exists := entry[key]; exists {
			t.Errorf("%s should not be present, got: %v", key, entry[key])
		}
	}

	if entry["msg"] != "verifying package" {
		t.Errorf("expected msg='verifying package', got: %v", entry["msg"])
	}
}

// TestTraceHandler_DownloadID verifies the download id travels from the context into the record.
func TestTraceHandler_DownloadID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithDownloadID(context.Background(), "A1")
	newTestLogger(&buf).InfoContext(ctx, "download started")

	entry := decodeLine(t, &buf)
	if entry["download_id"] != "A1" {
		t.Errorf("expected download_id='A1', got: %v", entry["download_id"])
	}
}

func TestDownloadIDFromContext_Empty(t *testing.T) {
	if _, ok := DownloadIDFromContext(WithDownloadID(context.Background(), "")); ok {
		t.Error("empty download id should not be reported")
	}
}

type fixedSpan struct {
	trace.Span
	spanContext trace.SpanContext
}

func (s *fixedSpan) SpanContext() trace.SpanContext {
	return s.spanContext
}

// TestTraceHandler_WithValidSpan verifies trace fields are injected for a valid span context.
func TestTraceHandler_WithValidSpan(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	span := &fixedSpan{spanContext: trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})}

	var buf bytes.Buffer
	ctx := trace.ContextWithSpan(context.Background(), span)
	newTestLogger(&buf).InfoContext(ctx, "install progress")

	entry := decodeLine(t, &buf)
	if entry["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace_id: %v", entry["trace_id"])
	}

	if entry["span_id"] != "00f067aa0ba902b7" {
		t.Errorf("unexpected span_id: %v", entry["span_id"])
	}
}

// TestTraceHandler_Enabled verifies that Enabled delegates to inner handler.
func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Errorf("expected Info level to be disabled when handler level is Warn")
	}

	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Errorf("expected Error level to be enabled")
	}
}

// TestTraceHandler_WithAttrsAndGroup verifies derived handlers stay TraceHandlers.
func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{}))

	if _, ok := h.WithAttrs([]slog.Attr{slog.String("component", "controller")}).(*TraceHandler); !ok {
		t.Error("WithAttrs should return *TraceHandler")
	}

	if _, ok := h.WithGroup("install").(*TraceHandler); !ok {
		t.Error("WithGroup should return *TraceHandler")
	}
}

func TestTraceHandler_NilHandler(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("NewTraceHandler with nil handler should panic")
		}
	}()

	NewTraceHandler(nil)
}
