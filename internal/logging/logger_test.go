package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"recordable/server/internal/config"
)

func TestWriterLoggerEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, InfoLevel).With(String("component", "test"))
	logger.Debug("hidden")
	logger.Info("stored", Int("bytes", 27), Error(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug entry to be filtered, got %d lines", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["message"] != "stored" || entry["component"] != "test" || entry["error"] != "boom" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry["bytes"].(float64) != 27 {
		t.Fatalf("expected bytes field, got %#v", entry["bytes"])
	}
}

type stringID string

func (s stringID) String() string { return string(s) }

func TestDomainFieldsAndEnvelopePrecedence(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, DebugLevel).With(Recording("rec-1"))
	logger.Info("recording stored", ScoreID(stringID("4b9e")), SoundID(7), Bytes(51), String("message", "shadowed"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["recording"] != "rec-1" || entry["score_id"] != "4b9e" {
		t.Fatalf("unexpected identifiers %#v", entry)
	}
	if entry["sound_id"].(float64) != 7 || entry["bytes"].(float64) != 51 {
		t.Fatalf("unexpected counters %#v", entry)
	}
	if entry["message"] != "recording stored" {
		t.Fatalf("expected the envelope message to win, got %#v", entry["message"])
	}
}

func TestParseLevel(t *testing.T) {
	if level, err := ParseLevel("WARNING"); err != nil || level != WarnLevel {
		t.Fatalf("expected warn level, got %v err=%v", level, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestContextLoggerFallsBackToGlobal(t *testing.T) {
	if LoggerFromContext(context.Background()) != L() {
		t.Fatalf("expected global logger without context logger")
	}
	custom := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), custom)
	if LoggerFromContext(ctx) != custom {
		t.Fatalf("expected context logger")
	}
}

func TestHTTPTraceMiddlewarePropagatesIncomingID(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc123" || rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("expected trace id to propagate, got context=%q header=%q", seen, rec.Header().Get(TraceIDHeader))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if len(rec.Header().Get(TraceIDHeader)) != 32 {
		t.Fatalf("expected generated trace id, got %q", rec.Header().Get(TraceIDHeader))
	}
}

func TestRotatingWriterCompressesBackups(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Logging{Path: filepath.Join(dir, "server.log"), MaxSizeMB: 1, MaxBackups: 2, Compress: true}
	writer, err := newRotatingWriter(cfg)
	if err != nil {
		t.Fatalf("new rotating writer: %v", err)
	}
	writer.maxSize = 16
	for i := 0; i < 3; i++ {
		if _, err := writer.Write([]byte("0123456789abcdef")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	compressed := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".gz") {
			compressed++
		}
	}
	if compressed == 0 {
		t.Fatalf("expected gzip backups, found %v", entries)
	}
}
