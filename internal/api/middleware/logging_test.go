package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})))
	return &buf
}

func TestStructuredLoggerDefaultStatus(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls/active", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if logEntry["method"] != "GET" {
		t.Fatalf("expected method GET, got %v", logEntry["method"])
	}
	if logEntry["path"] != "/api/v1/calls/active" {
		t.Fatalf("expected path /api/v1/calls/active, got %v", logEntry["path"])
	}
	// JSON numbers decode as float64.
	if logEntry["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", logEntry["status"])
	}
	if logEntry["bytes"] != float64(2) {
		t.Fatalf("expected 2 body bytes, got %v", logEntry["bytes"])
	}
	if _, ok := logEntry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms in log output")
	}
}

func TestStructuredLoggerExplicitStatus(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/missing", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if logEntry["method"] != "POST" {
		t.Fatalf("expected method POST, got %v", logEntry["method"])
	}
	if logEntry["status"] != float64(404) {
		t.Fatalf("expected status 404, got %v", logEntry["status"])
	}
}

func TestStructuredLoggerDoubleWriteHeader(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError) // Should be ignored.
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if logEntry["status"] != float64(201) {
		t.Fatalf("expected first status 201, got %v", logEntry["status"])
	}
}

func TestStructuredLoggerHealthAtDebug(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if buf.Len() != 0 {
		t.Fatalf("health check logged at info: %s", buf.String())
	}

	buf = captureLogs(t, slog.LevelDebug)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if buf.Len() == 0 {
		t.Fatal("health check missing from debug logs")
	}
}

func TestStructuredLoggerIncludesAccountID(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls/active", nil)
	req = req.WithContext(context.WithValue(req.Context(), accountIDKey, int64(42)))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if logEntry["account_id"] != float64(42) {
		t.Fatalf("expected account_id 42, got %v", logEntry["account_id"])
	}
}

func TestStatusWriterDefaultStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rr, status: http.StatusOK}

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if w.status != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", w.status)
	}
	if w.bytes != 5 {
		t.Fatalf("expected 5 bytes written, got %d", w.bytes)
	}
}

func TestStatusWriterCapturesStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rr, status: http.StatusOK}

	w.WriteHeader(http.StatusBadRequest)

	if w.status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.status)
	}
}
