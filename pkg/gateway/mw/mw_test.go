package mw

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got == "" || !strings.HasPrefix(got, "req_") {
		t.Fatalf("request id=%q", got)
	}
	if rec.Header().Get("X-Request-ID") != got {
		t.Fatalf("header=%q, ctx=%q", rec.Header().Get("X-Request-ID"), got)
	}
}

func TestRequestID_PreservesCallerValue(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "req_fixed" {
		t.Fatalf("header=%q", rec.Header().Get("X-Request-ID"))
	}
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Recover(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("log=%q", buf.String())
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/voice/status", nil))

	out := buf.String()
	if !strings.Contains(out, "status=418") || !strings.Contains(out, "/api/voice/status") {
		t.Fatalf("log=%q", out)
	}
}

// hijackWriter is a ResponseWriter whose Hijack records the call, like the
// writer net/http hands to websocket upgrades.
type hijackWriter struct {
	httptest.ResponseRecorder
	hijacked bool
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type flushWriter struct {
	httptest.ResponseRecorder
	flushed bool
}

func (w *flushWriter) Flush() { w.flushed = true }

func TestAccessLog_PreservesHijacker(t *testing.T) {
	h := AccessLog(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("wrapped writer lost http.Hijacker")
			}
			if _, _, err := hj.Hijack(); err != nil {
				t.Fatalf("Hijack: %v", err)
			}
		}))

	under := &hijackWriter{ResponseRecorder: *httptest.NewRecorder()}
	h.ServeHTTP(under, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if !under.hijacked {
		t.Fatal("Hijack did not reach the underlying writer")
	}
}

func TestAccessLog_PreservesFlusher(t *testing.T) {
	h := AccessLog(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f, ok := w.(http.Flusher)
			if !ok {
				t.Fatal("wrapped writer lost http.Flusher")
			}
			f.Flush()
		}))

	under := &flushWriter{ResponseRecorder: *httptest.NewRecorder()}
	h.ServeHTTP(under, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if !under.flushed {
		t.Fatal("Flush did not reach the underlying writer")
	}
}

func TestAccessLog_HijackWithoutSupport(t *testing.T) {
	h := AccessLog(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, _, err := w.(http.Hijacker).Hijack(); err == nil {
				t.Fatal("Hijack on plain recorder succeeded")
			}
		}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
}
