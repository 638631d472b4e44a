package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/viewtrail/kit"
)

func TestDefaultAPIStack_Headers(t *testing.T) {
	// WHAT: Responses carry security headers and an 8-hex-char trace id.
	// WHY: Every API response should be traceable in the logs.
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if kit.GetTraceID(r.Context()) == "" {
			t.Error("trace id missing from context")
		}
		w.WriteHeader(200)
	})
	stack := DefaultAPIStack(1024)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: got %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q", got)
	}
	if got := w.Header().Get("X-Trace-ID"); len(got) != 8 {
		t.Errorf("X-Trace-ID: got %q, want 8 hex chars", got)
	}
}

func TestMaxBody_RejectsOversizedBody(t *testing.T) {
	// WHAT: Reading past the cap fails.
	// WHY: Upload bodies are bounded.
	var readErr error
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", strings.NewReader("too long")))
	if readErr == nil {
		t.Fatal("expected read error for oversized body")
	}
}
