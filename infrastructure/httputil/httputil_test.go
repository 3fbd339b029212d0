package httputil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWriteErrorResponseDefaultsCodeFromStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, nil, http.StatusBadGateway, "", "upstream unavailable", nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	if body := w.Body.String(); !strings.Contains(body, "HTTP_502") || !strings.Contains(body, "upstream unavailable") {
		t.Fatalf("body = %q", body)
	}
}

func TestWriteErrorResponsePreservesExplicitCode(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, nil, http.StatusRequestTimeout, "REQUEST_TIMEOUT", "request timed out", map[string]any{"timeout_seconds": 30})

	if body := w.Body.String(); !strings.Contains(body, "REQUEST_TIMEOUT") {
		t.Fatalf("body = %q", body)
	}
}

func TestCopyHTTPClientWithTimeoutNilBase(t *testing.T) {
	c := CopyHTTPClientWithTimeout(nil, 5*time.Second, false)
	if c.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v, want 5s", c.Timeout)
	}
}

func TestCopyHTTPClientWithTimeoutDoesNotMutateBase(t *testing.T) {
	base := &http.Client{Timeout: time.Second}
	copied := CopyHTTPClientWithTimeout(base, 30*time.Second, true)

	if base.Timeout != time.Second {
		t.Fatalf("base.Timeout mutated to %v", base.Timeout)
	}
	if copied.Timeout != 30*time.Second {
		t.Fatalf("copied.Timeout = %v, want 30s", copied.Timeout)
	}
}

func TestCopyHTTPClientWithTimeoutRespectsNonZeroWithoutForce(t *testing.T) {
	base := &http.Client{Timeout: 10 * time.Second}
	copied := CopyHTTPClientWithTimeout(base, 30*time.Second, false)
	if copied.Timeout != 10*time.Second {
		t.Fatalf("Timeout = %v, want unchanged 10s", copied.Timeout)
	}
}

func TestDefaultTransportWithMinTLS12EnforcesFloor(t *testing.T) {
	rt := DefaultTransportWithMinTLS12()
	transport, ok := rt.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", rt)
	}
	if transport.TLSClientConfig == nil || transport.TLSClientConfig.MinVersion < tls.VersionTLS12 {
		t.Fatalf("MinVersion = %v, want >= TLS 1.2", transport.TLSClientConfig)
	}
}
