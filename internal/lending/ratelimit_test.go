package lending

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/atmx/lending-engine/internal/metrics"
)

func TestRateLimiter_PerClient(t *testing.T) {
	l := NewRateLimiter(60, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/markets", nil)
		req.RemoteAddr = ip + ":4000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	before := testutil.ToFloat64(metrics.RateLimited)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2"), "budgets are per client")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimited)-before)

	// One request per second refills.
	now = now.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1"))
}

func TestRateLimiter_IgnoresSpoofedHeaders(t *testing.T) {
	l := NewRateLimiter(60, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	codes := make([]int, 0, 3)
	for _, spoofed := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := httptest.NewRequest(http.MethodPost, "/markets", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		req.Header.Set("X-Real-IP", spoofed)
		req.Header.Set("X-Forwarded-For", spoofed)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_SweepForgetsIdleClients(t *testing.T) {
	l := NewRateLimiter(60, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	now = now.Add(visitorIdle + time.Second)
	assert.True(t, l.allow("b"))
	l.Sweep()

	assert.Len(t, l.visitors, 1)
	assert.Contains(t, l.visitors, "b")
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "9.9.9.9:1234", "9.9.9.9"},
		{"real ip header ignored", map[string]string{"X-Real-IP": "1.2.3.4"}, "9.9.9.9:1", "9.9.9.9"},
		{"forwarded header ignored", map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.1"}, "9.9.9.9:1", "9.9.9.9"},
		{"rewritten without port", nil, "5.6.7.8", "5.6.7.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientID(req))
		})
	}
}
