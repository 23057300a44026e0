package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sesrelay/internal/types"

	"github.com/sony/gobreaker/v2"
)

func noopSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		policy,
		"sesrelay-test/1.0",
		opts...,
	)
}

func get(t *testing.T, ctx context.Context, c *BaseClient, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return c.Do(req)
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("-----BEGIN CERTIFICATE-----"))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	resp, err := get(t, context.Background(), client, server.URL+"/cert.pem")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "-----BEGIN CERTIFICATE-----" {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsHeaders(t *testing.T) {
	var gotID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	ctx := types.WithRequestID(context.Background(), "req-abc-123")

	resp, err := get(t, ctx, client, server.URL)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if gotID != "req-abc-123" {
		t.Errorf("expected request ID 'req-abc-123', got '%s'", gotID)
	}
	if gotUA != "sesrelay-test/1.0" {
		t.Errorf("expected User-Agent 'sesrelay-test/1.0', got '%s'", gotUA)
	}
}

func TestDo_RetriesOn500(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond})

	resp, err := get(t, context.Background(), client, server.URL)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	resp.Body.Close()

	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", n)
	}
}

func TestDo_ExhaustedRetriesMapToUpstreamUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	_, err := get(t, context.Background(), client, server.URL)
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable, got: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestDo_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	_, err := get(t, context.Background(), client, server.URL)
	if !types.IsCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Fatalf("expected upstream_rate_limited, got: %v", err)
	}
}

func TestDo_4xxReturnedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	resp, err := get(t, context.Background(), client, server.URL)
	if err != nil {
		t.Fatalf("expected response, got error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestDo_OpenBreakerStopsCalls(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		Timeout:     time.Minute,
	})
	client := newTestClient(t, RetryPolicy{MaxRetries: 5, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		WithBreaker(breaker))

	_, err := get(t, context.Background(), client, server.URL)
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable, got: %v", err)
	}
	if !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("expected breaker message, got: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected the breaker to stop after 1 call, got %d", n)
	}
}

func TestDo_RejectsBody(t *testing.T) {
	client := newTestClient(t, DefaultRetryPolicy())
	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:1", strings.NewReader("x"))

	_, err := client.Do(req)
	if !types.IsCode(err, types.ErrCodeInternalUnexpected) {
		t.Fatalf("expected internal error, got: %v", err)
	}
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, RetryPolicy{MaxRetries: 5, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		WithSleepFunc(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))

	_, err := get(t, ctx, client, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestComputeBackoff_RespectsBounds(t *testing.T) {
	client := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond})

	for attempt := 0; attempt < 6; attempt++ {
		d := client.computeBackoff(attempt, nil)
		if d < 10*time.Millisecond || d > 50*time.Millisecond {
			t.Errorf("attempt %d: backoff %s outside [10ms, 50ms]", attempt, d)
		}
	}

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"120"}}}
	if d := client.computeBackoff(0, resp); d != 50*time.Millisecond {
		t.Errorf("expected Retry-After clamped to MaxWait, got %s", d)
	}
}
