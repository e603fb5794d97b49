package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// firingTimer fires as soon as it is started and records the waits asked of it.
type firingTimer struct {
	c     chan time.Time
	waits *[]time.Duration
}

func (t *firingTimer) Start(d time.Duration) {
	if t.waits != nil {
		*t.waits = append(*t.waits, d)
	}
	t.c <- time.Time{}
}
func (t *firingTimer) Stop()               {}
func (t *firingTimer) C() <-chan time.Time { return t.c }

func instant(waits *[]time.Duration) func() backoff.Timer {
	return func() backoff.Timer {
		return &firingTimer{c: make(chan time.Time, 1), waits: waits}
	}
}

// stalledTimer never fires; starting it runs onStart instead.
type stalledTimer struct{ onStart func() }

func (t *stalledTimer) Start(time.Duration)  { t.onStart() }
func (t *stalledTimer) Stop()                {}
func (t *stalledTimer) C() <-chan time.Time { return nil }

func getter(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestRetrier_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var waits []time.Duration
	r := NewRetrier(5, 10*time.Millisecond, nil)
	r.timer = instant(&waits)

	resp, err := r.Do(context.Background(), srv.Client(), getter(srv.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, waits, 2)
	for _, w := range waits {
		assert.GreaterOrEqual(t, w, 5*time.Millisecond)
		assert.LessOrEqual(t, w, 450*time.Millisecond)
	}
}

func TestRetrier_StopsAtCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRetrier(2, time.Millisecond, nil)
	r.timer = instant(nil)

	_, err := r.Do(context.Background(), srv.Client(), getter(srv.URL))
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetrier_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRetrier(4, time.Millisecond, nil)
	r.timer = instant(nil)

	_, err := r.Do(context.Background(), srv.Client(), getter(srv.URL))
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	assert.Contains(t, err.Error(), "bad token")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetrier_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(3, time.Hour, nil)
	r.timer = func() backoff.Timer { return &stalledTimer{onStart: cancel} }

	_, err := r.Do(ctx, srv.Client(), getter(srv.URL))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSharedHTTPClient_DefaultTimeout(t *testing.T) {
	c := SharedHTTPClient(0)
	assert.Equal(t, 60*time.Second, c.Timeout)
}

func TestRetryingDoer_ReplaysBodyAndReturnsFinalResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewRetrier(3, time.Millisecond, nil)
	r.timer = instant(nil)
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := r.Doer(srv.Client()).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func poster(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(`{"text":"oi"}`))
	}
}

func TestRetrier_SendDoesNotRepeatServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRetrier(4, time.Millisecond, nil)
	r.timer = instant(nil)

	_, err := r.Send(context.Background(), srv.Client(), poster(srv.URL))
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetrier_SendRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"id":"m1"}`))
	}))
	defer srv.Close()

	r := NewRetrier(4, time.Millisecond, nil)
	r.timer = instant(nil)

	resp, err := r.Send(context.Background(), srv.Client(), poster(srv.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetrier_SendRetriesRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var waits []time.Duration
	r := NewRetrier(3, time.Millisecond, nil)
	r.timer = instant(&waits)

	_, err := r.Send(context.Background(), http.DefaultClient, poster(url))
	require.Error(t, err)
	assert.Len(t, waits, 2)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}
