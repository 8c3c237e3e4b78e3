package scraper

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pevans/pagewatch/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

// TestFetch_Success verifies a page body is returned on 200
func TestFetch_Success(t *testing.T) {
	var userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(enrollmentPage))
	}))
	defer server.Close()

	f := NewFetcher(retry.Policy{MaxAttempts: 3}, time.Second, nil)
	body, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, enrollmentPage, string(body))
	assert.Contains(t, userAgent, "pagewatch")
}

// TestFetch_OversizedBody verifies a page larger than the cap is rejected
// rather than truncated, and a page exactly at the cap is accepted
func TestFetch_OversizedBody(t *testing.T) {
	var size atomic.Int64
	size.Store(maxBodySize + 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), int(size.Load())))
	}))
	defer server.Close()

	f := NewFetcher(retry.Policy{MaxAttempts: 1}, 5*time.Second, nil)

	body, err := f.Fetch(context.Background(), server.URL)
	assert.Nil(t, body)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorContains(t, err, "exceeds")

	size.Store(maxBodySize)
	body, err = f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Len(t, body, maxBodySize)
}

// TestFetch_ExactAttemptsOnPersistentFailure verifies the attempt bound
func TestFetch_ExactAttemptsOnPersistentFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var delays []time.Duration
	policy := retry.Policy{MaxAttempts: 4, Initial: 5 * time.Minute, Sleep: noSleep(&delays)}
	f := NewFetcher(policy, time.Second, nil)

	body, err := f.Fetch(context.Background(), server.URL)
	assert.Nil(t, body)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, server.URL, fetchErr.URL)
	assert.Equal(t, 4, fetchErr.Attempts)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	assert.Equal(t, int32(4), hits.Load(), "should make exactly the configured number of attempts")
	assert.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute, 5 * time.Minute}, delays)
}

// TestFetch_RecoversBeforeLimit verifies a later success is returned
func TestFetch_RecoversBeforeLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	var delays []time.Duration
	f := NewFetcher(retry.Policy{MaxAttempts: 5, Initial: time.Second, Sleep: noSleep(&delays)}, time.Second, nil)

	body, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), hits.Load())
}

// TestFetch_NetworkError verifies unreachable hosts fail with FetchError
func TestFetch_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var delays []time.Duration
	f := NewFetcher(retry.Policy{MaxAttempts: 2, Sleep: noSleep(&delays)}, time.Second, nil)

	_, err := f.Fetch(context.Background(), url)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "request failed")
}

// TestFetch_Non2xxStatuses verifies client and server errors fail
func TestFetch_Non2xxStatuses(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusBadGateway} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		f := NewFetcher(retry.Policy{MaxAttempts: 1}, time.Second, nil)
		_, err := f.Fetch(context.Background(), server.URL)

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr, "status %d", code)
		assert.Equal(t, code, statusErr.StatusCode)
		server.Close()
	}
}

// TestFetch_Timeout verifies a slow server is cut off per attempt
func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	f := NewFetcher(retry.Policy{MaxAttempts: 1}, 50*time.Millisecond, nil)

	start := time.Now()
	_, err := f.Fetch(context.Background(), server.URL)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// TestNewFetcher_ZeroAttempts verifies Fetch still terminates
func TestNewFetcher_ZeroAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewFetcher(retry.Policy{}, time.Second, nil)
	_, err := f.Fetch(context.Background(), server.URL)
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
