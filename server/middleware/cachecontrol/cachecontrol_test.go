package cachecontrol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResp(status int, hdr map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range hdr {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h}
}

func TestNonGETAlwaysFreshNeverStored(t *testing.T) {
	storeCalled := false
	e := &Engine{
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			t.Fatal("fetch_stored must not be consulted for non-GET")
			return nil, nil
		},
		FetchFresh: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return newResp(200, map[string]string{"Cache-Control": "max-age=60"}), nil
		},
		Store: func(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
			storeCalled = true
			return resp, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "http://example.test/a", nil)
	resp, err := e.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.False(t, storeCalled)
}

func TestRequestNoStoreBypassesCache(t *testing.T) {
	e := &Engine{
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			t.Fatal("must not consult stored cache")
			return nil, nil
		},
		FetchFresh: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return newResp(200, nil), nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req.Header.Set("Cache-Control", "no-store")
	_, err := e.Fetch(context.Background(), req)
	require.NoError(t, err)
}

func TestFreshStoredEntryIsReturnedWithoutFetchFresh(t *testing.T) {
	now := time.Now()
	e := &Engine{
		Now:          func() time.Time { return now },
		MaxCachedAge: -1,
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			return &CacheEntry{
				Response:  newResp(200, map[string]string{"Cache-Control": "max-age=3600"}),
				Timestamp: now.Add(-time.Minute),
			}, nil
		},
		FetchFresh: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			t.Fatal("must not fetch fresh when stored entry is fresh")
			return nil, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	resp, err := e.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestStaleStoredEntryFallsThroughToFresh(t *testing.T) {
	now := time.Now()
	freshCalled := false
	e := &Engine{
		Now:          func() time.Time { return now },
		MaxCachedAge: -1,
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			return &CacheEntry{
				Response:  newResp(200, map[string]string{"Cache-Control": "max-age=10"}),
				Timestamp: now.Add(-time.Hour),
			}, nil
		},
		FetchFresh: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			freshCalled = true
			return newResp(200, nil), nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	_, err := e.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, freshCalled)
}

func TestNotFoundFallsThroughToFreshAndStores(t *testing.T) {
	storeCalled := false
	e := &Engine{
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			return nil, ErrNotFound
		},
		FetchFresh: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return newResp(200, map[string]string{"Cache-Control": "max-age=60"}), nil
		},
		Store: func(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
			storeCalled = true
			return resp, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	resp, err := e.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, storeCalled)
}

func TestUncacheableFreshResponseSkipsStore(t *testing.T) {
	storeCalled := false
	e := &Engine{
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			return nil, ErrNotFound
		},
		FetchFresh: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return newResp(200, nil), nil // no freshness info at all
		},
		Store: func(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
			storeCalled = true
			return resp, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	_, err := e.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, storeCalled)
}

func TestFetchStoredErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	e := &Engine{
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			return nil, boom
		},
	}
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	_, err := e.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, boom)
}

func TestMaxCachedAgeZeroMeansEverythingStale(t *testing.T) {
	now := time.Now()
	freshCalled := false
	e := &Engine{
		Now:          func() time.Time { return now },
		MaxCachedAge: 0,
		FetchStored: func(ctx context.Context, req *http.Request) (*CacheEntry, error) {
			return &CacheEntry{
				Response:  newResp(200, map[string]string{"Cache-Control": "max-age=999999"}),
				Timestamp: now,
			}, nil
		},
		FetchFresh: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			freshCalled = true
			return newResp(200, nil), nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	_, _ = e.Fetch(context.Background(), req)
	assert.True(t, freshCalled, "max_cached_age=0 must treat every stored entry as stale")
}

func TestMaxCachedAgeNegativeOneNeverExpires(t *testing.T) {
	e := &Engine{MaxCachedAge: -1}
	assert.False(t, e.isOlderThanMaxCacheAge(time.Now().Add(-100*365*24*time.Hour)))
}

func TestMaxAgeWinsOverExpiresTieBreak(t *testing.T) {
	now := time.Now()
	e := &Engine{Now: func() time.Time { return now }}
	// Expires is in the past (would mean stale), but max-age says still fresh.
	resp := newResp(200, map[string]string{
		"Cache-Control": "max-age=3600",
		"Expires":       now.Add(-time.Hour).Format(http.TimeFormat),
	})
	assert.False(t, e.isStale(now.Add(-time.Minute), resp))
}

func TestIndeterminateFreshnessIsStale(t *testing.T) {
	e := &Engine{}
	resp := newResp(200, nil)
	assert.True(t, e.isStale(time.Now(), resp))
}

func TestOkToCacheRequiresFreshnessInfo(t *testing.T) {
	ok, reason := OkToCache(http.MethodGet, 200, make(http.Header), make(http.Header))
	assert.False(t, ok)
	assert.Equal(t, "no_freshness_information", reason)
}

func TestOkToCacheRejectsAuthorizationUnlessPublic(t *testing.T) {
	reqHdr := make(http.Header)
	reqHdr.Set("Authorization", "Basic xyz")
	respHdr := make(http.Header)
	respHdr.Set("Cache-Control", "max-age=60")

	ok, reason := OkToCache(http.MethodGet, 200, reqHdr, respHdr)
	assert.False(t, ok)
	assert.Equal(t, "authorized_request_not_public", reason)

	respHdr.Set("Cache-Control", "max-age=60, public")
	ok, _ = OkToCache(http.MethodGet, 200, reqHdr, respHdr)
	assert.True(t, ok)
}

func TestFilterBeforeStoreStripsControlAndHopHeaders(t *testing.T) {
	h := make(http.Header)
	h.Set("Connection", "keep-alive")
	h.Set("X-Ouinet-Sync", "true")
	h.Set("X-Ouinet-Version", "1")
	h.Set("X-Ouinet-Injection-Id", "abc-123")

	FilterBeforeStore(h)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Ouinet-Sync"))
	assert.Empty(t, h.Get("X-Ouinet-Version"))
	assert.Equal(t, "abc-123", h.Get("X-Ouinet-Injection-Id"))
}
