package cachestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}
}

func TestFetchStoredReturnsErrNotFoundOnMiss(t *testing.T) {
	s := newTestStore(t)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)

	_, err := s.FetchStored(context.Background(), req)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInsertThenFetchStoredRoundTrips(t *testing.T) {
	s := newTestStore(t)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)

	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(bytes.NewBufferString("hello world")),
	}

	descriptor, err := s.Insert(context.Background(), req, resp)
	require.NoError(t, err)
	assert.NotEmpty(t, descriptor)

	entry, err := s.FetchStored(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, entry.Response.StatusCode)
	assert.Equal(t, "text/plain", entry.Response.Header.Get("Content-Type"))

	body, err := io.ReadAll(entry.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestInsertDistinguishesRequestsByURL(t *testing.T) {
	s := newTestStore(t)
	reqA := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	reqB := httptest.NewRequest(http.MethodGet, "http://example.test/b", nil)

	_, err := s.Insert(context.Background(), reqA, &http.Response{
		StatusCode: 200,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewBufferString("A")),
	})
	require.NoError(t, err)

	_, err = s.FetchStored(context.Background(), reqB)
	assert.True(t, errors.Is(err, ErrNotFound))
}
