// Package cachestore is the pebble-backed reference implementation of the
// external CacheInjector/fetch_stored contract spec.md §3/§4.4/§4.5
// describe abstractly: an on-disk ordered KV. main.go opens it whatever
// `--default-db` says; there is no bep44 (DHT-announced, content-addressed
// records) backend.
//
// Grounded on the teacher's storage/indexdb/pebble/pebble.go and
// storage/sharedkv/kv_pebble.go, which already wrap *pebble.DB behind a
// narrow Get/Set/Delete surface with a pluggable encoding.Codec. Records
// here use CBOR (github.com/fxamacker/cbor/v2) instead of the teacher's
// JSON-family codec and compress bodies with brotli
// (github.com/andybalholm/brotli) — both pack dependencies the teacher's
// go.mod already carries but that storage/indexdb/pebble/pebble.go never
// exercised; wiring them into the storage-layer record format gives them a
// home distinct from the client-facing zlib descriptor encoding in
// internal/descriptor (a different wire boundary).
package cachestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cockroachdb/pebble/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/omalloc/injector/server/middleware/cachecontrol"
)

// ErrNotFound satisfies cachecontrol.ErrNotFound's contract: ErrNotFound is
// returned directly from FetchStored on miss, matching the Engine's
// errors.Is(err, ErrNotFound) check.
var ErrNotFound = cachecontrol.ErrNotFound

// record is the on-disk CBOR encoding of one cached response.
type record struct {
	StatusCode int
	Header     http.Header
	Body       []byte // brotli-compressed
	Timestamp  int64  // unix nanos
}

// Store is a pebble-backed cache keyed by request URL.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a pebble store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cachestore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pebble handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func cacheKey(req *http.Request) []byte {
	sum := sha256.Sum256([]byte(req.Method + " " + req.URL.String()))
	return []byte(hex.EncodeToString(sum[:]))
}

// FetchStored implements cachecontrol.FetchStored: looks up req's entry and
// reconstructs the stored *http.Response, or returns ErrNotFound on miss.
func (s *Store) FetchStored(ctx context.Context, req *http.Request) (*cachecontrol.CacheEntry, error) {
	buf, closer, err := s.db.Get(cacheKey(req))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cachestore: get failed: %w", err)
	}
	defer closer.Close()

	var rec record
	if err := cbor.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("cachestore: decode record failed: %w", err)
	}

	body, err := decompress(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("cachestore: decompress body failed: %w", err)
	}

	resp := &http.Response{
		StatusCode: rec.StatusCode,
		Header:     rec.Header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}

	return &cachecontrol.CacheEntry{
		Response:  resp,
		Timestamp: time.Unix(0, rec.Timestamp),
	}, nil
}

// Insert implements injection.CacheInjector: persists (req, resp) and
// returns opaque descriptor bytes — here, the content-addressing key
// (sha256 of method+URL) CBOR-wrapped with the insertion timestamp, which
// is what internal/descriptor zlib/base64-encodes for the client.
func (s *Store) Insert(ctx context.Context, req *http.Request, resp *http.Response) ([]byte, error) {
	var body []byte
	if resp.Body != nil {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("cachestore: read response body failed: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		body = raw
	}

	now := time.Now()
	compressed, err := compress(body)
	if err != nil {
		return nil, fmt.Errorf("cachestore: compress body failed: %w", err)
	}

	rec := record{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       compressed,
		Timestamp:  now.UnixNano(),
	}

	encoded, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("cachestore: encode record failed: %w", err)
	}

	key := cacheKey(req)
	if err := s.db.Set(key, encoded, pebble.NoSync); err != nil {
		return nil, fmt.Errorf("cachestore: set failed: %w", err)
	}

	descriptor, err := cbor.Marshal(struct {
		Key       string
		Timestamp int64
	}{Key: string(key), Timestamp: now.UnixNano()})
	if err != nil {
		return nil, fmt.Errorf("cachestore: encode descriptor failed: %w", err)
	}

	return descriptor, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(r)
}
