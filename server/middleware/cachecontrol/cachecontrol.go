// Package cachecontrol implements the injector's cache-control decision
// engine (spec.md §4.4, C4): whether to serve a stored entry, and whether a
// freshly-fetched response is worth injecting.
//
// The engine never talks to the store or the origin directly. It is handed
// three collaborator callbacks (spec.md §9's "abstract collaborator
// interface"): FetchStored, FetchFresh and Store — mirroring the teacher's
// middleware.RoundTripperFunc chain, generalized from "serve from disk or
// upstream" to "serve from the cache store or the origin".
package cachecontrol

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/omalloc/injector/internal/constants"
	"github.com/omalloc/injector/pkg/x/http/cachecontrol"
)

// ErrNotFound is returned by FetchStored when the cache has no entry.
var ErrNotFound = errors.New("cachecontrol: entry not found")

// CacheEntry is the ⟨stored_response, stored_timestamp⟩ tuple returned by
// the external store (spec.md §3).
type CacheEntry struct {
	Response  *http.Response
	Timestamp time.Time
}

// FetchStored looks an entry up by request; it returns ErrNotFound on miss.
type FetchStored func(ctx context.Context, req *http.Request) (*CacheEntry, error)

// FetchFresh performs the origin fetch for req (already resolved/dialed by
// the caller — the cache-control engine does not own connection setup).
type FetchFresh func(ctx context.Context, req *http.Request) (*http.Response, error)

// Store persists (req, resp) and returns the (possibly decorated) response
// that should go back to the client — e.g. with X-Ouinet-Descriptor set.
type Store func(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error)

// Engine is the decision-tree policy of spec.md §4.4.
type Engine struct {
	FetchStored FetchStored
	FetchFresh  FetchFresh
	Store       Store

	// MaxCachedAge bounds how old a stored entry may be before it is
	// treated as stale regardless of its own freshness headers.
	// -1 means unbounded; 0 means "cache nothing" (every entry is stale).
	MaxCachedAge time.Duration

	// Now defaults to time.Now; overridable in tests.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Fetch implements the decision tree of spec.md §4.4.
func (e *Engine) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	// 1. Only GET is cache-eligible.
	if req.Method != http.MethodGet {
		return e.FetchFresh(ctx, req)
	}

	// 2. Request forbids caching.
	if requestForbidsCaching(req.Header) {
		return e.FetchFresh(ctx, req)
	}

	// 3. Attempt fetch_stored.
	entry, err := e.FetchStored(ctx, req)
	switch {
	case err == nil && entry != nil:
		if !e.isStale(entry.Timestamp, entry.Response) && !e.isOlderThanMaxCacheAge(entry.Timestamp) {
			return entry.Response, nil
		}
		// fall through: stale or too old, re-fetch.
	case errors.Is(err, ErrNotFound):
		// fall through: no entry.
	case err != nil:
		return nil, err
	}

	// 4. fetch_fresh, then try_to_cache.
	resp, err := e.FetchFresh(ctx, req)
	if err != nil {
		return nil, err
	}

	if cacheable, _ := OkToCache(req.Method, resp.StatusCode, req.Header, resp.Header); cacheable {
		resp, err = e.Store(ctx, req, resp)
		if err != nil {
			return nil, err
		}
	}

	// 5. Return the fresh response.
	return resp, nil
}

// requestForbidsCaching reports Cache-Control: no-store/no-cache or
// Pragma: no-cache on the request.
func requestForbidsCaching(h http.Header) bool {
	ctrl := cachecontrol.Parse(h.Get("Cache-Control"))
	if ctrl.NoStore() || ctrl.NoCache() {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(h.Get("Pragma")), "no-cache")
}

// isStale implements spec.md §4.4's is_stale(t, r).
func (e *Engine) isStale(t time.Time, r *http.Response) bool {
	if r == nil {
		return true
	}
	ctrl := cachecontrol.Parse(r.Header.Get("Cache-Control"))

	// (a) Cache-Control: no-cache
	if ctrl.NoCache() {
		return true
	}

	now := e.now()

	// (b)/(tie-break) max-age wins over Expires when both are present.
	if ctrl.HasMaxAge() {
		return now.Sub(t) > ctrl.MaxAge()
	}

	// (c) Expires earlier than now.
	if expires := r.Header.Get("Expires"); expires != "" {
		if exp, err := http.ParseTime(expires); err == nil {
			return exp.Before(now)
		}
		// unparsable Expires is indeterminate -> stale (tie-break rule).
		return true
	}

	// (d) heuristic freshness via Last-Modified, capped at 24h.
	if lm := r.Header.Get("Last-Modified"); lm != "" {
		if lastMod, err := http.ParseTime(lm); err == nil {
			heuristic := t.Sub(lastMod) / 10
			if heuristic > 24*time.Hour {
				heuristic = 24 * time.Hour
			}
			if heuristic < 0 {
				return true
			}
			return now.Sub(t) > heuristic
		}
	}

	// indeterminate freshness -> treat as stale.
	return true
}

// isOlderThanMaxCacheAge implements spec.md §4.4's
// is_older_than_max_cache_age(t).
func (e *Engine) isOlderThanMaxCacheAge(t time.Time) bool {
	if e.MaxCachedAge < 0 {
		return false
	}
	if e.MaxCachedAge == 0 {
		return true
	}
	return e.now().Sub(t) > e.MaxCachedAge
}

// OkToCache implements spec.md §4.4's ok_to_cache(req_hdr, resp_hdr),
// returning a machine-readable reason string alongside the verdict for
// logging.
func OkToCache(method string, statusCode int, reqHdr, respHdr http.Header) (bool, string) {
	if method != http.MethodGet {
		return false, "method_not_get"
	}
	if !cacheableStatus(statusCode) {
		return false, "status_not_cacheable"
	}

	reqCtrl := cachecontrol.Parse(reqHdr.Get("Cache-Control"))
	respCtrl := cachecontrol.Parse(respHdr.Get("Cache-Control"))
	if reqCtrl.NoStore() || respCtrl.NoStore() {
		return false, "no_store"
	}

	if reqHdr.Get("Authorization") != "" && !respCtrl.Public() {
		return false, "authorized_request_not_public"
	}

	if !respCtrl.HasMaxAge() && respHdr.Get("Expires") == "" && respHdr.Get("Last-Modified") == "" {
		return false, "no_freshness_information"
	}

	return true, ""
}

func cacheableStatus(code int) bool {
	switch code {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

// hopByHopHeaders is the exact set named by spec.md §4.5, distinct from the
// teacher's broader RFC 7230 list (which also strips Te/Trailer/
// Proxy-Connection/Proxy-Authorization — headers this spec doesn't name).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Public", "Proxy-Authenticate",
	"Transfer-Encoding", "Upgrade",
}

// StripHopByHop removes exactly the hop-by-hop header set spec.md §4.5
// names, in place.
func StripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// FilterBeforeStore implements spec.md §4.4's filter_before_store(resp): it
// strips hop-by-hop headers and the X-Ouinet-Sync/X-Ouinet-Version control
// headers, preserving X-Ouinet-Injection-Id since the descriptor references
// it.
func FilterBeforeStore(h http.Header) {
	StripHopByHop(h)
	h.Del(constants.SyncHeader)
	h.Del(constants.VersionHeader)
}
