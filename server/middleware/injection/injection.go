// Package injection implements the injector's fetch_fresh dispatch and
// store pipeline (spec.md §4.5, C5): stripping hop-by-hop headers before
// the origin round trip, tagging responses with an injection id, and
// pushing accepted responses into the external cache store either
// synchronously (descriptor inline) or asynchronously (fire-and-forget).
package injection

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/omalloc/injector/contrib/log"
	"github.com/omalloc/injector/internal/constants"
	"github.com/omalloc/injector/internal/descriptor"
	"github.com/omalloc/injector/server/middleware/cachecontrol"
)

// CacheInjector is the external store's insert contract (spec.md §4.5 step
// 3). It returns the serialized descriptor bytes on success.
type CacheInjector func(ctx context.Context, req *http.Request, resp *http.Response) ([]byte, error)

// Pipeline wires a RoundTripper (the origin connector) and a CacheInjector
// into the fetch_fresh / store behavior the cache-control engine expects.
type Pipeline struct {
	// RoundTrip performs the actual origin dispatch, already resolved and
	// dialed by the caller (C3's Connector.Fetch, adapted to this shape).
	RoundTrip func(ctx context.Context, req *http.Request) (*http.Response, error)

	Insert CacheInjector
}

// hopByHopHeaders mirrors cachecontrol.StripHopByHop's set (spec.md §4.5).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Public", "Proxy-Authenticate",
	"Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// FetchFresh implements spec.md §4.5's fetch_fresh: strip hop-by-hop
// headers, force keep-alive, dispatch, and tag the response with a fresh
// injection id.
func (p *Pipeline) FetchFresh(ctx context.Context, req *http.Request) (*http.Response, error) {
	stripHopByHop(req.Header)
	req.Close = false
	req.Header.Del("Connection")

	resp, err := p.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}

	resp.Header.Set(constants.InjectionIDHeader, uuid.NewString())
	return resp, nil
}

// Store implements spec.md §4.5's store(req, resp): sync injections block
// on the insert and carry the descriptor back to the client; async
// injections fire-and-forget and log their own outcome.
func (p *Pipeline) Store(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
	sync := strings.EqualFold(req.Header.Get(constants.SyncHeader), constants.SyncValue)

	storeReq := req.Clone(ctx)
	storeReq.Header.Del(constants.SyncHeader)

	injectionID := resp.Header.Get(constants.InjectionIDHeader)
	if injectionID == "" {
		// Should never happen: fetch_fresh always tags the response first.
		injectionID = uuid.NewString()
		resp.Header.Set(constants.InjectionIDHeader, injectionID)
	}

	cachecontrol.FilterBeforeStore(resp.Header)

	if sync {
		raw, err := p.Insert(ctx, storeReq, resp)
		if err != nil {
			log.Context(ctx).Errorw("msg", "sync injection failed", "injection_id", injectionID, "err", err)
			return resp, nil
		}
		encoded, err := descriptor.Encode(raw)
		if err != nil {
			log.Context(ctx).Errorw("msg", "descriptor encode failed", "injection_id", injectionID, "err", err)
			return resp, nil
		}
		resp.Header.Set(constants.DescriptorHeader, encoded)
		return resp, nil
	}

	// The response body is about to be handed to both the client write-back
	// path and this background insert; a live origin-socket reader can't be
	// shared between two concurrent readers (and Insert reassigns
	// resp.Body on top of that). Buffer it once and give each consumer its
	// own independent reader over the same bytes, the way the sync path
	// already does by serializing before returning.
	var raw []byte
	if resp.Body != nil {
		var err error
		raw, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			log.Context(ctx).Errorw("msg", "async injection body read failed", "injection_id", injectionID, "err", err)
			resp.Body = http.NoBody
			return resp, nil
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	storeResp := &http.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}

	go func() {
		bg := context.Background()
		if _, err := p.Insert(bg, storeReq, storeResp); err != nil {
			log.Context(bg).Errorw("msg", "async injection failed", "injection_id", injectionID, "err", err)
			return
		}
		log.Context(bg).Infow("msg", "async injection committed", "injection_id", injectionID)
	}()

	return resp, nil
}
