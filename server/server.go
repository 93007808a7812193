// Package server implements the injector's Request Server Loop and
// Listener/Scheduler (spec.md §4.7-4.8, C7-C8): per-connection state
// machine (AUTH -> CLASSIFY -> {TUNNEL|CACHE_CONTROL|FRESH_ONLY} ->
// WRITE_BACK), graceful accept/restart via tableflip, and the PID-file
// lifecycle spec.md §6 names.
//
// Adapted from the teacher's HTTPServer (originally in this file), which
// already wraps *http.Server for keep-alive serialization, per-connection
// hijacking (for CONNECT) and graceful Shutdown rather than a hand-rolled
// accept loop — that choice is kept here; re-deriving net/http's connection
// management would duplicate what the standard library already does well.
// Per-connection exclusive state (spec.md §5 — an unshared origin-connector
// table) is carried through http.Server's ConnContext hook.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/cloudflare/tableflip"
	"github.com/goccy/go-json"
	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omalloc/injector/conf"
	"github.com/omalloc/injector/contrib/log"
	"github.com/omalloc/injector/contrib/transport"
	"github.com/omalloc/injector/internal/constants"
	"github.com/omalloc/injector/internal/target"
	xhttp "github.com/omalloc/injector/pkg/x/http"
	"github.com/omalloc/injector/pkg/x/runtime"
	"github.com/omalloc/injector/proxy"
	"github.com/omalloc/injector/server/middleware"
	"github.com/omalloc/injector/server/middleware/cachecontrol"
	"github.com/omalloc/injector/server/middleware/injection"
	_ "github.com/omalloc/injector/server/middleware/recovery"
	"github.com/omalloc/injector/server/mod"
	"github.com/omalloc/injector/server/tunnel"
)

// localMatcher lists hosts routed to the admin mux (health, metrics,
// pprof, version) instead of the proxy/injector handler.
var localMatcher = map[string]struct{}{
	"localhost": {},
	"127.1":     {},
	"127.0.0.1": {},
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "injector",
		Name:      "requests_total",
		Help:      "Total requests served, by protocol and status.",
	}, []string{"proto", "status"})

	requestsUnexpectedClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "injector",
		Name:      "requests_unexpected_closed_total",
		Help:      "Requests whose response body copy ended in an unexpected error.",
	}, []string{"proto", "method"})

	cacheStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "injector",
		Name:      "cache_status_total",
		Help:      "Cache-control engine decisions, by status (HIT, MISS, BYPASS).",
	}, []string{"status"})

	injectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "injector",
		Name:      "injections_total",
		Help:      "Injection attempts, by mode (sync, async) and outcome (ok, error).",
	}, []string{"mode", "outcome"})

	tunnelsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "injector",
		Name:      "tunnels_total",
		Help:      "CONNECT tunnel attempts, by outcome (ok, error).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestsUnexpectedClosed, cacheStatusTotal, injectionsTotal, tunnelsTotal)
}

// requestRate tracks requests/min, surfaced at /version alongside build
// info — a cheap, dependency-exercising companion to the Prometheus
// counters above.
var requestRate = ratecounter.NewRateCounter(time.Minute)

// connState is the per-connection exclusive state spec.md §5 requires: an
// unshared Origin Connector, installed once per accepted connection via
// http.Server.ConnContext and reused by every request serialized on that
// connection (HTTP/1.1 keep-alive serializes requests one at a time, so no
// locking is needed around the connector).
type connState struct {
	connector *proxy.Connector
}

type connStateKey struct{}

func withConnState(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connStateKey{}, &connState{connector: proxy.New()})
}

func connStateFrom(ctx context.Context) *connState {
	if cs, ok := ctx.Value(connStateKey{}).(*connState); ok {
		return cs
	}
	return &connState{connector: proxy.New()}
}

// Store is the external cache backend's contract, satisfied by
// internal/cachestore.Store: FetchStored answers C4's lookups, Insert
// answers C5's store step.
type Store interface {
	FetchStored(ctx context.Context, req *http.Request) (*cachecontrol.CacheEntry, error)
	Insert(ctx context.Context, req *http.Request, resp *http.Response) ([]byte, error)
}

type HTTPServer struct {
	*http.Server

	flip         *tableflip.Upgrader
	config       *conf.Bootstrap
	serverConfig *conf.Server
	listener     net.Listener
	cleanups     []func()

	resolver *target.Resolver
	store    Store
	tunnel   *tunnel.Tunnel
}

// NewServer wires the injector's request-handling core around config, a
// Target Resolver (C2) and a Store (C4/C5's backing CacheInjector).
func NewServer(flip *tableflip.Upgrader, config *conf.Bootstrap, resolver *target.Resolver, store Store) transport.Server {
	servConfig := config.Server

	s := &HTTPServer{
		Server: &http.Server{
			Addr:              servConfig.Addr,
			ReadTimeout:       servConfig.ReadTimeout,
			WriteTimeout:      servConfig.WriteTimeout,
			IdleTimeout:       servConfig.IdleTimeout,
			ReadHeaderTimeout: servConfig.ReadHeaderTimeout,
			MaxHeaderBytes:    servConfig.MaxHeaderBytes,
		},
		flip:         flip,
		config:       config,
		serverConfig: servConfig,
		resolver:     resolver,
		store:        store,
		tunnel:       tunnel.New(resolver, config.Injector.ConnectTimeout),
		cleanups:     make([]func(), 0),
	}
	// Origin connections of a client connection are closed once that client
	// connection ends or is hijacked.
	var states sync.Map
	s.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
		ctx = withConnState(ctx, c)
		states.Store(c, connStateFrom(ctx))
		return ctx
	}
	s.ConnState = func(c net.Conn, st http.ConnState) {
		if st == http.StateClosed || st == http.StateHijacked {
			if cs, ok := states.LoadAndDelete(c); ok {
				cs.(*connState).connector.CloseAll()
			}
		}
	}

	for _, host := range servConfig.LocalApiAllowHosts {
		localMatcher[host] = struct{}{}
	}

	mux := s.newServeMux()

	next := s.buildHandler()
	next = s.wrapMiddlewareChain(next)
	if servConfig.AccessLog != nil {
		next = mod.HandleAccessLog(servConfig.AccessLog, next)
	}

	s.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := localMatcher[hostOnly(r.Host)]; ok {
			mux.ServeHTTP(w, r)
			return
		}
		next(w, r)
	})

	return s
}

func hostOnly(hostport string) string {
	if i := strings.IndexByte(hostport, ':'); i >= 0 {
		return hostport[:i]
	}
	return hostport
}

func (s *HTTPServer) Start(ctx context.Context) error {
	s.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	if err := s.listen(); err != nil {
		return err
	}

	log.Infof("injector listening on %s", s.serverConfig.Addr)

	if err := s.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	var errs []error

	if err := s.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, cleanup := range s.cleanups {
		if cleanup != nil {
			cleanup()
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// listen binds through tableflip's fd table, so a SIGHUP-triggered restart
// inherits the listening socket instead of dropping in-flight connections.
func (s *HTTPServer) listen() error {
	ln, err := s.flip.Fds.Listen("tcp", s.serverConfig.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.serverConfig.Addr, err)
	}
	s.listener = ln
	return nil
}

func (s *HTTPServer) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	if s.serverConfig.PProf != nil {
		mod.HandlePProf(s.serverConfig.PProf, mux)
	}
	mux.Handle("/favicon.ico", http.NotFoundHandler())
	mux.Handle("/version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(struct {
			Build          runtime.RuntimeInfo `json:"build"`
			RequestsPerMin int64               `json:"requests_per_min"`
		}{Build: runtime.BuildInfo, RequestsPerMin: requestRate.Rate()})
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.Handle("/healthz/startup-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/healthz/liveness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("/healthz/readiness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	return mux
}

// buildHandler implements C7's AUTH -> CLASSIFY -> {TUNNEL|CACHE_CONTROL|
// FRESH_ONLY} -> WRITE_BACK chain for one request.
func (s *HTTPServer) buildHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		requestRate.Incr(1)

		if !s.authenticate(w, req) {
			return
		}

		if req.Method == http.MethodConnect {
			s.handleConnect(w, req)
			return
		}

		resp, err := s.fetch(req)
		if err != nil {
			s.writeError(w, req, err)
			return
		}

		s.writeBack(w, req, resp)
	}
}

// authenticate implements spec.md §4.7's AUTH state: HTTP Basic auth
// against a configured "user:password" pair; no configured credentials
// means allow-all.
func (s *HTTPServer) authenticate(w http.ResponseWriter, req *http.Request) bool {
	creds := s.config.Injector.Credentials
	if creds == "" {
		return true
	}
	wantUser, wantPass, ok := strings.Cut(creds, ":")
	if !ok {
		return true
	}

	// http.Request.BasicAuth only parses Authorization; apply it to the
	// Proxy-Authorization value a client sends in answer to a 407.
	authReq := &http.Request{Header: http.Header{"Authorization": {req.Header.Get("Proxy-Authorization")}}}
	user, pass, hasAuth := authReq.BasicAuth()
	if hasAuth &&
		subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1 {
		return true
	}

	w.Header().Set("Proxy-Authenticate", `Basic realm="injector"`)
	w.WriteHeader(http.StatusProxyAuthRequired)
	return false
}

// handleConnect implements CLASSIFY's CONNECT branch -> TUNNEL (terminal).
func (s *HTTPServer) handleConnect(w http.ResponseWriter, req *http.Request) {
	if !s.config.Injector.EnableHTTPConnectRequests {
		http.Error(w, "CONNECT not enabled", http.StatusMethodNotAllowed)
		return
	}

	if err := s.tunnel.Serve(req.Context(), w, req); err != nil {
		tunnelsTotal.WithLabelValues("error").Inc()
		log.Context(req.Context()).Errorf("tunnel failed for %s: %v", req.Host, err)
		return
	}
	tunnelsTotal.WithLabelValues("ok").Inc()
}

// fetch implements CLASSIFY's non-CONNECT branches: injector-mode runs
// through the cache-control engine (C4) and injection pipeline (C5);
// proxy-mode (absent X-Ouinet-Version, or --disable-cache) dispatches
// straight to the origin.
func (s *HTTPServer) fetch(req *http.Request) (*http.Response, error) {
	cs := connStateFrom(req.Context())

	injectorMode := req.Header.Get(constants.VersionHeader) != "" && !s.config.Injector.DisableCache
	req.Header.Del(constants.VersionHeader)

	pipeline := &injection.Pipeline{
		RoundTrip: func(ctx context.Context, r *http.Request) (*http.Response, error) {
			endpoints, err := s.resolver.Resolve(ctx, r)
			if err != nil {
				return nil, err
			}
			return cs.connector.Fetch(ctx, r, endpoints, s.config.Injector.ConnectTimeout)
		},
		Insert: s.store.Insert,
	}

	if !injectorMode {
		cacheStatusTotal.WithLabelValues("BYPASS").Inc()
		cachecontrol.StripHopByHop(req.Header)
		return pipeline.RoundTrip(req.Context(), req)
	}

	fetchedFresh := false
	engine := &cachecontrol.Engine{
		FetchStored: s.store.FetchStored,
		FetchFresh: func(ctx context.Context, r *http.Request) (*http.Response, error) {
			fetchedFresh = true
			return pipeline.FetchFresh(ctx, r)
		},
		Store:        s.instrumentedStore(pipeline),
		MaxCachedAge: s.config.Injector.MaxCachedAge,
	}

	resp, err := engine.Fetch(req.Context(), req)
	if err == nil {
		if fetchedFresh {
			cacheStatusTotal.WithLabelValues("MISS").Inc()
		} else {
			cacheStatusTotal.WithLabelValues("HIT").Inc()
		}
	}
	return resp, err
}

// instrumentedStore wraps the injection pipeline's Store step with the
// injections_total counter, keyed on the sync/async split spec.md §4.5
// names.
func (s *HTTPServer) instrumentedStore(p *injection.Pipeline) cachecontrol.Store {
	return func(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
		mode := "async"
		if strings.EqualFold(req.Header.Get(constants.SyncHeader), constants.SyncValue) {
			mode = "sync"
		}
		out, err := p.Store(ctx, req, resp)
		if err != nil {
			injectionsTotal.WithLabelValues(mode, "error").Inc()
			return out, err
		}
		if mode == "sync" && out.Header.Get(constants.DescriptorHeader) == "" {
			injectionsTotal.WithLabelValues(mode, "error").Inc()
		} else {
			injectionsTotal.WithLabelValues(mode, "ok").Inc()
		}
		return out, nil
	}
}

// writeError maps the Origin Connector's and Target Resolver's sentinel
// errors onto client responses; anything else falls back to a generic 500.
func (s *HTTPServer) writeError(w http.ResponseWriter, req *http.Request, err error) {
	clog := log.Context(req.Context())

	if errors.Is(err, context.Canceled) {
		// Shutdown in progress; the client already lost the connection.
		return
	}
	clog.Errorf("request %s %s failed: %v", req.Method, req.URL.Path, err)

	status := http.StatusInternalServerError
	body := "internal error"
	switch {
	case errors.Is(err, target.ErrIllegalTarget), errors.Is(err, target.ErrResolutionFailed):
		status, body = http.StatusBadRequest, err.Error()
	case errors.Is(err, proxy.ErrUnreachable), errors.Is(err, proxy.ErrOriginProtocol):
		status, body = http.StatusBadRequest, err.Error()
	}

	http.Error(w, body, status)
	requestsTotal.WithLabelValues(req.Proto, strconv.Itoa(status)).Inc()
}

// writeBack implements C7's WRITE_BACK state: copy headers/trailers, then
// stream the body, comparing bytes actually sent against Content-Length.
func (s *HTTPServer) writeBack(w http.ResponseWriter, req *http.Request, resp *http.Response) {
	clog := log.Context(req.Context())

	defer func() {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}()

	headers := w.Header()
	xhttp.CopyHeader(headers, resp.Header)
	xhttp.CopyTrailer(headers, resp.Trailer)
	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil || req.Method == http.MethodHead {
		requestsTotal.WithLabelValues(req.Proto, strconv.Itoa(resp.StatusCode)).Inc()
		return
	}

	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)

	want := resp.Header.Get("Content-Length")
	sent, err := io.CopyBuffer(w, resp.Body, *buf)
	if err != nil && !errors.Is(err, io.EOF) {
		clog.Errorf("failed to copy response body to client: [%s] %s %s sent=%d want=%s err=%s",
			req.Proto, req.Method, req.URL.Path, sent, want, err)
		requestsUnexpectedClosed.WithLabelValues(req.Proto, req.Method).Inc()
		return
	}

	requestsTotal.WithLabelValues(req.Proto, strconv.Itoa(resp.StatusCode)).Inc()

	if want == "" || slices.Contains(resp.TransferEncoding, "chunked") {
		clog.Debugf("copied %d response body bytes (chunked) from upstream to client", sent)
		return
	}
	if want1, _ := strconv.ParseInt(want, 10, 64); sent != want1 {
		clog.Warnf("copied %d response body bytes to client, conflicts with Content-Length %s", sent, want)
	}
}

// wrapMiddlewareChain lets operators layer optional config-driven
// middleware (e.g. recovery) in front of the core handler, reusing the
// teacher's RoundTripperFunc/Chain registry (server/middleware). The core
// handler is adapted into a terminal RoundTripper via an httptest.Recorder,
// then the final response is streamed back through writeBack.
func (s *HTTPServer) wrapMiddlewareChain(next http.HandlerFunc) http.HandlerFunc {
	middlewares := s.serverConfig.Middleware
	if len(middlewares) == 0 {
		return next
	}

	global := map[string]any{}
	if s.config.Hostname != "" {
		global["hostname"] = s.config.Hostname
	}

	var tripper http.RoundTripper = middleware.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		next(rec, req)
		return rec.Result(), nil
	})

	for i := len(middlewares) - 1; i >= 0; i-- {
		cfg := middlewares[i]
		if cfg == nil || cfg.Name == "" {
			continue
		}
		if len(cfg.Options) > 0 {
			if err := mergo.Map(&cfg.Options, global, mergo.WithOverride); err != nil {
				log.Warnf("failed to merge global options into middleware %s: %v", cfg.Name, err)
			}
		}
		mw, cleanup, err := middleware.Create(cfg)
		if err != nil {
			log.Warnf("failed to create middleware %s: %v", cfg.Name, err)
			continue
		}
		s.cleanups = append(s.cleanups, cleanup)
		tripper = mw(tripper)
	}

	return func(w http.ResponseWriter, req *http.Request) {
		resp, err := tripper.RoundTrip(req)
		if err != nil {
			s.writeError(w, req, err)
			return
		}
		s.writeBack(w, req, resp)
	}
}

// RemovePIDFile best-effort removes the repo's pid file on clean exit, per
// spec.md §6's "removed on clean exit" rule.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove pid file %s: %v", path, err)
	}
}
