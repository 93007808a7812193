// Package target implements the injector's target resolution and safety
// filtering (spec.md §4.2, C2): parse the request target, resolve it to a
// concrete endpoint set, and reject loopback/unspecified destinations.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ErrIllegalTarget is returned when the request names a local/loopback
// host, or resolves to one. The message matches the original injector's
// client-visible "Illegal target host" wording verbatim.
var ErrIllegalTarget = errors.New("Illegal target host")

// ErrResolutionFailed wraps a DNS resolution failure.
var ErrResolutionFailed = errors.New("target: resolution failed")

// Endpoint is a resolved (IP, port) pair the Origin Connector can dial.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// Resolver resolves request targets to endpoint sets, rejecting anything
// that would let a client pivot the injector into its own loopback.
type Resolver struct {
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// New returns a Resolver backed by net.DefaultResolver.
func New() *Resolver {
	return &Resolver{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// NewWithLookup returns a Resolver backed by a custom lookup function,
// useful for tests and for callers wiring an alternate resolver (e.g. a
// DoH client) ahead of the loopback/SSRF checks in Resolve.
func NewWithLookup(lookup func(ctx context.Context, host string) ([]net.IP, error)) *Resolver {
	return &Resolver{lookup: lookup}
}

// HostPort extracts (host, port) from an absolute-URI request target, or
// else from the Host header. Absolute URIs win over Host when both are
// present (spec.md §4.2 step 1).
func HostPort(req *http.Request) (string, string, error) {
	if req.URL != nil && req.URL.Host != "" {
		return splitHostPort(req.URL.Host, schemeDefaultPort(req.URL.Scheme))
	}
	if req.Host != "" {
		return splitHostPort(req.Host, "80")
	}
	return "", "", fmt.Errorf("target: request carries neither an absolute URI nor a Host header")
}

func schemeDefaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func splitHostPort(hostport, defaultPort string) (string, string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// no explicit port
		return hostport, defaultPort, nil
	}
	return host, port, nil
}

// isLocalHostLiteral rejects the local forms spec.md §4.2 step 2 names,
// without needing to resolve anything.
func isLocalHostLiteral(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return isLocalIP(ip)
	}
	return false
}

func isLocalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return v4[0] == 127
	}
	return false
}

// Resolve implements the full C2 pipeline: parse, reject local literals,
// resolve (cancellable via ctx), and reject if any resolved address is
// local.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) ([]Endpoint, error) {
	host, portStr, err := HostPort(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalTarget, err)
	}

	if isLocalHostLiteral(host) {
		return nil, fmt.Errorf("%w: %s", ErrIllegalTarget, host)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrIllegalTarget, portStr)
	}

	ips, err := r.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %s", ErrResolutionFailed, host)
	}

	endpoints := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		if isLocalIP(ip) {
			return nil, fmt.Errorf("%w: %s resolved to local address %s", ErrIllegalTarget, host, ip)
		}
		endpoints = append(endpoints, Endpoint{IP: ip, Port: port})
	}

	return endpoints, nil
}
