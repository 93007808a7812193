// Package tunnel implements the injector's CONNECT tunnel (spec.md §4.6,
// C6): opaque TCP splicing once the target clears the port allow-list and
// the dial succeeds.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omalloc/injector/internal/target"
)

// DefaultAllowedPorts is the port allow-list spec.md §4.6 step 1 names.
var DefaultAllowedPorts = map[int]bool{80: true, 443: true, 8080: true, 8443: true}

// Hijacker is the subset of http.Hijacker the tunnel needs.
type Hijacker interface {
	Hijack() (net.Conn, *bufio.ReadWriter, error)
}

// Tunnel splices a hijacked client connection to a dialed origin
// connection for CONNECT requests.
type Tunnel struct {
	Resolver       *target.Resolver
	Dialer         *net.Dialer
	AllowedPorts   map[int]bool
	ConnectTimeout time.Duration
}

// New returns a Tunnel using the default allow-list and a plain net.Dialer.
func New(resolver *target.Resolver, connectTimeout time.Duration) *Tunnel {
	return &Tunnel{
		Resolver:       resolver,
		Dialer:         &net.Dialer{},
		AllowedPorts:   DefaultAllowedPorts,
		ConnectTimeout: connectTimeout,
	}
}

// Serve handles one CONNECT request: resolve target, check the port
// allow-list, dial, reply 200, then splice until either side errs or ctx
// is cancelled (the per-connection shutdown signal).
func (t *Tunnel) Serve(ctx context.Context, w http.ResponseWriter, req *http.Request) error {
	endpoints, err := t.Resolver.Resolve(ctx, req)
	if err != nil {
		return t.reject(w, fmt.Sprintf("Illegal CONNECT target: %s", req.Host))
	}

	var allowed *target.Endpoint
	for i := range endpoints {
		if t.AllowedPorts[endpoints[i].Port] {
			allowed = &endpoints[i]
			break
		}
	}
	if allowed == nil {
		return t.reject(w, fmt.Sprintf("Illegal CONNECT target: %s", req.Host))
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.ConnectTimeout)
	origin, err := t.Dialer.DialContext(dialCtx, "tcp", allowed.String())
	cancel()
	if err != nil {
		return t.reject(w, fmt.Sprintf("Failed to connect to origin: %v", err))
	}
	defer origin.Close()

	hj, ok := w.(Hijacker)
	if !ok {
		origin.Close()
		http.Error(w, "CONNECT not supported by this transport", http.StatusInternalServerError)
		return errors.New("tunnel: ResponseWriter does not support hijacking")
	}

	client, rw, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("tunnel: hijack failed: %w", err)
	}
	defer client.Close()

	if _, err := rw.WriteString("HTTP/1.1 200 OK\r\n\r\n"); err != nil {
		return fmt.Errorf("tunnel: failed to write CONNECT response: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("tunnel: failed to flush CONNECT response: %w", err)
	}

	return splice(ctx, client, origin)
}

func (t *Tunnel) reject(w http.ResponseWriter, body string) error {
	w.WriteHeader(http.StatusBadRequest)
	_, err := w.Write([]byte(body))
	return err
}

// splice copies bytes in both directions until EOF or error on either
// side, then tears down both sockets — which in turn unblocks whichever
// direction is still copying. ctx cancellation (the per-connection
// shutdown signal) forces the same teardown.
func splice(ctx context.Context, a, b net.Conn) error {
	errc := make(chan error, 2)
	g := &errgroup.Group{}
	g.Go(func() error {
		_, err := io.Copy(a, b)
		errc <- ignoreCloseErr(err)
		return nil
	})
	g.Go(func() error {
		_, err := io.Copy(b, a)
		errc <- ignoreCloseErr(err)
		return nil
	})

	var firstErr error
	select {
	case firstErr = <-errc:
	case <-ctx.Done():
		firstErr = ctx.Err()
	}

	_ = a.Close()
	_ = b.Close()
	_ = g.Wait()

	return firstErr
}

func ignoreCloseErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return nil
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
