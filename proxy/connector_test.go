package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/injector/internal/target"
)

func endpointsFor(t *testing.T, ln net.Listener) []target.Endpoint {
	t.Helper()
	tcp, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return []target.Endpoint{{IP: tcp.IP, Port: tcp.Port}}
}

func TestFetchSucceedsAndReusesConnection(t *testing.T) {
	var accepted int
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted++
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					_, _ = drainBody(req)
					resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
					if _, err := c.Write([]byte(resp)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	c := New()
	eps := endpointsFor(t, ln)

	req1 := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req1.URL.Host = ln.Addr().String()
	resp1, err := c.Fetch(context.Background(), req1, eps, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp1.StatusCode)
	resp1.Body.Close()

	req2 := httptest.NewRequest(http.MethodGet, "http://example.test/b", nil)
	req2.URL.Host = ln.Addr().String()
	resp2, err := c.Fetch(context.Background(), req2, eps, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp2.StatusCode)
	resp2.Body.Close()

	assert.Equal(t, 1, accepted, "second fetch must reuse the existing connection")
	c.CloseAll()
}

func drainBody(req *http.Request) (int64, error) {
	if req.Body == nil {
		return 0, nil
	}
	defer req.Body.Close()
	buf := make([]byte, 512)
	var n int64
	for {
		m, err := req.Body.Read(buf)
		n += int64(m)
		if err != nil {
			break
		}
	}
	return n, nil
}

func TestFetchReturnsUnreachableWhenDialFails(t *testing.T) {
	c := New()
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req.URL.Host = "127.0.0.1:1"

	_, err := c.Fetch(context.Background(), req, []target.Endpoint{{IP: net.ParseIP("127.0.0.1"), Port: 1}}, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestFetchReturnsUnreachableWithNoEndpoints(t *testing.T) {
	c := New()
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req.URL.Host = "example.test:80"

	_, err := c.Fetch(context.Background(), req, nil, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestFetchReturnsOriginProtocolErrorOnMalformedResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Consume the request, then write garbage and close.
		br := bufio.NewReader(conn)
		_, _ = http.ReadRequest(br)
		_, _ = conn.Write([]byte("not a valid http response\r\n"))
		conn.Close()
	}()

	c := New()
	eps := endpointsFor(t, ln)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req.URL.Host = ln.Addr().String()

	_, err = c.Fetch(context.Background(), req, eps, time.Second)
	assert.ErrorIs(t, err, ErrOriginProtocol)
}

func TestFetchDestroysConnectionOnConnectionClose(t *testing.T) {
	var accepted int
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted++
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				_, _ = drainBody(req)
				resp := "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 2\r\n\r\nok"
				_, _ = c.Write([]byte(resp))
			}(conn)
		}
	}()

	c := New()
	eps := endpointsFor(t, ln)

	req1 := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req1.URL.Host = ln.Addr().String()
	resp1, err := c.Fetch(context.Background(), req1, eps, time.Second)
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, _ = resp1.Body.Read(buf)
	resp1.Body.Close()

	req2 := httptest.NewRequest(http.MethodGet, "http://example.test/b", nil)
	req2.URL.Host = ln.Addr().String()
	resp2, err := c.Fetch(context.Background(), req2, eps, time.Second)
	require.NoError(t, err)
	resp2.Body.Close()

	assert.Equal(t, 2, accepted, "Connection: close must force a fresh dial on the next fetch")
	c.CloseAll()
}

func TestFetchCancellationClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept the connection but never respond, forcing the caller to hang
		// until cancellation closes it.
		time.Sleep(5 * time.Second)
	}()

	c := New()
	eps := endpointsFor(t, ln)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req.URL.Host = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = c.Fetch(ctx, req, eps, 5*time.Second)
	assert.Error(t, err)
}
