package target

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolverWith(ips []net.IP, err error) *Resolver {
	return &Resolver{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			if err != nil {
				return nil, err
			}
			return ips, nil
		},
	}
}

func TestResolveRejectsLoopbackLiteral(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1/", nil)
	req.Host = "127.0.0.1"

	r := newResolverWith(nil, nil)
	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTarget))
}

func TestResolveRejectsLocalhostName(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)

	r := newResolverWith(nil, nil)
	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTarget))
}

func TestResolveRejectsWhenResolvedAddressIsLocal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://sneaky.example/", nil)
	req.Host = "sneaky.example"

	r := newResolverWith([]net.IP{net.ParseIP("127.0.0.2")}, nil)
	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTarget))
}

func TestResolveSucceedsForRemoteHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)
	req.Host = "example.test"

	r := newResolverWith([]net.IP{net.ParseIP("93.184.216.34")}, nil)
	eps, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, 80, eps[0].Port)
}

func TestResolveWithoutHostOrAbsoluteURIFails(t *testing.T) {
	req := &http.Request{Header: make(http.Header)}

	r := newResolverWith(nil, nil)
	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTarget))
}

func TestResolvePropagatesDNSFailure(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://nowhere.example/", nil)
	req.Host = "nowhere.example"

	r := newResolverWith(nil, errors.New("no such host"))
	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResolutionFailed))
}
