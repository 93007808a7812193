package recovery

import (
	"net/http"
	"runtime/debug"

	configv1 "github.com/omalloc/injector/api/defined/v1/middleware"
	"github.com/omalloc/injector/contrib/log"
	"github.com/omalloc/injector/server/middleware"
)

func init() {
	middleware.Register("recovery", Middleware)
}

type middlewareOption struct{}

func Middleware(c *configv1.Middleware) (middleware.Middleware, func(), error) {
	var opts middlewareOption
	if err := c.Unmarshal(&opts); err != nil {
		return nil, nil, err
	}

	return func(origin http.RoundTripper) http.RoundTripper {
		return middleware.RoundTripperFunc(func(req *http.Request) (resp *http.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					// Here you can log the panic or handle it as needed
					log.Context(req.Context()).Errorf("middleware recovery: %s \n%s", r, debug.Stack())
				}
			}()

			return origin.RoundTrip(req)
		})
	}, middleware.EmptyCleanup, nil
}
