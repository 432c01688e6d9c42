// Package httpmiddleware - обвязка исходящих HTTP клиентов: базовый
// транспорт и цепочка RoundTripper middleware.
package httpmiddleware

import (
	"net"
	"net/http"
	"time"
)

// RoundTripperFunc - функция, реализующая http.RoundTripper
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware оборачивает http.RoundTripper
type Middleware func(http.RoundTripper) http.RoundTripper

// Wrap оборачивает base цепочкой middleware. Первый middleware - внешний.
func Wrap(base http.RoundTripper, middlewares ...Middleware) http.RoundTripper {
	for i := len(middlewares) - 1; i >= 0; i-- {
		base = middlewares[i](base)
	}

	return base
}

// NewClient собирает http.Client с настроенным транспортом и middleware
func NewClient(timeout time.Duration, middlewares ...Middleware) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: Wrap(transport, middlewares...),
	}
}
