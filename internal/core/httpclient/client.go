// Package httpclient configures the HTTP client the sync client uses to reach
// the geosync API.
package httpclient

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"
)

type Options struct {
	Timeout time.Duration
	// keep cookies the server sets at login, for deployments that only read
	// the token cookies
	Cookies bool
}

// NewOutbound creates a new outbound http client
func NewOutbound(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
	if opts.Cookies {
		// cookiejar.New never fails with nil options
		jar, _ := cookiejar.New(nil)
		c.Jar = jar
	}
	return c
}
