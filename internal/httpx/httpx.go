// Package httpx builds the outbound HTTP client shared by upstream providers.
package httpx

import (
	"net"
	"net/http"
	"slices"
	"time"
)

const DefaultUserAgent = "commoditydash/1.0"

// Options configures New. Zero fields take defaults.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Header values are sent on requests that do not already carry the key.
	Header http.Header
	// PerHost matches the number of parallel calls made to one upstream.
	PerHost int
}

// Client sends requests with default headers filled in. It satisfies the
// HTTPClient interfaces of the provider packages.
type Client struct {
	http   *http.Client
	header http.Header
}

func New(o Options) *Client {
	perHost := max(o.PerHost, 4)
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          4 * perHost,
		MaxIdleConnsPerHost:   perHost,
		MaxConnsPerHost:       2 * perHost,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	header := make(http.Header, len(o.Header)+1)
	for k, vs := range o.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if header.Get("User-Agent") == "" {
		ua := o.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		header.Set("User-Agent", ua)
	}

	return &Client{
		http:   &http.Client{Timeout: o.Timeout, Transport: transport},
		header: header,
	}
}

// Timeout is the overall per-request limit; zero means none.
func (c *Client) Timeout() time.Duration { return c.http.Timeout }

// Do sends req. The request context bounds the call.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header, len(c.header))
	}
	for k, vs := range c.header {
		if _, ok := req.Header[k]; !ok {
			req.Header[k] = slices.Clone(vs)
		}
	}
	return c.http.Do(req)
}
