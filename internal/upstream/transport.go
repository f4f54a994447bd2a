package upstream

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPTransport returns a transport tuned for many concurrent calls to a
// single API host.
func NewHTTPTransport(maxConns int) *http.Transport {
	if maxConns <= 0 {
		maxConns = 100
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          2 * maxConns,
		MaxIdleConnsPerHost:   maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
