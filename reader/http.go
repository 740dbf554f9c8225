package reader

import (
	"net"
	"net/http"
	"time"

	"optionflow/config"
)

// NewHTTPClient builds the pooled client shared by an exchange source.
// Outbound connections bind to localIP when it parses.
func NewHTTPClient(pool config.ConnectionPoolConfig, localIP string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}

	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: timeout}
			transport.DialContext = dialer.DialContext
		}
	}

	return &http.Client{Transport: transport, Timeout: timeout}
}
