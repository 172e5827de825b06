package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type transport struct {
	*http.Transport
	done chan struct{}
	once sync.Once
}

const (
	DefaultMaxIdleConns          = 100
	DefaultDialTimeout           = 30 * time.Second
	DefaultKeepalive             = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultExpectContinueTimeout = time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultIdleConnsPerHost      = 64
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultIdleRecycleInterval   = time.Minute
)

// newTransport periodically drops idle upstream connections so scaled
// upstreams are picked up by new connections.
func newTransport() *transport {
	t := &transport{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   DefaultDialTimeout,
				KeepAlive: DefaultKeepalive,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          DefaultMaxIdleConns,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
			ExpectContinueTimeout: DefaultExpectContinueTimeout,
			ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
			MaxIdleConnsPerHost:   DefaultIdleConnsPerHost,
		},
		done: make(chan struct{}),
	}

	go t.recycle(DefaultIdleRecycleInterval)

	return t
}

func (t *transport) recycle(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.CloseIdleConnections()
		}
	}
}

func (t *transport) close() {
	t.once.Do(func() {
		close(t.done)
		t.CloseIdleConnections()
	})
}
