// Package transport builds the pooled HTTP transport zrelay uses for all
// upstream traffic, with HTTP/2 tuning, optional proxying, and response
// decompression.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// Settings are tuned for long-lived streaming responses against one upstream
// host: generous idle pool, pings on quiet HTTP/2 connections.
var Settings = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	H2ReadIdleTimeout     time.Duration
	H2PingTimeout         time.Duration
}{
	MaxIdleConns:          200,
	MaxIdleConnsPerHost:   50,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 120 * time.Second,
	DialTimeout:           30 * time.Second,
	KeepAlive:             30 * time.Second,
	H2ReadIdleTimeout:     30 * time.Second,
	H2PingTimeout:         15 * time.Second,
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// Shared returns the singleton transport used when no proxy is configured.
func Shared() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = newBaseTransport()
		sharedTransport.DialContext = newDialer().DialContext
	})
	return sharedTransport
}

func newDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   Settings.DialTimeout,
		KeepAlive: Settings.KeepAlive,
	}
}

func newBaseTransport() *http.Transport {
	t := &http.Transport{
		MaxIdleConns:          Settings.MaxIdleConns,
		MaxIdleConnsPerHost:   Settings.MaxIdleConnsPerHost,
		IdleConnTimeout:       Settings.IdleConnTimeout,
		TLSHandshakeTimeout:   Settings.TLSHandshakeTimeout,
		ExpectContinueTimeout: Settings.ExpectContinueTimeout,
		ResponseHeaderTimeout: Settings.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		// We send Accept-Encoding ourselves and decode in Decompress.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  64 * 1024,
	}
	configureHTTP2(t)
	return t
}

func configureHTTP2(t *http.Transport) {
	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return
	}
	h2.ReadIdleTimeout = Settings.H2ReadIdleTimeout
	h2.PingTimeout = Settings.H2PingTimeout
}

// cache keyed by proxy URL so repeated client builds reuse transports.
type cache struct {
	mu    sync.RWMutex
	store map[string]*http.Transport
}

var globalCache = &cache{store: make(map[string]*http.Transport)}

func (c *cache) getOrCreate(proxyURLStr string) (*http.Transport, error) {
	if proxyURLStr == "" {
		return Shared(), nil
	}

	c.mu.RLock()
	if t := c.store[proxyURLStr]; t != nil {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	proxyURL, err := url.Parse(proxyURLStr)
	if err != nil {
		return nil, err
	}

	var t *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		t = newBaseTransport()
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		t = newBaseTransport()
		t.Proxy = http.ProxyURL(proxyURL)
		t.DialContext = newDialer().DialContext
	default:
		return Shared(), nil
	}

	c.mu.Lock()
	c.store[proxyURLStr] = t
	c.mu.Unlock()
	return t, nil
}

// NewClient builds an http.Client routed through proxyURL when set. Timeout
// zero means unbounded, which streaming requests require; they are bounded by
// the stream idle watchdog instead.
func NewClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	t, err := globalCache.getOrCreate(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}
