package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// clientCache holds one HTTP client per proxy URL for the lifetime of the
// process. The empty key is the direct (no proxy) client.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func newClientCache() *clientCache {
	return &clientCache{clients: make(map[string]*http.Client)}
}

// clientFor returns the cached client for proxyURL, building it on first use.
// Supported schemes: http, https (CONNECT tunneling), socks5, socks4, socks
// (SOCKS tunneling). All three SOCKS schemes are dialed with the SOCKS5
// protocol; the SOCKS4 protocol is not spoken. Timeouts are enforced per
// request via context, not on the client.
func (c *clientCache) clientFor(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxyURL]; ok {
		return client, nil
	}

	transport, err := transportFor(proxyURL)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: transport}
	c.clients[proxyURL] = client
	return client, nil
}

// transportFor builds the transport for a proxy URL. The URL scheme chooses
// HTTP-CONNECT vs. SOCKS tunneling.
func transportFor(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxyURL == "" {
		return transport, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5", "socks4", "socks":
		var auth *proxy.Auth
		if user := parsed.User; user != nil {
			auth = &proxy.Auth{User: user.Username()}
			if pw, ok := user.Password(); ok {
				auth.Password = pw
			}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("building SOCKS dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
	return transport, nil
}
