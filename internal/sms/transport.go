package sms

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
)

// Transport opens a connection to a King Phisher server.
type Transport interface {
	Open(server string) Conn
}

// Conn is a single-use connection. Close must be safe to call whether or
// not Connect succeeded.
type Conn interface {
	Connect(ctx context.Context) error
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
	Close() error
}

var (
	errNotConnected = errors.New("connection not established")
	errConnUsed     = errors.New("connection already used")
)

// HTTPTransport dials exactly one TCP connection per Open (wrapped in TLS
// for https) and sends the request over it.
type HTTPTransport struct {
	Scheme             string
	InsecureSkipVerify bool
	Dialer             *net.Dialer
}

func NewHTTPTransport(scheme string, insecureSkipVerify bool) *HTTPTransport {
	return &HTTPTransport{Scheme: scheme, InsecureSkipVerify: insecureSkipVerify, Dialer: &net.Dialer{}}
}

func (t *HTTPTransport) Open(server string) Conn {
	return &httpConn{t: t, server: server}
}

type httpConn struct {
	t      *HTTPTransport
	server string

	mu     sync.Mutex
	nc     net.Conn
	taken  bool
	rt     *http.Transport
	client *http.Client
}

func (c *httpConn) useTLS() bool {
	return strings.EqualFold(strings.TrimSpace(c.t.Scheme), "https")
}

func (c *httpConn) addr() (addr, host string) {
	if h, _, err := net.SplitHostPort(c.server); err == nil {
		return c.server, h
	}
	port := "443"
	if !c.useTLS() {
		port = "80"
	}
	return net.JoinHostPort(c.server, port), c.server
}

func (c *httpConn) Connect(ctx context.Context) error {
	addr, host := c.addr()
	d := c.t.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if c.useTLS() {
		tc := tls.Client(nc, &tls.Config{ServerName: host, InsecureSkipVerify: c.t.InsecureSkipVerify})
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return err
		}
		nc = tc
	}

	// The http.Transport is pinned to nc: the first dial hands it out,
	// any further dial fails instead of opening a second connection.
	pinned := func(context.Context, string, string) (net.Conn, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.taken || c.nc == nil {
			return nil, errConnUsed
		}
		c.taken = true
		return c.nc, nil
	}
	rt := &http.Transport{DialContext: pinned, DialTLSContext: pinned, DisableKeepAlives: true}

	c.mu.Lock()
	c.nc = nc
	c.rt = rt
	c.client = &http.Client{Transport: rt}
	c.mu.Unlock()
	return nil
}

func (c *httpConn) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, errNotConnected
	}
	return client.Do(req.WithContext(ctx))
}

func (c *httpConn) Close() error {
	c.mu.Lock()
	nc, rt := c.nc, c.rt
	c.nc, c.rt, c.client = nil, nil, nil
	c.mu.Unlock()

	if rt != nil {
		rt.CloseIdleConnections()
	}
	if nc == nil {
		return nil
	}
	if err := nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
