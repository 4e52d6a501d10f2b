package sms

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubTransport records every connection it hands out.
type stubTransport struct {
	mu         sync.Mutex
	opened     []string
	conns      []*stubConn
	status     int
	nilResp    bool
	connectErr error
	doErr      error
}

func (t *stubTransport) Open(server string) Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &stubConn{t: t}
	t.opened = append(t.opened, server)
	t.conns = append(t.conns, c)
	return c
}

type stubConn struct {
	t      *stubTransport
	closed int
	req    *http.Request
}

func (c *stubConn) Connect(context.Context) error { return c.t.connectErr }

func (c *stubConn) Do(_ context.Context, req *http.Request) (*http.Response, error) {
	c.req = req
	if c.t.doErr != nil {
		return nil, c.t.doErr
	}
	if c.t.nilResp {
		return nil, nil
	}
	return &http.Response{StatusCode: c.t.status, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

func (c *stubConn) Close() error {
	c.closed++
	return nil
}

func TestNotifyIncompleteNeverOpens(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{status: 200}
	d := NewDispatcher(tr, Options{})

	st := completeSettings()
	st.Number = ""
	res := d.Notify(context.Background(), st, "hi")
	if res.Outcome != Rejected || res.Reason != ReasonMissingParameters {
		t.Fatalf("result = %+v, want rejected missing parameters", res)
	}
	if len(tr.opened) != 0 {
		t.Fatalf("transport opened for incomplete settings: %v", tr.opened)
	}
}

func TestNotifyClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		tr      *stubTransport
		outcome Outcome
		reason  string
		status  int
	}{
		{name: "200 sent", tr: &stubTransport{status: 200}, outcome: Sent, status: 200},
		{name: "404 rejected", tr: &stubTransport{status: 404}, outcome: Rejected, reason: ReasonNon200, status: 404},
		{name: "500 rejected", tr: &stubTransport{status: 500}, outcome: Rejected, reason: ReasonNon200, status: 500},
		{name: "absent response", tr: &stubTransport{nilResp: true}, outcome: Rejected, reason: ReasonNon200},
		{name: "connect failure", tr: &stubTransport{connectErr: errors.New("connection refused")}, outcome: TransportError},
		{name: "send failure", tr: &stubTransport{doErr: errors.New("broken pipe")}, outcome: TransportError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewDispatcher(tt.tr, Options{Timeout: time.Second})
			res := d.Notify(context.Background(), completeSettings(), SessionMessage("7"))
			if res.Outcome != tt.outcome {
				t.Fatalf("Outcome = %s, want %s (%+v)", res.Outcome, tt.outcome, res)
			}
			if tt.reason != "" && res.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", res.Reason, tt.reason)
			}
			if res.StatusCode != tt.status {
				t.Fatalf("StatusCode = %d, want %d", res.StatusCode, tt.status)
			}
			if tt.outcome == TransportError && res.Err == nil {
				t.Fatal("TransportError without Err")
			}
			if len(tt.tr.conns) != 1 {
				t.Fatalf("opened %d connections, want 1", len(tt.tr.conns))
			}
			if got := tt.tr.conns[0].closed; got != 1 {
				t.Fatalf("Close called %d times, want 1", got)
			}
		})
	}
}

func TestRequestURLEncodesEveryComponent(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(&stubTransport{}, Options{})
	st := Settings{Server: "kp.example.com", Token: "a b&c", Number: "5551234567", Carrier: CarrierATT}
	got := d.RequestURL(st, "x+y=z")
	want := "https://kp.example.com/_/api/sms/send?token=a%20b%26c&message=x%2By%3Dz&phone_number=5551234567&carrier=AT%26T"
	if got != want {
		t.Fatalf("RequestURL =\n %s\nwant\n %s", got, want)
	}
}

func TestSessionMessage(t *testing.T) {
	t.Parallel()
	if got := SessionMessage("7"); got != "Session: 7 opened" {
		t.Fatalf("SessionMessage = %q", got)
	}
}

func TestNotifyEndToEndQuery(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		rawQuery string
		path     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		rawQuery = r.URL.RawQuery
		path = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(NewHTTPTransport("http", false), Options{Scheme: "http", Timeout: 5 * time.Second})
	st := Settings{Server: u.Host, Token: "abc123", Number: "5551234567", Carrier: CarrierVerizon}

	res := d.Notify(context.Background(), st, SessionMessage("7"))
	if res.Outcome != Sent {
		t.Fatalf("Notify = %+v, want sent", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != SendPath {
		t.Fatalf("path = %q, want %q", path, SendPath)
	}
	want := "token=abc123&message=Session%3A%207%20opened&phone_number=5551234567&carrier=Verizon"
	if rawQuery != want {
		t.Fatalf("query =\n %s\nwant\n %s", rawQuery, want)
	}
}

func TestNotifyOverTLS(t *testing.T) {
	t.Parallel()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(NewHTTPTransport("https", true), Options{Scheme: "https", Timeout: 5 * time.Second})
	res := d.Notify(context.Background(), Settings{Server: u.Host, Token: "t", Number: "5551234567", Carrier: CarrierSprint}, "hi")
	if res.Outcome != Rejected || res.StatusCode != http.StatusForbidden {
		t.Fatalf("Notify = %+v, want rejected 403", res)
	}
}

func TestNotifyConnectRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	d := NewDispatcher(NewHTTPTransport("http", false), Options{Scheme: "http", Timeout: 2 * time.Second})
	res := d.Notify(context.Background(), Settings{Server: addr, Token: "t", Number: "5551234567", Carrier: CarrierBoost}, "hi")
	if res.Outcome != TransportError {
		t.Fatalf("Notify = %+v, want transport error", res)
	}
}

func TestHTTPConnCloseWithoutConnect(t *testing.T) {
	t.Parallel()
	c := NewHTTPTransport("https", false).Open("kp.example.com")
	if err := c.Close(); err != nil {
		t.Fatalf("Close before Connect: %v", err)
	}
	if _, err := c.Do(context.Background(), httptest.NewRequest(http.MethodGet, "https://kp.example.com/", nil)); err == nil {
		t.Fatal("Do before Connect should fail")
	}
}

func TestDefaultSchemeIsPlainHTTP(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{status: 200}
	d := NewDispatcher(tr, Options{})
	if res := d.Notify(context.Background(), completeSettings(), "hi"); res.Outcome != Sent {
		t.Fatalf("Notify = %+v", res)
	}
	got := tr.conns[0].req.URL
	if got.Scheme != "http" || got.Host != completeSettings().Server || got.Path != "/_/api/sms/send" {
		t.Fatalf("request url = %s", got)
	}

	cases := []struct {
		scheme, server, addr string
		tls                  bool
	}{
		{"", "kp.example.com", "kp.example.com:80", false},
		{"http", "kp.example.com", "kp.example.com:80", false},
		{"HTTPS", "kp.example.com", "kp.example.com:443", true},
		{"", "10.0.0.5:8080", "10.0.0.5:8080", false},
	}
	for _, tc := range cases {
		c := NewHTTPTransport(tc.scheme, false).Open(tc.server).(*httpConn)
		if addr, _ := c.addr(); addr != tc.addr || c.useTLS() != tc.tls {
			t.Errorf("scheme %q server %q: addr %s tls %v, want %s %v", tc.scheme, tc.server, addr, c.useTLS(), tc.addr, tc.tls)
		}
	}
}
