package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sessionsms/internal/eventbus"
	logx "sessionsms/pkg/logx"
)

func TestWebhookHandler(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		method string
		target string
		body   string
		auth   string
		status int
		wantID string
	}{
		{name: "json string id", method: http.MethodPost, target: WebhookPath, body: `{"id":"7"}`, auth: "Bearer tok", status: http.StatusAccepted, wantID: "7"},
		{name: "json number id", method: http.MethodPost, target: WebhookPath, body: `{"id":12,"info":"shell"}`, auth: "Bearer tok", status: http.StatusAccepted, wantID: "12"},
		{name: "query id", method: http.MethodPost, target: WebhookPath + "?id=3", auth: "Bearer tok", status: http.StatusAccepted, wantID: "3"},
		{name: "missing token", method: http.MethodPost, target: WebhookPath, body: `{"id":"7"}`, status: http.StatusUnauthorized},
		{name: "wrong token", method: http.MethodPost, target: WebhookPath, body: `{"id":"7"}`, auth: "Bearer nope", status: http.StatusUnauthorized},
		{name: "token prefix", method: http.MethodPost, target: WebhookPath, body: `{"id":"7"}`, auth: "Bearer to", status: http.StatusUnauthorized},
		{name: "token with suffix", method: http.MethodPost, target: WebhookPath, body: `{"id":"7"}`, auth: "Bearer tokk", status: http.StatusUnauthorized},
		{name: "basic scheme", method: http.MethodPost, target: WebhookPath, body: `{"id":"7"}`, auth: "Basic tok", status: http.StatusUnauthorized},
		{name: "get", method: http.MethodGet, target: WebhookPath, auth: "Bearer tok", status: http.StatusMethodNotAllowed},
		{name: "bad json", method: http.MethodPost, target: WebhookPath, body: `{`, auth: "Bearer tok", status: http.StatusBadRequest},
		{name: "empty id", method: http.MethodPost, target: WebhookPath, body: `{"id":""}`, auth: "Bearer tok", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			ch, unsub := NewBusSource(bus).Subscribe(1)
			defer unsub()
			wh := NewWebhook(WebhookConfig{Token: "tok"}, bus, logx.Nop())

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			wh.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.wantID == "" {
				select {
				case o := <-ch:
					t.Fatalf("unexpected event %+v", o)
				case <-time.After(50 * time.Millisecond):
				}
				return
			}
			if o := recv(t, ch); o.ID != tt.wantID || o.Source != SourceWebhook {
				t.Fatalf("event = %+v, want id %s", o, tt.wantID)
			}
		})
	}
}

func TestWebhookStartStop(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := NewBusSource(bus).Subscribe(1)
	defer unsub()

	wh := NewWebhook(WebhookConfig{Addr: "127.0.0.1:0"}, bus, logx.Nop())
	if err := wh.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := wh.Addr()
	if addr == "" {
		t.Fatal("Addr empty after Start")
	}

	resp, err := http.Post("http://"+addr+WebhookPath+"?id=5", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if o := recv(t, ch); o.ID != "5" {
		t.Fatalf("event = %+v", o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wh.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if wh.Addr() != "" {
		t.Fatal("Addr should be empty after Stop")
	}
}
