package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"sessionsms/internal/eventbus"
	logx "sessionsms/pkg/logx"
)

const (
	SourceWebhook = "webhook"
	WebhookPath   = "/sessions/opened"
)

// WebhookConfig controls the webhook listener.
type WebhookConfig struct {
	Addr  string
	Token string // optional bearer token
}

// Webhook is an HTTP listener that turns POST /sessions/opened into
// SessionOpened events.
type Webhook struct {
	bus eventbus.Bus
	log logx.Logger

	mu  sync.Mutex
	cfg WebhookConfig
	ln  net.Listener
	srv *http.Server
}

func NewWebhook(cfg WebhookConfig, bus eventbus.Bus, log logx.Logger) *Webhook {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{cfg: cfg, bus: bus, log: log.With(logx.String("comp", "session.webhook"))}
}

// Addr returns the bound listen address, or "" when not running.
func (w *Webhook) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln == nil {
		return ""
	}
	return w.ln.Addr().String()
}

// Start binds the listener and serves in the background.
func (w *Webhook) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(w.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8089"
	}
	if w.cfg.Token == "" && !isLoopbackAddr(addr) {
		w.log.Warn("webhook listening on non-loopback addr without token", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	w.ln, w.srv = ln, srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("webhook server stopped with error", logx.Err(err))
		}
	}()
	w.log.Info("webhook started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", w.cfg.Token != ""))
	return nil
}

// Stop shuts the server down, bounded by ctx.
func (w *Webhook) Stop(ctx context.Context) error {
	w.mu.Lock()
	srv, ln := w.srv, w.ln
	w.srv, w.ln = nil, nil
	w.mu.Unlock()
	if srv == nil {
		return nil
	}
	_ = ln.Close()
	err := srv.Shutdown(ctx)
	_ = srv.Close()
	w.log.Info("webhook stopped")
	return err
}

// Run starts the listener and stops it when ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return w.Stop(sctx)
}

// Handler exposes the routes for embedding and tests.
func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebhookPath, w.withAuth(w.handleOpened))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	return mux
}

type openedRequest struct {
	ID   json.RawMessage `json:"id"`
	Info string          `json:"info,omitempty"`
}

func (w *Webhook) handleOpened(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	var info string
	if id == "" {
		var body openedRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
		if err := dec.Decode(&body); err != nil {
			http.Error(rw, "invalid json body", http.StatusBadRequest)
			return
		}
		id = rawID(body.ID)
		info = body.Info
	}
	if id == "" {
		http.Error(rw, "missing session id", http.StatusBadRequest)
		return
	}

	w.log.Info("session opened", logx.String("session_id", id), logx.String("remote", r.RemoteAddr))
	Publish(w.bus, Opened{ID: id, Source: SourceWebhook, Info: info, At: time.Now()})
	rw.WriteHeader(http.StatusAccepted)
}

// rawID accepts both "7" and 7.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (w *Webhook) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(w.cfg.Token)
	if tok == "" {
		return h
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		got := strings.TrimSpace(strings.TrimPrefix(ah, p))
		if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
			h(rw, r)
			return
		}
		rw.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
