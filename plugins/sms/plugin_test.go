package sms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"sessionsms/internal/eventbus"
	"sessionsms/internal/plugin"
	"sessionsms/internal/router"
	"sessionsms/internal/session"
	"sessionsms/internal/sms"
	"sessionsms/internal/storage"
	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

type printed struct {
	level transport.Level
	text  string
}

type stubAdapter struct {
	mu    sync.Mutex
	lines []printed
}

func (a *stubAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *stubAdapter) Stop(context.Context) error                            { return nil }
func (a *stubAdapter) Print(level transport.Level, text string) {
	a.mu.Lock()
	a.lines = append(a.lines, printed{level, text})
	a.mu.Unlock()
}

func (a *stubAdapter) take() []printed {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.lines
	a.lines = nil
	return out
}

func (a *stubAdapter) has(level transport.Level, substr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.lines {
		if l.level == level && strings.Contains(l.text, substr) {
			return true
		}
	}
	return false
}

type stubTransport struct {
	mu         sync.Mutex
	status     int
	delay      time.Duration // per Connect
	connectErr error
	urls       []string
	closed     int
}

func (t *stubTransport) Open(string) sms.Conn { return &stubConn{t: t} }

func (t *stubTransport) requests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.urls...)
}

type stubConn struct{ t *stubTransport }

func (c *stubConn) Connect(ctx context.Context) error {
	if c.t.delay > 0 {
		select {
		case <-time.After(c.t.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.t.connectErr
}

func (c *stubConn) Do(_ context.Context, req *http.Request) (*http.Response, error) {
	c.t.mu.Lock()
	c.t.urls = append(c.t.urls, req.URL.String())
	status := c.t.status
	c.t.mu.Unlock()
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (c *stubConn) Close() error {
	c.t.mu.Lock()
	c.t.closed++
	c.t.mu.Unlock()
	return nil
}

type harness struct {
	p     *Plugin
	ad    *stubAdapter
	tr    *stubTransport
	bus   eventbus.Bus
	store storage.Store
	cmdm  *router.CommandManager
	root  string
}

func newHarness(t *testing.T, root string, tr *stubTransport) *harness {
	t.Helper()
	if root == "" {
		root = t.TempDir()
	}
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		p:     New(WithTransport(tr)),
		ad:    &stubAdapter{},
		tr:    tr,
		bus:   eventbus.New(),
		store: st,
		root:  root,
	}
	ctx, cancel := context.WithCancel(context.Background())
	deps := plugin.Deps{
		Logger:  logx.Nop(),
		Adapter: h.ad,
		Bus:     h.bus,
		Events:  session.NewBusSource(h.bus),
		Store:   st,
	}
	if err := h.p.Init(ctx, deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{"config_root": root, "timeouts": map[string]string{"operation": "2s"}})
	if err := h.p.OnConfigChange(ctx, raw); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = h.p.Stop(sctx)
		cancel()
	})

	h.cmdm = router.NewCommandManager(logx.Nop(), h.ad)
	h.cmdm.SetRegistry(h.p.Commands())
	return h
}

func (h *harness) run(line string) {
	h.cmdm.Execute(context.Background(), line)
}

func (h *harness) configure() {
	h.run("sms_set_server kp.example.com")
	h.run("sms_set_token abc123")
	h.run("sms_set_number 5551234567")
	h.run("sms_set_carrier Verizon")
	h.ad.take()
}

func TestSetCommands(t *testing.T) {
	h := newHarness(t, "", &stubTransport{status: 200})

	h.run("sms_set_number 12345")
	if !h.ad.has(transport.LevelError, "Please provide a valid SMS number!") {
		t.Fatalf("short number accepted: %+v", h.ad.take())
	}
	h.run("sms_set_number")
	if !h.ad.has(transport.LevelError, "Please provide a valid SMS number!") {
		t.Fatalf("missing number accepted")
	}
	h.run("sms_set_number 5551234567")
	if !h.ad.has(transport.LevelStatus, "Setting SMS number to 5551234567") {
		t.Fatalf("valid number rejected: %+v", h.ad.take())
	}
	h.run("sms_set_number 123")
	if got := h.p.Settings().Number; got != "5551234567" {
		t.Fatalf("number = %q after rejected update", got)
	}

	h.ad.take()
	h.run("sms_set_carrier Virgin Mobile")
	if got := h.p.Settings().Carrier; got != sms.CarrierVirginMobile {
		t.Fatalf("carrier = %q", got)
	}
	h.run(`sms_set_carrier "AT&T"`)
	if got := h.p.Settings().Carrier; got != sms.CarrierATT {
		t.Fatalf("carrier = %q", got)
	}
	h.run("sms_set_carrier Vodafone")
	if !h.ad.has(transport.LevelError, "Please provide a valid SMS carrier (AT&T") {
		t.Fatalf("bad carrier message missing: %+v", h.ad.take())
	}
	if got := h.p.Settings().Carrier; got != sms.CarrierATT {
		t.Fatalf("carrier changed by rejected value: %q", got)
	}

	h.ad.take()
	h.run("sms_set_server")
	if !h.ad.has(transport.LevelError, "Please provide the domain name of your King Phisher server!") {
		t.Fatalf("missing server accepted")
	}
	h.run("sms_set_token secret-token-9876")
	if !h.ad.has(transport.LevelStatus, "************9876") || h.ad.has(transport.LevelStatus, "secret-token") {
		t.Fatalf("token echo not masked: %+v", h.ad.take())
	}
}

func TestShowParams(t *testing.T) {
	h := newHarness(t, "", &stubTransport{status: 200})
	h.configure()
	h.run("sms_show_params")
	lines := h.ad.take()
	var texts []string
	for _, l := range lines {
		texts = append(texts, l.text)
	}
	want := []string{
		"Parameters:",
		"  King Phisher Server: kp.example.com",
		"  King Phisher Token: **c123",
		"  SMS Number: 5551234567",
		"  SMS Carrier: Verizon",
	}
	if strings.Join(texts, "\n") != strings.Join(want, "\n") {
		t.Fatalf("show_params:\n%s\nwant:\n%s", strings.Join(texts, "\n"), strings.Join(want, "\n"))
	}
}

func TestStartRequiresCompleteSettings(t *testing.T) {
	h := newHarness(t, "", &stubTransport{status: 200})
	h.run("sms_set_server kp.example.com")
	h.ad.take()

	for _, cmd := range []string{"sms_start", "sms_save", "sms_test"} {
		h.run(cmd)
		if !h.ad.has(transport.LevelError, msgMissingParams) {
			t.Fatalf("%s: missing-parameters error not printed: %+v", cmd, h.ad.take())
		}
		h.ad.take()
	}
	if h.p.Active() {
		t.Fatalf("alerts active with incomplete settings")
	}
	if n := len(h.tr.requests()); n != 0 {
		t.Fatalf("%d requests sent with incomplete settings", n)
	}
}

func TestSaveAndAutoLoad(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubTransport{status: 200})
	h.configure()
	h.run("sms_save")
	path := filepath.Join(root, sms.SettingsFile)
	if !h.ad.has(transport.LevelGood, "All parameters saved to "+path) {
		t.Fatalf("save output: %+v", h.ad.take())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file: %v", err)
	}

	h2 := newHarness(t, root, &stubTransport{status: 200})
	if !h2.ad.has(transport.LevelStatus, "Loaded previously configured settings") {
		t.Fatalf("auto-load message missing: %+v", h2.ad.take())
	}
	if got := h2.p.Settings(); got != h.p.Settings() {
		t.Fatalf("loaded %+v, want %+v", got, h.p.Settings())
	}
}

func TestLoadCommand(t *testing.T) {
	h := newHarness(t, "", &stubTransport{status: 200})
	h.run("sms_load")
	if !h.ad.has(transport.LevelError, "No saved settings at") {
		t.Fatalf("sms_load without file: %+v", h.ad.take())
	}

	h.ad.take()
	if err := os.WriteFile(filepath.Join(h.root, sms.SettingsFile), []byte("king_phisher_server: [unclosed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h.run("sms_load")
	if !h.ad.has(transport.LevelError, "sms_load: parse") {
		t.Fatalf("sms_load with malformed file: %+v", h.ad.take())
	}
}

func TestSMSTestCommand(t *testing.T) {
	tests := []struct {
		name string
		tr   *stubTransport
		want printed
	}{
		{"ok", &stubTransport{status: 200}, printed{transport.LevelGood, "Sent the test SMS message"}},
		{"not found", &stubTransport{status: 404}, printed{transport.LevelError, "Failed to send the test SMS message"}},
		{"connect", &stubTransport{connectErr: errors.New("refused")}, printed{transport.LevelError, "Error sending SMS"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "", tc.tr)
			h.configure()
			h.run("sms_test hello world")
			if !h.ad.has(tc.want.level, tc.want.text) {
				t.Fatalf("output %+v, want %+v", h.ad.take(), tc.want)
			}
			if tc.tr.connectErr == nil {
				reqs := tc.tr.requests()
				if len(reqs) != 1 || !strings.Contains(reqs[0], "message=hello%20world") {
					t.Fatalf("requests = %v", reqs)
				}
			}
			recs, err := h.store.RecentDispatches(context.Background(), 5)
			if err != nil || len(recs) != 1 || recs[0].Trigger != storage.TriggerTest {
				t.Fatalf("audit = %+v, %v", recs, err)
			}
		})
	}
}

func TestSMSTestSendsMessageAsTyped(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"sms_test shell on box --check now", "shell on box --check now"},
		{"sms_test session -x opened", "session -x opened"},
		{"sms_test server's down", "server's down"},
		{"sms_test ping -- pong", "ping -- pong"},
		{`sms_test "quoted" stays`, `"quoted" stays`},
		{"sms_test", sms.DefaultTestMessage},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			tr := &stubTransport{status: 200}
			h := newHarness(t, "", tr)
			h.configure()
			h.run(tc.line)
			reqs := tr.requests()
			if len(reqs) != 1 {
				t.Fatalf("requests = %v, output %+v", reqs, h.ad.take())
			}
			u, err := url.Parse(reqs[0])
			if err != nil {
				t.Fatal(err)
			}
			if got := u.Query().Get("message"); got != tc.want {
				t.Fatalf("message = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStopDropsQueuedAlerts(t *testing.T) {
	tr := &stubTransport{status: 200, delay: 100 * time.Millisecond}
	h := newHarness(t, "", tr)
	h.configure()

	h.run("sms_start")
	for i := 1; i <= 5; i++ {
		session.Publish(h.bus, session.Opened{ID: strconv.Itoa(i), At: time.Now()})
	}
	time.Sleep(20 * time.Millisecond)
	h.run("sms_stop")
	if h.p.Active() {
		t.Fatalf("alerts still active after sms_stop")
	}

	// Only the dispatch already in flight at sms_stop may finish.
	time.Sleep(600 * time.Millisecond)
	if n := len(tr.requests()); n > 1 {
		t.Fatalf("%d requests sent, want at most the one in flight", n)
	}
}

func TestSessionAlerts(t *testing.T) {
	tr := &stubTransport{status: 200}
	h := newHarness(t, "", tr)
	h.configure()

	dispatched, unsub := h.bus.Subscribe(4, eventbus.SMSDispatched)
	defer unsub()

	h.run("sms_start")
	if !h.ad.has(transport.LevelGood, "Started SMS sessions session notifications") || !h.p.Active() {
		t.Fatalf("sms_start: %+v", h.ad.take())
	}

	session.Publish(h.bus, session.Opened{ID: "7", Source: "test", At: time.Now()})
	select {
	case ev := <-dispatched:
		if ev.Data != string(sms.Sent) {
			t.Fatalf("dispatch event data = %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no dispatch after session opened")
	}

	reqs := tr.requests()
	want := "http://kp.example.com/_/api/sms/send?token=abc123&message=Session%3A%207%20opened&phone_number=5551234567&carrier=Verizon"
	if len(reqs) != 1 || reqs[0] != want {
		t.Fatalf("requests = %v, want [%s]", reqs, want)
	}
	if !h.ad.has(transport.LevelStatus, "Session received, sending SMS...") || !h.ad.has(transport.LevelGood, "SMS sent for session 7") {
		t.Fatalf("console: %+v", h.ad.take())
	}

	h.ad.take()
	h.run("sms_history")
	if !h.ad.has(transport.LevelStatus, "session 7  sent (200)") {
		t.Fatalf("history: %+v", h.ad.take())
	}

	h.run("sms_stop")
	if h.p.Active() {
		t.Fatalf("alerts still active after sms_stop")
	}
	session.Publish(h.bus, session.Opened{ID: "8", At: time.Now()})
	time.Sleep(50 * time.Millisecond)
	if n := len(tr.requests()); n != 1 {
		t.Fatalf("%d requests after sms_stop, want 1", n)
	}
}

func TestStatusAndHistoryWithoutStore(t *testing.T) {
	h := newHarness(t, "", &stubTransport{status: 200})
	h.p.Deps.Store = nil
	h.run("sms_status")
	if !h.ad.has(transport.LevelStatus, "SMS alerts are inactive") || !h.ad.has(transport.LevelWarning, "Missing parameters: server, token, number, carrier") {
		t.Fatalf("status: %+v", h.ad.take())
	}
	h.run("sms_history")
	if !h.ad.has(transport.LevelWarning, "storage disabled") {
		t.Fatalf("history without store: %+v", h.ad.take())
	}
	h.ad.take()
	h.run("sms_history zero")
	if !h.ad.has(transport.LevelError, "positive number") {
		t.Fatalf("bad history arg: %+v", h.ad.take())
	}
}

func TestConfigValidation(t *testing.T) {
	p := New()
	bad := []string{
		`{"scheme":"ftp"}`,
		`{"config_rooot":"/tmp"}`,
		`{"timeouts":{"task":"1s"}}`,
		`{"timeouts":{"operation":"fast"}}`,
	}
	for _, raw := range bad {
		if err := p.ValidateConfig(context.Background(), json.RawMessage(raw)); err == nil {
			t.Fatalf("ValidateConfig(%s) = nil", raw)
		}
	}
	c, err := parseConfig(json.RawMessage(`{"scheme":"HTTP","config_root":"/srv/sms"}`))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if c.Scheme != "http" || c.ConfigRoot != "/srv/sms" {
		t.Fatalf("config = %+v", c)
	}
	if c, _ := parseConfig(nil); !strings.HasSuffix(c.ConfigRoot, ".sessionsms") || c.Scheme != sms.DefaultScheme {
		t.Fatalf("defaults = %+v", c)
	}
}
