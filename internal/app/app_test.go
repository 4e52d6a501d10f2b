package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sessionsms/internal/config"
	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
	smsplugin "sessionsms/plugins/sms"
)

type fakeConsole struct {
	mu     sync.Mutex
	out    chan<- transport.Update
	lines  []string
	prompt string
}

func (f *fakeConsole) Start(_ context.Context, out chan<- transport.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeConsole) Stop(context.Context) error { return nil }

func (f *fakeConsole) Print(_ transport.Level, text string) {
	f.mu.Lock()
	f.lines = append(f.lines, text)
	f.mu.Unlock()
}

func (f *fakeConsole) LogStatus(logx.Level, string) {}
func (f *fakeConsole) LogWriter() io.Writer         { return io.Discard }

func (f *fakeConsole) SetPrompt(p string) {
	f.mu.Lock()
	f.prompt = p
	f.mu.Unlock()
}

func (f *fakeConsole) send(line string) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- transport.Update{Kind: transport.UpdateLine, Line: line}
}

func (f *fakeConsole) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, l := range f.lines {
			if strings.Contains(l, substr) {
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Fatalf("console never printed %q; got:\n%s", substr, strings.Join(f.lines, "\n"))
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "sessionsms.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppWebhookToSMS(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	kp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer kp.Close()
	kpHost := strings.TrimPrefix(kp.URL, "http://")

	dir := t.TempDir()
	path := writeConfig(t, dir, `
logging:
  level: debug
  console: false
console:
  prompt: "test > "
sessions:
  webhook:
    enabled: true
    addr: 127.0.0.1:0
storage:
  driver: file
  path: `+filepath.Join(dir, "store")+`
plugins:
  sms:
    enabled: true
    config:
      config_root: `+dir+`
      scheme: http
      timeouts:
        operation: 2s
`)

	fc := &fakeConsole{}
	a, err := New(path, WithConsole(fc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Plugins().Register(smsplugin.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopOperatorExit)
	}()

	fc.waitFor(t, "Ready.")
	fc.send("sms_set_server " + kpHost)
	fc.send("sms_set_token abc123")
	fc.send("sms_set_number 5551234567")
	fc.send(`sms_set_carrier "AT&T"`)
	fc.send("sms_start")
	fc.waitFor(t, "Started SMS sessions session notifications")

	resp, err := http.Post("http://"+a.WebhookAddr()+"/sessions/opened?id=42", "application/json", nil)
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	fc.waitFor(t, "SMS sent for session 42")
	mu.Lock()
	got := append([]string(nil), queries...)
	mu.Unlock()
	want := "/_/api/sms/send?token=abc123&message=Session%3A%2042%20opened&phone_number=5551234567&carrier=AT%26T"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("king phisher saw %v, want [%s]", got, want)
	}

	fc.send("exit")
	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("app did not stop after exit")
	}
	if !a.OperatorExited() {
		t.Fatalf("OperatorExited = false")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cases := []string{
		"logging:\n  level: loud\n",
		"unknown_section: true\n",
		"sessions:\n  msfrpc:\n    enabled: true\n    poll: \"every now and then\"\n    user: msf\n",
	}
	for _, body := range cases {
		path := writeConfig(t, dir, body)
		if _, err := New(path, WithConsole(&fakeConsole{})); err == nil {
			t.Fatalf("New accepted config:\n%s", body)
		}
	}
}

func TestEffectiveDoesNotMutate(t *testing.T) {
	raw := &config.Config{}
	cfg := effective(raw)
	if cfg.Console.Prompt != config.DefaultPrompt || cfg.Sessions.MsfRPC.Poll != config.DefaultMsfRPCPoll {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if raw.Console.Prompt != "" {
		t.Fatalf("effective mutated the committed config")
	}
	if effective(nil) == nil {
		t.Fatalf("effective(nil) = nil")
	}
}

func TestMapConfigs(t *testing.T) {
	cfg := &config.Config{
		Storage: &config.StorageConfig{Driver: " SQLite ", Path: "./x.db", BusyTimeout: "3s"},
		Sessions: config.SessionsConfig{MsfRPC: config.MsfRPCConfig{
			URL: " https://10.0.0.1:55552/api/ ", User: "msf", Pass: "pw", Timeout: "",
		}},
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.Path != "./x.db" || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	rc, err := mapRPCConfig(cfg)
	if err != nil || rc.URL != "https://10.0.0.1:55552/api/" || rc.Timeout != config.DefaultMsfRPCTimeout {
		t.Fatalf("rpc = %+v, %v", rc, err)
	}
	if sc, err := mapStorageConfig(&config.Config{}); err != nil || sc.Driver != "" {
		t.Fatalf("nil storage = %+v, %v", sc, err)
	}
}
