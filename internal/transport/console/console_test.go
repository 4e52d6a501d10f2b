package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

type fakeReader struct {
	mu     sync.Mutex
	lines  []string
	errs   []error
	out    bytes.Buffer
	closed bool
	prompt string
}

func (f *fakeReader) Readline() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lines) == 0 {
		return "", io.EOF
	}
	line, err := f.lines[0], f.errs[0]
	f.lines, f.errs = f.lines[1:], f.errs[1:]
	return line, err
}

func (f *fakeReader) SetPrompt(p string) { f.prompt = p }
func (f *fakeReader) Stdout() io.Writer  { return lockedWriter{f} }
func (f *fakeReader) Stderr() io.Writer  { return lockedWriter{f} }
func (f *fakeReader) Close() error       { f.closed = true; return nil }

func (f *fakeReader) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

type lockedWriter struct{ f *fakeReader }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	return w.f.out.Write(p)
}

func TestConsoleForwardsLinesAndEOF(t *testing.T) {
	color.NoColor = true
	fr := &fakeReader{
		lines: []string{"sms_status", "", "sms_show_params"},
		errs:  []error{nil, readline.ErrInterrupt, nil},
	}
	c := newWithReader(fr, logx.Nop())
	out := make(chan transport.Update, 8)
	if err := c.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []transport.Update
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case u := <-out:
			got = append(got, u)
		case <-timeout:
			t.Fatalf("timed out; got %+v", got)
		}
	}
	if got[0].Line != "sms_status" || got[1].Line != "sms_show_params" || got[2].Kind != transport.UpdateEOF {
		t.Fatalf("updates = %+v", got)
	}
	if !strings.Contains(fr.String(), "type 'exit' in order to quit") {
		t.Fatalf("interrupt hint missing: %q", fr.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !fr.closed {
		t.Fatal("reader not closed")
	}
}

func TestConsolePrintPrefixes(t *testing.T) {
	color.NoColor = true
	// prefixes are rendered at init; rebuild without color for stable output.
	prefixes = map[transport.Level]string{
		transport.LevelStatus:  "[*]",
		transport.LevelGood:    "[+]",
		transport.LevelError:   "[-]",
		transport.LevelWarning: "[!]",
	}
	fr := &fakeReader{}
	c := newWithReader(fr, logx.Nop())

	c.Print(transport.LevelGood, "Sent the test SMS message")
	c.Print(transport.LevelError, "Failed to send the test SMS message")
	c.Print(transport.LevelStatus, "Parameters:\n  SMS Number: 5551234567")
	c.LogStatus(logx.LevelWarn, "session poll failed")

	want := "[+] Sent the test SMS message\n" +
		"[-] Failed to send the test SMS message\n" +
		"[*] Parameters:\n" +
		"[*]   SMS Number: 5551234567\n" +
		"[!] session poll failed\n"
	if got := fr.String(); got != want {
		t.Fatalf("output =\n%s\nwant\n%s", got, want)
	}
}

func TestCompleterUpdates(t *testing.T) {
	t.Parallel()
	c := newCompleter()
	c.set([]transport.MenuEntry{
		{Command: "sms_start"},
		{Command: "sms_set_carrier", Args: []string{"Verizon", "Virgin Mobile"}},
	})

	cands, _ := c.Do([]rune("sms_st"), len("sms_st"))
	if len(cands) != 1 || string(cands[0]) != "art " {
		t.Fatalf("candidates = %q", cands)
	}
	cands, _ = c.Do([]rune("sms_set_carrier V"), len("sms_set_carrier V"))
	if len(cands) != 2 {
		t.Fatalf("carrier candidates = %q", cands)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	if got := expandHome("~/.sessionsms_history"); got != "/home/op/.sessionsms_history" {
		t.Fatalf("expandHome = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("expandHome = %q", got)
	}
}
