package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"sessionsms/internal/eventbus"
	logx "sessionsms/pkg/logx"
)

type fakeLister struct {
	mu    sync.Mutex
	steps []map[string]SessionInfo
	err   error
}

func (f *fakeLister) Sessions(context.Context) (map[string]SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.steps) == 0 {
		return map[string]SessionInfo{}, nil
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s, nil
}

func ids(list ...string) map[string]SessionInfo {
	m := map[string]SessionInfo{}
	for _, id := range list {
		m[id] = SessionInfo{Type: "meterpreter"}
	}
	return m
}

func TestPollerBaselineThenNewSessions(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := NewBusSource(bus).Subscribe(16)
	defer unsub()

	lister := &fakeLister{steps: []map[string]SessionInfo{
		ids("1", "2"),
		ids("1", "2", "10", "3"),
		ids("3"),
		ids("3", "1"),
	}}
	p, err := NewPoller(lister, bus, "@every 1s", 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	ctx := context.Background()
	steps := [][]string{nil, {"3", "10"}, nil, {"1"}}
	for i, want := range steps {
		got, err := p.Poll(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("poll %d: new = %v, want %v", i, got, want)
		}
	}

	for _, want := range []string{"3", "10", "1"} {
		o := recv(t, ch)
		if o.ID != want || o.Source != SourceMsfRPC {
			t.Fatalf("event = %+v, want id %s from msfrpc", o, want)
		}
	}
}

func TestPollerErrorKeepsState(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{steps: []map[string]SessionInfo{ids("1")}}
	p, err := NewPoller(lister, eventbus.New(), "*/5 * * * * *", 0, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	lister.mu.Lock()
	lister.err = errors.New("connection refused")
	lister.mu.Unlock()
	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}
	if !p.baselined {
		t.Fatal("baseline lost after error")
	}
}

func TestNewPollerRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	if _, err := NewPoller(&fakeLister{}, eventbus.New(), "sometimes", 0, logx.Nop()); err == nil {
		t.Fatal("expected schedule error")
	}
}
