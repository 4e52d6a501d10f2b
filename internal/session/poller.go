package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sessionsms/internal/eventbus"
	logx "sessionsms/pkg/logx"
)

const SourceMsfRPC = "msfrpc"

// SessionLister lists currently open sessions keyed by ID.
type SessionLister interface {
	Sessions(ctx context.Context) (map[string]SessionInfo, error)
}

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Poller periodically lists sessions and publishes the ones it has not
// seen before. The first successful poll only records a baseline so that
// sessions that existed before startup are not announced.
type Poller struct {
	lister   SessionLister
	bus      eventbus.Bus
	log      logx.Logger
	schedule cron.Schedule
	spec     string
	timeout  time.Duration

	mu        sync.Mutex
	known     map[string]struct{}
	baselined bool
}

func NewPoller(lister SessionLister, bus eventbus.Bus, spec string, timeout time.Duration, log logx.Logger) (*Poller, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("poll schedule %q: %w", spec, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		lister:   lister,
		bus:      bus,
		log:      log.With(logx.String("comp", "session.poller")),
		schedule: sched,
		spec:     spec,
		timeout:  timeout,
		known:    map[string]struct{}{},
	}, nil
}

// Poll runs one listing and returns the IDs published as new, in
// ascending numeric order.
func (p *Poller) Poll(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sessions, err := p.lister.Sessions(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	var fresh []string
	for id := range sessions {
		if _, ok := p.known[id]; !ok && p.baselined {
			fresh = append(fresh, id)
		}
	}
	// Closed sessions are forgotten so a reused ID is announced again.
	p.known = make(map[string]struct{}, len(sessions))
	for id := range sessions {
		p.known[id] = struct{}{}
	}
	first := !p.baselined
	p.baselined = true
	p.mu.Unlock()

	if first {
		p.log.Info("session baseline recorded", logx.Int("sessions", len(sessions)))
		return nil, nil
	}

	sortIDs(fresh)
	now := time.Now()
	for _, id := range fresh {
		info := sessions[id]
		p.log.Info("session opened", logx.String("session_id", id), logx.String("type", info.Type), logx.String("peer", info.TunnelPeer))
		Publish(p.bus, Opened{ID: id, Source: SourceMsfRPC, Info: info.Info, At: now})
	}
	return fresh, nil
}

// Run polls on the configured schedule until ctx is done. Overlapping
// ticks are skipped.
func (p *Poller) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{p.log})),
	)
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("session poll failed", logx.Err(err))
		}
	}))
	p.log.Info("session poller started", logx.String("schedule", p.spec))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	p.log.Info("session poller stopped")
	return nil
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
