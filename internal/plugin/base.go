package plugin

import (
	"context"
	"errors"
	"sync"

	"sessionsms/internal/eventbus"
	"sessionsms/internal/runtime/supervisor"
	"sessionsms/internal/storage"
	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

var (
	ErrNoStore    = errors.New("storage not available")
	ErrNotRunning = errors.New("plugin not running")
)

// PluginBase is embedded by plugins for logging, a per-plugin supervisor and
// console output.
//
//	type Plugin struct { plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return p.Go("loop", p.loop) }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log        logx.Logger
	Deps       Deps
	pluginName string

	mu     sync.Mutex
	runner *supervisor.Supervisor
	ctx    context.Context
}

// InitBase wires deps + logger.
func (b *PluginBase) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
	b.runner = supervisor.New(ctx, supervisor.WithLogger(b.Log), supervisor.WithCancelOnError(false))
}

// StopBase cancels runner + waits bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	b.mu.Lock()
	r := b.runner
	b.runner = nil
	b.mu.Unlock()
	if r == nil {
		return nil
	}
	r.Cancel()
	return r.Wait(ctx)
}

// Go runs fn under the plugin supervisor. It returns ErrNotRunning between
// StopBase and the next StartBase.
func (b *PluginBase) Go(name string, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runner == nil {
		return ErrNotRunning
	}
	b.runner.Go(name, fn)
	return nil
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *PluginBase) Context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Print writes a console line through the adapter, if any.
func (b *PluginBase) Print(level transport.Level, text string) {
	if b.Deps.Adapter != nil {
		b.Deps.Adapter.Print(level, text)
	}
}

// PublishEvent publishes to the in-process event bus (if present). Publish
// is non-blocking.
func (b *PluginBase) PublishEvent(typ string, data any) {
	if b == nil || b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// AppendDispatch records a dispatch in the audit store. Best-effort:
// ErrNoStore is returned when storage is disabled.
func (b *PluginBase) AppendDispatch(ctx context.Context, r storage.DispatchRecord) error {
	if b.Deps.Store == nil {
		return ErrNoStore
	}
	return b.Deps.Store.AppendDispatch(ctx, r)
}
