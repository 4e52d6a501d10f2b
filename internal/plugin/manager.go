package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"sessionsms/internal/config"
	"sessionsms/internal/eventbus"
	"sessionsms/internal/router"
	logx "sessionsms/pkg/logx"
)

// Plugin lifecycle event types published on the bus.
const (
	EventStarted       = "plugin.started"
	EventStopped       = "plugin.stopped"
	EventInitFailed    = "plugin.init_failed"
	EventStartFailed   = "plugin.start_failed"
	EventConfigApplied = "plugin.config_applied"
	EventConfigFailed  = "plugin.config_failed"
	EventStopTimeout   = "plugin.stop_timeout"
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
}

// Status is a point-in-time view of one registered plugin.
type Status struct {
	Name        string
	Enabled     bool
	Running     bool
	Quarantined string // last config error while quarantined
}

type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps
	reg  map[string]Plugin
	run  map[string]bool
	// inited tracks plugins that passed Init once; Init is not repeated on
	// enable/disable cycles.
	inited      map[string]bool
	lastRawHash map[string]uint64
	// quarantine keeps a plugin disabled while its config stays invalid.
	quarantine map[string]quarantineState
	pcancel    map[string]context.CancelFunc

	// baseCtx outlives the call-scoped contexts handed to StartAll and
	// OnConfigUpdate; BindContext ties it to the app context.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	cfg  *config.Config
	cmdm *router.CommandManager

	callTimeout time.Duration
}

func NewManager(log logx.Logger, deps Deps, cmdm *router.CommandManager) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log.With(logx.String("comp", "plugins")),
		deps:        deps,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		quarantine:  map[string]quarantineState{},
		pcancel:     map[string]context.CancelFunc{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		cfg:         &config.Config{},
		cmdm:        cmdm,
		callTimeout: 10 * time.Second,
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// BindContext ties the plugins' base context to appCtx. First bind wins.
func (pm *Manager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	baseCancel := pm.baseCancel
	pm.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		if pl == nil {
			continue
		}
		pm.reg[pl.Name()] = pl
	}
	pm.refreshRegistryLocked()
}

func (pm *Manager) StartAll(ctx context.Context, cfg *config.Config) error {
	pm.BindContext(ctx)
	return pm.reconcile(cfg)
}

func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.BindContext(ctx)
	if err := pm.reconcile(cfg); err != nil {
		pm.log.Warn("plugin reconcile failed", logx.Err(err))
	}
}

// StopAll stops every running plugin. Each Stop is bounded by ctx.
func (pm *Manager) StopAll(ctx context.Context, reason string) {
	for _, name := range pm.names() {
		pm.stopOne(ctx, name, reason)
	}
	pm.mu.Lock()
	pm.refreshRegistryLocked()
	pm.mu.Unlock()
	pm.baseCancel()
}

// Running reports whether the named plugin is started.
func (pm *Manager) Running(name string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.run[name]
}

func (pm *Manager) Snapshot() []Status {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.reg))
	for name := range pm.reg {
		raw, ok := pm.cfg.Plugins[name]
		st := Status{Name: name, Enabled: ok && raw.Enabled, Running: pm.run[name]}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined = q.err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (pm *Manager) names() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (pm *Manager) stopOne(stopCtx context.Context, name, reason string) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()

	if !running || p == nil {
		return
	}

	start := time.Now()
	pm.log.Debug("stopping plugin", logx.String("plugin", name), logx.String("reason", reason))

	if cancel != nil {
		cancel()
	}

	// Do not let a misbehaving plugin block shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
		pm.emit(EventStopTimeout, pluginEvent{Plugin: name, Reason: reason, Err: stopCtx.Err().Error()})
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit(EventStopped, pluginEvent{Plugin: name, Reason: reason, TookMS: took.Milliseconds()})
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", took))
}

func (pm *Manager) setQuarantine(name string, rawHash uint64, err error) {
	pm.mu.Lock()
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: err.Error(), since: time.Now()}
	pm.mu.Unlock()
	pm.log.Warn("plugin quarantined (invalid config)", logx.String("plugin", name), logx.Err(err))
	pm.emit(EventConfigFailed, pluginEvent{Plugin: name, Err: err.Error()})
}

// quarantined reports whether name is held back for exactly this config.
// A changed config clears the quarantine so it can be retried.
func (pm *Manager) quarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	q, ok := pm.quarantine[name]
	if !ok {
		return false
	}
	if q.rawHash != rawHash {
		delete(pm.quarantine, name)
		return false
	}
	return true
}

func (pm *Manager) reconcile(cfg *config.Config) error {
	if cfg == nil {
		cfg = &config.Config{}
	}
	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		rawHash uint64
		enabled bool
		run     bool
	}
	pm.mu.Lock()
	pm.cfg = cfg
	ops := make([]op, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{
			name:    name,
			p:       p,
			raw:     raw,
			rawHash: raw.ConfigFingerprint(),
			enabled: ok && raw.Enabled,
			run:     pm.run[name],
		})
	}
	callTimeout := pm.callTimeout
	pm.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	var errs []error
	for _, o := range ops {
		switch {
		case o.enabled && !o.run:
			if pm.quarantined(o.name, o.rawHash) {
				pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", o.name))
				continue
			}
			if err := pm.enable(o.name, o.p, o.raw, o.rawHash, callTimeout); err != nil {
				errs = append(errs, err)
			}

		case !o.enabled && o.run:
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, o.name, "disabled")
			cancel()

		case o.enabled && o.run:
			pm.mu.Lock()
			oldHash := pm.lastRawHash[o.name]
			pm.mu.Unlock()
			if o.rawHash == oldHash {
				continue
			}
			if err := pm.applyConfig(o.name, o.p, o.raw, callTimeout); err != nil {
				pm.setQuarantine(o.name, o.rawHash, err)
				stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
				pm.stopOne(stopCtx, o.name, "quarantine")
				cancel()
				errs = append(errs, fmt.Errorf("plugin %s: %w", o.name, err))
				continue
			}
			pm.mu.Lock()
			pm.lastRawHash[o.name] = o.rawHash
			pm.mu.Unlock()
		}
	}

	pm.mu.Lock()
	pm.refreshRegistryLocked()
	pm.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("%d plugin(s) failed: %w", len(errs), errs[0])
	}
	return nil
}

func (pm *Manager) enable(name string, p Plugin, raw config.PluginConfigRaw, rawHash uint64, callTimeout time.Duration) error {
	pctx, cancel := context.WithCancel(pm.baseCtx)

	pm.mu.Lock()
	needInit := !pm.inited[name]
	deps := pm.deps
	pm.mu.Unlock()
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, deps) })
		icancel()
		if err != nil {
			cancel()
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			pm.emit(EventInitFailed, pluginEvent{Plugin: name, Err: err.Error()})
			return fmt.Errorf("plugin %s: init: %w", name, err)
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if err := pm.applyConfig(name, p, raw, callTimeout); err != nil {
		cancel()
		pm.setQuarantine(name, rawHash, err)
		return fmt.Errorf("plugin %s: %w", name, err)
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel, callTimeout); err != nil {
		cancel()
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		pm.emit(EventStartFailed, pluginEvent{Plugin: name, Err: err.Error()})
		return fmt.Errorf("plugin %s: start: %w", name, err)
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pcancel[name] = cancel
	pm.lastRawHash[name] = rawHash
	delete(pm.quarantine, name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name))
	pm.emit(EventStarted, pluginEvent{Plugin: name})
	return nil
}

// applyConfig validates the standard timeouts block and hands the raw config
// to the plugin.
func (pm *Manager) applyConfig(name string, p Plugin, raw config.PluginConfigRaw, callTimeout time.Duration) error {
	if err := validateStandardTimeouts(name, raw); err != nil {
		return err
	}
	if v, ok := p.(ConfigValidator); ok {
		cctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
		err := v.ValidateConfig(cctx, raw.Config)
		cancel()
		if err != nil {
			return fmt.Errorf("config validate: %w", err)
		}
	}
	cp, ok := p.(ConfigurablePlugin)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
	err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
	cancel()
	if err != nil {
		return fmt.Errorf("config apply: %w", err)
	}
	pm.emit(EventConfigApplied, pluginEvent{Plugin: name})
	return nil
}

func validateStandardTimeouts(name string, raw config.PluginConfigRaw) error {
	t, err := standardTimeouts(raw.Config)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", name, err)
	}
	return t.Validate(name + ".timeouts")
}

// startWithTimeout calls Start(pctx) but enforces a deadline. On timeout the
// plugin ctx is cancelled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) refreshRegistryLocked() {
	if pm.cmdm == nil {
		return
	}
	var cmds []router.Command
	for name, p := range pm.reg {
		if !pm.run[name] {
			continue
		}
		var pto time.Duration
		if t, err := standardTimeouts(pm.cfg.Plugins[name].Config); err == nil {
			pto = t.CommandOr(0)
		}
		for _, c := range pm.safeCommands(name, p) {
			c.PluginName = name
			if pto > 0 && c.Timeout <= 0 {
				c.Timeout = pto
			}
			cmds = append(cmds, c)
		}
	}
	pm.cmdm.SetRegistry(cmds)
}

func (pm *Manager) safeCommands(name string, p Plugin) (out []router.Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()",
				logx.String("plugin", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			out = nil
		}
	}()
	return p.Commands()
}

// ValidateConfig checks enabled plugins' config blocks before a new app
// config is committed. It does not call Init/Start/Stop.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	pm.mu.Lock()
	type item struct {
		name string
		p    Plugin
		raw  config.PluginConfigRaw
	}
	var items []item
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		if ok && raw.Enabled {
			items = append(items, item{name, p, raw})
		}
	}
	pm.mu.Unlock()

	for _, it := range items {
		if err := validateStandardTimeouts(it.name, it.raw); err != nil {
			return err
		}
		if v, ok := it.p.(ConfigValidator); ok {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := v.ValidateConfig(cctx, it.raw.Config)
			cancel()
			if err != nil {
				return fmt.Errorf("plugin %s: config validate: %w", it.name, err)
			}
		}
	}
	return nil
}
