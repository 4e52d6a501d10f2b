// Package app wires the console, plugins, session producers and the config
// watcher into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sessionsms/internal/config"
	"sessionsms/internal/eventbus"
	"sessionsms/internal/plugin"
	"sessionsms/internal/router"
	"sessionsms/internal/runtime/supervisor"
	"sessionsms/internal/session"
	"sessionsms/internal/storage"
	"sessionsms/internal/transport"
	"sessionsms/internal/transport/console"
	logx "sessionsms/pkg/logx"
)

// Console is the operator surface the app drives.
type Console interface {
	transport.Adapter
	logx.StatusSink
	// LogWriter is where human-readable log lines go.
	LogWriter() io.Writer
	SetPrompt(prompt string)
}

type Option func(*App)

// WithConsole replaces the readline console.
func WithConsole(c Console) Option {
	return func(a *App) { a.console = c }
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	console Console
	cmdm    *router.CommandManager
	pm      *plugin.Manager

	poller  *session.Poller
	rpc     *session.RPCClient
	webhook *session.Webhook

	updates chan transport.Update
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{
		cfgm:    config.NewConfigManager(cfgPath),
		updates: make(chan transport.Update, 64),
	}
	for _, o := range opts {
		o(a)
	}

	raw, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := effective(raw)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if a.console == nil {
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "console"))
		c, err := console.New(console.Config{
			Prompt:      cfg.Console.Prompt,
			HistoryFile: cfg.Console.HistoryFile,
		}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("console: %w", err)
		}
		a.console = c
	}

	// Route human-readable logs through the console so they don't trample
	// the prompt, then build the logging service on top.
	logx.SetStderr(a.console.LogWriter())
	logSvc, log := logx.New(mapLogConfig(cfg))
	logSvc.SetStatusSink(a.console)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if st != nil {
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.cmdm = router.NewCommandManager(log.With(logx.String("comp", "commands")), a.console)
	a.pm = plugin.NewManager(log, plugin.Deps{
		Logger:  log,
		Adapter: a.console,
		Bus:     a.bus,
		Events:  session.NewBusSource(a.bus),
		Store:   a.store,
	}, a.cmdm)

	if err := a.setupSessions(cfg, log); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) setupSessions(cfg *config.Config, log logx.Logger) error {
	if rc := cfg.Sessions.MsfRPC; rc.Enabled {
		rpcCfg, err := mapRPCConfig(cfg)
		if err != nil {
			return err
		}
		a.rpc = session.NewRPCClient(rpcCfg)
		p, err := session.NewPoller(a.rpc, a.bus, rc.Poll, rpcCfg.Timeout, log.With(logx.String("comp", "sessions.msfrpc")))
		if err != nil {
			return fmt.Errorf("sessions.msfrpc: %w", err)
		}
		a.poller = p
	}
	if wc := cfg.Sessions.Webhook; wc.Enabled {
		a.webhook = session.NewWebhook(session.WebhookConfig{Addr: wc.Addr, Token: wc.Token}, a.bus,
			log.With(logx.String("comp", "sessions.webhook")))
	}
	return nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

func (a *App) Commands() *router.CommandManager { return a.cmdm }

// WebhookAddr is the bound webhook address, or "" when disabled.
func (a *App) WebhookAddr() string {
	if a.webhook == nil {
		return ""
	}
	return a.webhook.Addr()
}

// Done is closed when the app stops running: fatal error, operator exit or Stop().
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// OperatorExited reports whether the operator typed exit/quit or closed stdin.
func (a *App) OperatorExited() bool {
	select {
	case <-a.cmdm.Exit():
		return true
	default:
		return false
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, raw *config.Config) error {
		cfg := effective(raw)
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return a.pm.ValidateConfig(c, cfg)
	})

	if err := a.console.Start(sctx, a.updates); err != nil {
		return fmt.Errorf("console: %w", err)
	}

	cfg := effective(a.cfgm.Get())
	if err := a.pm.StartAll(sctx, cfg); err != nil {
		// plugin failures are reported, never fatal to the host
		a.log.Warn("some plugins failed to start", logx.Err(err))
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("operator.exit", func(c context.Context) {
		select {
		case <-c.Done():
		case <-a.cmdm.Exit():
			a.log.Info("operator exit requested")
			a.sup.Cancel()
		}
	})

	if err := a.startSessions(); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started")
	a.console.Print(transport.LevelStatus, "Ready. Type 'help' for a list of commands.")
	return nil
}

func (a *App) startSessions() error {
	if a.poller != nil {
		a.sup.GoRestart("sessions.msfrpc", func(c context.Context) error {
			err := a.poller.Run(c)
			lctx, cancel := context.WithTimeout(context.WithoutCancel(c), 2*time.Second)
			defer cancel()
			if lerr := a.rpc.Logout(lctx); lerr != nil {
				a.log.Debug("msfrpc logout failed", logx.Err(lerr))
			}
			return err
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.webhook != nil {
		if err := a.webhook.Start(); err != nil {
			return fmt.Errorf("sessions.webhook: %w", err)
		}
		a.sup.Go0("sessions.webhook", func(c context.Context) {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := a.webhook.Stop(sctx); err != nil {
				a.log.Warn("webhook stop failed", logx.Err(err))
			}
		})
	}
	return nil
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.sdNotify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, string(reason)); return nil })
	step("console", 2*time.Second, func(c context.Context) error { return a.console.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { a.closeStore(); return nil })

	a.log.Info("stopped")
	a.logs.SetStatusSink(nil)
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return stepCtx.Err()
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.store = nil
}
