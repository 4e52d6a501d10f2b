// Package sms sends an SMS through a King Phisher server whenever a new
// session opens, and exposes the sms_* console commands to configure it.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sessionsms/internal/plugin"
	"sessionsms/internal/sms"
	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

const (
	defaultConfigRoot = "~/.sessionsms"
	defaultOperation  = 10 * time.Second
	alertBuffer       = 16
)

// Config is the plugin's "config" block.
type Config struct {
	ConfigRoot         string                `json:"config_root,omitempty"`
	Scheme             string                `json:"scheme,omitempty"`
	InsecureSkipVerify bool                  `json:"insecure_skip_verify,omitempty"`
	Timeouts           plugin.TimeoutsConfig `json:"timeouts,omitempty"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ConfigRoot) == "" {
		c.ConfigRoot = defaultConfigRoot
	}
	c.ConfigRoot = expandHome(c.ConfigRoot)
	c.Scheme = strings.ToLower(strings.TrimSpace(c.Scheme))
	if c.Scheme == "" {
		c.Scheme = sms.DefaultScheme
	}
	return c
}

func (c Config) validate() error {
	switch c.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("sms.scheme must be http or https, got %q", c.Scheme)
	}
	return c.Timeouts.Validate("sms.timeouts")
}

func parseConfig(raw json.RawMessage) (Config, error) {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c = c.withDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

type Option func(*Plugin)

// WithTransport replaces the HTTP transport used for every dispatch.
func WithTransport(t sms.Transport) Option {
	return func(p *Plugin) { p.transport = t }
}

type Plugin struct {
	plugin.PluginBase

	transport sms.Transport // nil: HTTPTransport built from config

	mu       sync.Mutex
	cfg      Config
	settings sms.Settings
	store    *sms.Store
	disp     *sms.Dispatcher
	loaded   bool
	unsub    func()
}

func New(opts ...Option) *Plugin {
	p := &Plugin{}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return "sms" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	p.apply(Config{}.withDefaults())
	return nil
}

// Start loads sms.yaml the first time the plugin runs.
func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	p.mu.Lock()
	first := !p.loaded
	p.loaded = true
	p.mu.Unlock()
	if first {
		p.autoLoad()
	}
	return nil
}

// Stop drops the session subscription and waits for the alert loop.
func (p *Plugin) Stop(ctx context.Context) error {
	p.stopAlerts()
	return p.StopBase(ctx)
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := parseConfig(raw)
	if err != nil {
		return err
	}
	p.apply(c)
	return nil
}

func (p *Plugin) apply(c Config) {
	t := p.transport
	if t == nil {
		t = sms.NewHTTPTransport(c.Scheme, c.InsecureSkipVerify)
	}
	disp := sms.NewDispatcher(t, sms.Options{
		Scheme:  c.Scheme,
		Timeout: c.Timeouts.OperationOr(defaultOperation),
		Logger:  p.Log,
	})

	p.mu.Lock()
	p.cfg = c
	p.store = sms.NewStore(c.ConfigRoot)
	p.disp = disp
	p.mu.Unlock()

	p.Log.Debug("config applied",
		logx.String("config_root", c.ConfigRoot),
		logx.String("scheme", c.Scheme),
		logx.Bool("insecure_skip_verify", c.InsecureSkipVerify),
	)
}

func (p *Plugin) autoLoad() {
	store := p.settingsStore()
	st, err := store.Load()
	switch {
	case errors.Is(err, sms.ErrNotFound):
		p.Log.Debug("no saved settings", logx.String("path", store.Path()))
	case err != nil:
		p.Log.Warn("load settings failed", logx.String("path", store.Path()), logx.Err(err))
		p.Print(transport.LevelError, "Failed to load saved settings: "+err.Error())
	default:
		p.setSettings(st)
		p.Print(transport.LevelStatus, "Loaded previously configured settings")
	}
}

// Settings returns a copy of the current settings.
func (p *Plugin) Settings() sms.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

func (p *Plugin) setSettings(st sms.Settings) {
	p.mu.Lock()
	p.settings = st
	p.mu.Unlock()
}

// setField applies one validated change; on error nothing changes.
func (p *Plugin) setField(field, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.settings
	if err := next.Set(field, value); err != nil {
		return err
	}
	p.settings = next
	return nil
}

func (p *Plugin) settingsStore() *sms.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store
}

func (p *Plugin) dispatcher() *sms.Dispatcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disp
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
