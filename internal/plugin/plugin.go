// Package plugin hosts console plugins: it initializes, starts and stops
// them as the config enables or disables them and publishes their commands
// to the router.
package plugin

import (
	"context"
	"encoding/json"

	"sessionsms/internal/eventbus"
	"sessionsms/internal/router"
	"sessionsms/internal/session"
	"sessionsms/internal/storage"
	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// ConfigurablePlugin receives its raw "config" block before Start and on
// every change while running.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before applying it.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// Deps are the host services handed to a plugin. Bus, Events and Store may
// be nil in minimal environments.
type Deps struct {
	Logger  logx.Logger
	Adapter transport.Adapter
	Bus     eventbus.Bus
	Events  session.EventSource
	Store   storage.Store
}
