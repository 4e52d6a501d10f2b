package app

import (
	"context"
	"slices"
	"strings"

	"sessionsms/internal/config"
	logx "sessionsms/pkg/logx"
)

// restartOnly lists config sections that are read once at startup.
var restartOnly = []string{"storage", "sessions.msfrpc", "sessions.webhook"}

// startConfigReload fans committed configs out to logging, the console
// prompt and the plugins.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	lastApplied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldRaw, newRaw *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldRaw, newRaw)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	cfg := effective(newRaw)
	a.logs.Apply(mapLogConfig(cfg))
	a.console.SetPrompt(cfg.Console.Prompt)
	a.pm.OnConfigUpdate(ctx, cfg)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
