package config

import (
	"sort"
	"strings"

	logx "sessionsms/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of plugin names that changed (enable/config).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.status_enabled", newCfg.Logging.Status.Enabled),
		)
	}

	if oldCfg.Console != newCfg.Console {
		changed = append(changed, "console")
		attrs = append(attrs, logx.String("console.prompt", newCfg.Console.Prompt))
	}

	// Sessions (never log credentials)
	om, nm := oldCfg.Sessions.MsfRPC, newCfg.Sessions.MsfRPC
	if om != nm {
		changed = append(changed, "sessions.msfrpc")
		attrs = append(attrs,
			logx.Bool("msfrpc.enabled", nm.Enabled),
			logx.String("msfrpc.url", strings.TrimSpace(nm.URL)),
			logx.String("msfrpc.poll", strings.TrimSpace(nm.Poll)),
			logx.Bool("msfrpc.pass_set", nm.Pass != ""),
		)
	}
	ow, nw := oldCfg.Sessions.Webhook, newCfg.Sessions.Webhook
	if ow != nw {
		changed = append(changed, "sessions.webhook")
		attrs = append(attrs,
			logx.Bool("webhook.enabled", nw.Enabled),
			logx.String("webhook.addr", strings.TrimSpace(nw.Addr)),
			logx.Bool("webhook.token_set", strings.TrimSpace(nw.Token) != ""),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled || o.ConfigFingerprint() != n.ConfigFingerprint() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
