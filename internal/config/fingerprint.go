package config

import (
	"bytes"
	"encoding/json"
	"hash/fnv"
)

// Fingerprints decide whether a reload or a plugin block changed. Plugin
// blocks are compared in canonical JSON, so reindenting or reordering keys
// inside one is not a change.

func fingerprint(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// canonicalJSON re-encodes raw with sorted keys and no insignificant
// whitespace. Invalid JSON comes back trimmed but otherwise unchanged.
func canonicalJSON(raw json.RawMessage) []byte {
	raw = bytes.TrimSpace(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

// ConfigFingerprint identifies the plugin's config block; 0 when omitted.
func (p PluginConfigRaw) ConfigFingerprint() uint64 {
	if len(bytes.TrimSpace(p.Config)) == 0 {
		return 0
	}
	return fingerprint(canonicalJSON(p.Config))
}

// Fingerprint identifies the whole config; 0 for nil.
func (c *Config) Fingerprint() uint64 {
	if c == nil {
		return 0
	}
	cp := *c
	if len(c.Plugins) > 0 {
		cp.Plugins = make(map[string]PluginConfigRaw, len(c.Plugins))
		for name, p := range c.Plugins {
			if len(bytes.TrimSpace(p.Config)) > 0 {
				p.Config = canonicalJSON(p.Config)
			}
			cp.Plugins[name] = p
		}
	}
	b, err := json.Marshal(&cp)
	if err != nil {
		return 0
	}
	return fingerprint(b)
}
