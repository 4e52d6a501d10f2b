package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging  LoggingConfig              `json:"logging"`
	Console  ConsoleConfig              `json:"console"`
	Sessions SessionsConfig             `json:"sessions"`
	Storage  *StorageConfig             `json:"storage,omitempty"`
	Plugins  map[string]PluginConfigRaw `json:"plugins"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Status  LoggingStatus `json:"status"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingStatus echoes log records to the operator console.
type LoggingStatus struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ConsoleConfig controls the interactive readline console.
type ConsoleConfig struct {
	Prompt      string `json:"prompt,omitempty"`       // default: "sessionsms > "
	HistoryFile string `json:"history_file,omitempty"` // "~" is expanded; empty disables history
}

// SessionsConfig holds the producers of "session opened" events.
type SessionsConfig struct {
	MsfRPC  MsfRPCConfig  `json:"msfrpc"`
	Webhook WebhookConfig `json:"webhook"`
}

// MsfRPCConfig configures the Metasploit RPC poller.
//
// Poll accepts any robfig/cron spec ("@every 5s", "*/10 * * * * *").
type MsfRPCConfig struct {
	Enabled            bool   `json:"enabled"`
	URL                string `json:"url,omitempty"` // default: "https://127.0.0.1:55552/api/"
	User               string `json:"user,omitempty"`
	Pass               string `json:"pass,omitempty"` // do not log
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	Poll               string `json:"poll,omitempty"`    // default: "@every 5s"
	Timeout            string `json:"timeout,omitempty"` // Go duration string, default: "5s"
}

// WebhookConfig configures the HTTP listener for session events.
//
// Security note: prefer binding to localhost; set a token otherwise.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// StorageConfig controls the dispatch audit store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./sessionsms_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin blocks are caught
// during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
