package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"sessionsms/internal/config"
)

// DecodePluginConfig decodes a plugin's raw config block into T. Unknown
// fields are rejected. An empty block yields the zero T.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// TimeoutsConfig standardizes the timeout knobs plugins share.
//
//	"timeouts": {
//	  "command": "15s",
//	  "operation": "10s"
//	}
//
// Command bounds a console command handled by the plugin; Operation bounds a
// single network or disk operation inside it.
type TimeoutsConfig struct {
	Command   string `json:"command,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// UnmarshalJSON rejects unknown fields to avoid silent misconfiguration.
func (t *TimeoutsConfig) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*t = TimeoutsConfig{}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out TimeoutsConfig
	for k, v := range m {
		var dst *string
		switch k {
		case "command":
			dst = &out.Command
		case "operation":
			dst = &out.Operation
		default:
			return fmt.Errorf("unknown timeouts field %q (supported: command, operation)", k)
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("timeouts.%s: %w", k, err)
		}
	}
	*t = out
	return nil
}

// Validate checks non-empty duration strings. fieldPrefix is something like
// "sms.timeouts".
func (t TimeoutsConfig) Validate(fieldPrefix string) error {
	for _, f := range []struct{ name, v string }{{"command", t.Command}, {"operation", t.Operation}} {
		if f.v == "" {
			continue
		}
		d, err := config.ParseDurationField(fieldPrefix+"."+f.name, f.v)
		if err != nil {
			return fmt.Errorf("invalid %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s.%s: must be > 0", fieldPrefix, f.name)
		}
	}
	return nil
}

// CommandOr returns the parsed Command timeout, or def when empty or invalid.
func (t TimeoutsConfig) CommandOr(def time.Duration) time.Duration {
	return durationOr(t.Command, def)
}

// OperationOr returns the parsed Operation timeout, or def when empty or invalid.
func (t TimeoutsConfig) OperationOr(def time.Duration) time.Duration {
	return durationOr(t.Operation, def)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// standardTimeouts pulls the "timeouts" object out of a raw plugin block.
func standardTimeouts(raw json.RawMessage) (TimeoutsConfig, error) {
	var w struct {
		Timeouts TimeoutsConfig `json:"timeouts"`
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return TimeoutsConfig{}, nil
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return TimeoutsConfig{}, err
	}
	return w.Timeouts, nil
}
