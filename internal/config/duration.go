package config

import (
	"fmt"
	"strings"
	"time"
)

// durationKeys are the config keys that hold Go duration strings. "*"
// matches one path segment (a plugin name).
var durationKeys = []string{
	"sessions.msfrpc.timeout",
	"storage.busy_timeout",
	"plugins.*.config.timeouts.command",
	"plugins.*.config.timeouts.operation",
}

func isDurationKey(path string) bool {
	segs := strings.Split(path, ".")
	for _, k := range durationKeys {
		pat := strings.Split(k, ".")
		if len(pat) != len(segs) {
			continue
		}
		ok := true
		for i := range pat {
			if pat[i] != "*" && pat[i] != segs[i] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// unitHint explains a bare number where a duration was expected.
func unitHint(v string) string {
	return fmt.Sprintf("%s has no unit; write a duration such as \"%ss\"", v, v)
}

func bareNumber(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			return false
		}
	}
	return true
}

// ParseDurationField parses the optional duration at config key path.
// Empty means unset and yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if bareNumber(s) && s != "0" {
		return 0, fmt.Errorf("%s: %s", path, unitHint(s))
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for unset or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
