package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "sessionsms/pkg/logx"
)

const (
	DefaultPrompt        = "sessionsms > "
	DefaultMsfRPCURL     = "https://127.0.0.1:55552/api/"
	DefaultMsfRPCPoll    = "@every 5s"
	DefaultMsfRPCTimeout = 5 * time.Second
	DefaultWebhookAddr   = "127.0.0.1:8089"
)

// scheduleParser accepts 5- or 6-field specs and descriptors like "@every 5s".
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ApplyDefaults fills omitted optional fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Console.Prompt) == "" {
		cfg.Console.Prompt = DefaultPrompt
	}
	if strings.TrimSpace(cfg.Sessions.MsfRPC.URL) == "" {
		cfg.Sessions.MsfRPC.URL = DefaultMsfRPCURL
	}
	if strings.TrimSpace(cfg.Sessions.MsfRPC.Poll) == "" {
		cfg.Sessions.MsfRPC.Poll = DefaultMsfRPCPoll
	}
	if strings.TrimSpace(cfg.Sessions.Webhook.Addr) == "" {
		cfg.Sessions.Webhook.Addr = DefaultWebhookAddr
	}
	if cfg.Logging.Status.RatePerSec <= 0 {
		cfg.Logging.Status.RatePerSec = 2
	}
}

// Validate checks the parts of the config that the strict decoder can't.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Status.MinLevel != "" {
		if _, ok := logx.ParseLevel(cfg.Logging.Status.MinLevel); !ok {
			errs = append(errs, fmt.Errorf("logging.status.min_level: unknown level %q", cfg.Logging.Status.MinLevel))
		}
	}

	rpc := cfg.Sessions.MsfRPC
	if rpc.Enabled {
		if u, err := url.Parse(strings.TrimSpace(rpc.URL)); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("sessions.msfrpc.url: invalid url %q", rpc.URL))
		}
		if strings.TrimSpace(rpc.User) == "" {
			errs = append(errs, errors.New("sessions.msfrpc.user: required when enabled"))
		}
		if _, err := scheduleParser.Parse(strings.TrimSpace(rpc.Poll)); err != nil {
			errs = append(errs, fmt.Errorf("sessions.msfrpc.poll: %w", err))
		}
	}
	if _, err := ParseDurationField("sessions.msfrpc.timeout", rpc.Timeout); err != nil {
		errs = append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
