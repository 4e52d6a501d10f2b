package app

import (
	"strings"
	"time"

	"sessionsms/internal/config"
	"sessionsms/internal/session"
	"sessionsms/internal/storage"
	logx "sessionsms/pkg/logx"
)

// effective returns a copy of cfg with defaults applied. The committed
// config stays as written so reload hashing sees file content only.
func effective(cfg *config.Config) *config.Config {
	var c config.Config
	if cfg != nil {
		c = *cfg
	}
	config.ApplyDefaults(&c)
	return &c
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Status: logx.StatusConfig{
			Enabled:    cfg.Logging.Status.Enabled,
			MinLevel:   cfg.Logging.Status.MinLevel,
			RatePerSec: cfg.Logging.Status.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapRPCConfig(cfg *config.Config) (session.RPCConfig, error) {
	rc := cfg.Sessions.MsfRPC
	timeout, err := config.ParseDurationOrDefault("sessions.msfrpc.timeout", rc.Timeout, config.DefaultMsfRPCTimeout)
	if err != nil {
		return session.RPCConfig{}, err
	}
	return session.RPCConfig{
		URL:                strings.TrimSpace(rc.URL),
		User:               rc.User,
		Pass:               rc.Pass,
		InsecureSkipVerify: rc.InsecureSkipVerify,
		Timeout:            timeout,
	}, nil
}
