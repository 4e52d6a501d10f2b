package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Trigger values for DispatchRecord.
const (
	TriggerSession = "session"
	TriggerTest    = "test"
)

// DispatchRecord is one SMS dispatch attempt. Secrets (API token, phone
// number) are never part of it.
type DispatchRecord struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Trigger    string    `json:"trigger"`
	SessionID  string    `json:"session_id,omitempty"`
	Server     string    `json:"server,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	TookMS     int64     `json:"took_ms"`
}
