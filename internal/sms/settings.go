package sms

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is matched by every *ValidationError.
var ErrInvalid = errors.New("invalid setting")

// Field names accepted by Settings.Set.
const (
	FieldServer  = "server"
	FieldToken   = "token"
	FieldNumber  = "number"
	FieldCarrier = "carrier"
)

// NumberLength is the only accepted length of an SMS number.
const NumberLength = 10

// Carrier is a mobile carrier supported by the King Phisher SMS gateway.
type Carrier string

const (
	CarrierATT          Carrier = "AT&T"
	CarrierBoost        Carrier = "Boost"
	CarrierSprint       Carrier = "Sprint"
	CarrierTMobile      Carrier = "T-Mobile"
	CarrierVerizon      Carrier = "Verizon"
	CarrierVirginMobile Carrier = "Virgin Mobile"
)

// Carriers lists the supported carriers in display order.
var Carriers = []Carrier{
	CarrierATT,
	CarrierBoost,
	CarrierSprint,
	CarrierTMobile,
	CarrierVerizon,
	CarrierVirginMobile,
}

// ParseCarrier matches exactly one of Carriers (case-sensitive).
func ParseCarrier(s string) (Carrier, bool) {
	for _, c := range Carriers {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// CarrierList renders the carriers as "AT&T, Boost, ...".
func CarrierList() string {
	names := make([]string, len(Carriers))
	for i, c := range Carriers {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// ValidationError describes a rejected value for a settings field.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Settings holds the notification parameters. An empty string means absent.
type Settings struct {
	Server  string
	Token   string
	Number  string
	Carrier Carrier
}

// IsComplete reports whether all four parameters are present.
func (s Settings) IsComplete() bool {
	return s.Server != "" && s.Token != "" && s.Number != "" && s.Carrier != ""
}

// Missing names the absent parameters in field order.
func (s Settings) Missing() []string {
	var out []string
	if s.Server == "" {
		out = append(out, FieldServer)
	}
	if s.Token == "" {
		out = append(out, FieldToken)
	}
	if s.Number == "" {
		out = append(out, FieldNumber)
	}
	if s.Carrier == "" {
		out = append(out, FieldCarrier)
	}
	return out
}

// Set validates value and assigns it to the named field. On error the
// settings are left unchanged.
func (s *Settings) Set(field, value string) error {
	switch field {
	case FieldServer:
		if value == "" {
			return &ValidationError{Field: field, Value: value, Reason: "server must not be empty"}
		}
		s.Server = value
	case FieldToken:
		if value == "" {
			return &ValidationError{Field: field, Value: value, Reason: "token must not be empty"}
		}
		s.Token = value
	case FieldNumber:
		if len(value) != NumberLength {
			return &ValidationError{Field: field, Value: value, Reason: fmt.Sprintf("number must be %d characters", NumberLength)}
		}
		s.Number = value
	case FieldCarrier:
		c, ok := ParseCarrier(value)
		if !ok {
			return &ValidationError{Field: field, Value: value, Reason: "carrier must be one of " + CarrierList()}
		}
		s.Carrier = c
	default:
		return &ValidationError{Field: field, Value: value, Reason: "unknown field"}
	}
	return nil
}

// MaskedToken hides all but the last four characters of the token.
func (s Settings) MaskedToken() string {
	const keep = 4
	if s.Token == "" {
		return ""
	}
	r := []rune(s.Token)
	if len(r) <= keep {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}
