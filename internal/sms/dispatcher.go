package sms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "sessionsms/pkg/logx"
)

// SendPath is the King Phisher REST endpoint for SMS delivery.
const SendPath = "/_/api/sms/send"

// DefaultTestMessage is sent by sms_test when no message is given.
const DefaultTestMessage = "Test SMS message"

const defaultTimeout = 10 * time.Second

// Reasons attached to Rejected results.
const (
	ReasonMissingParameters = "missing parameters"
	ReasonNon200            = "non-200 response"
)

// Outcome classifies a single Notify call.
type Outcome string

const (
	Sent           Outcome = "sent"
	Rejected       Outcome = "rejected"
	TransportError Outcome = "transport_error"
)

// Result is the typed outcome of Notify. Err is set for TransportError.
type Result struct {
	Outcome    Outcome
	Reason     string
	StatusCode int
	Took       time.Duration
	Err        error
}

func (r Result) OK() bool { return r.Outcome == Sent }

func (r Result) String() string {
	switch r.Outcome {
	case Sent:
		return "sent"
	case Rejected:
		if r.StatusCode != 0 {
			return fmt.Sprintf("rejected: %s (%d)", r.Reason, r.StatusCode)
		}
		return "rejected: " + r.Reason
	default:
		return "transport error: " + r.Reason
	}
}

// SessionMessage is the text sent for a newly opened session.
func SessionMessage(id string) string {
	return fmt.Sprintf("Session: %s opened", id)
}

// DefaultScheme is plain HTTP, the way King Phisher's REST API is reached
// when no scheme is configured.
const DefaultScheme = "http"

// Options configures a Dispatcher.
type Options struct {
	Scheme  string        // "http" (default) or "https"
	Timeout time.Duration // bounds the whole call; default 10s
	Logger  logx.Logger
}

// Dispatcher sends one SMS request per Notify call. It keeps no state
// between calls and never retries.
type Dispatcher struct {
	transport Transport
	scheme    string
	timeout   time.Duration
	log       logx.Logger
}

func NewDispatcher(t Transport, opt Options) *Dispatcher {
	scheme := strings.ToLower(strings.TrimSpace(opt.Scheme))
	if scheme == "" {
		scheme = DefaultScheme
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := opt.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{transport: t, scheme: scheme, timeout: timeout, log: log.With(logx.String("comp", "sms.dispatcher"))}
}

// Notify validates st, sends message to the configured number and
// classifies the response. Incomplete settings never reach the network.
func (d *Dispatcher) Notify(ctx context.Context, st Settings, message string) Result {
	start := time.Now()
	res := d.notify(ctx, st, message)
	res.Took = time.Since(start)

	fields := []logx.Field{
		logx.String("outcome", string(res.Outcome)),
		logx.String("server", st.Server),
		logx.Duration("took", res.Took),
	}
	if res.StatusCode != 0 {
		fields = append(fields, logx.Int("status", res.StatusCode))
	}
	switch res.Outcome {
	case Sent:
		d.log.Info("sms sent", fields...)
	case Rejected:
		d.log.Warn("sms rejected", append(fields, logx.String("reason", res.Reason))...)
	default:
		d.log.Warn("sms transport error", append(fields, logx.Err(res.Err))...)
	}
	return res
}

func (d *Dispatcher) notify(ctx context.Context, st Settings, message string) Result {
	if !st.IsComplete() {
		return Result{Outcome: Rejected, Reason: ReasonMissingParameters}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn := d.transport.Open(st.Server)
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return transportError(fmt.Errorf("connect %s: %w", st.Server, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.RequestURL(st, message), nil)
	if err != nil {
		return transportError(fmt.Errorf("build request: %w", err))
	}
	resp, err := conn.Do(ctx, req)
	if err != nil {
		return transportError(fmt.Errorf("send request: %w", err))
	}
	if resp == nil {
		return Result{Outcome: Rejected, Reason: ReasonNon200}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: Rejected, Reason: ReasonNon200, StatusCode: resp.StatusCode}
	}
	return Result{Outcome: Sent, StatusCode: resp.StatusCode}
}

func transportError(err error) Result {
	return Result{Outcome: TransportError, Reason: err.Error(), Err: err}
}

// RequestURL builds the send URL. Every query component is percent-encoded
// and the parameters keep the order token, message, phone_number, carrier.
func (d *Dispatcher) RequestURL(st Settings, message string) string {
	q := strings.Join([]string{
		"token=" + escape(st.Token),
		"message=" + escape(message),
		"phone_number=" + escape(st.Number),
		"carrier=" + escape(string(st.Carrier)),
	}, "&")
	return d.scheme + "://" + st.Server + SendPath + "?" + q
}

// escape keeps the RFC 3986 unreserved set and encodes space as %20.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
