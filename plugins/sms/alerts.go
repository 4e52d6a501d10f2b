package sms

import (
	"context"
	"errors"
	"fmt"

	"sessionsms/internal/eventbus"
	"sessionsms/internal/plugin"
	"sessionsms/internal/session"
	"sessionsms/internal/sms"
	"sessionsms/internal/storage"
	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

var errNoEvents = errors.New("session events not available")

// Active reports whether session alerts are subscribed.
func (p *Plugin) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsub != nil
}

// startAlerts subscribes to session events. Calling it while already
// subscribed is a no-op.
func (p *Plugin) startAlerts() error {
	if p.Deps.Events == nil {
		return errNoEvents
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsub != nil {
		return nil
	}
	ch, unsub := p.Deps.Events.Subscribe(alertBuffer)
	done := make(chan struct{})
	err := p.Go("sms.alerts", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-done:
				return nil
			case o, ok := <-ch:
				if !ok {
					return nil
				}
				// Events still buffered when alerts were stopped are dropped.
				select {
				case <-done:
					return nil
				default:
				}
				p.OnSessionOpened(ctx, o)
			}
		}
	})
	if err != nil {
		unsub()
		return err
	}
	p.unsub = func() {
		close(done)
		unsub()
	}
	p.Log.Info("session alerts started")
	return nil
}

func (p *Plugin) stopAlerts() {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
		p.Log.Info("session alerts stopped")
	}
}

// OnSessionOpened sends the session notification with the current settings
// and reports the outcome on the console.
func (p *Plugin) OnSessionOpened(ctx context.Context, o session.Opened) sms.Result {
	p.Print(transport.LevelStatus, "Session received, sending SMS...")

	st := p.Settings()
	res := p.dispatcher().Notify(ctx, st, sms.SessionMessage(o.ID))
	switch res.Outcome {
	case sms.Sent:
		p.Print(transport.LevelGood, fmt.Sprintf("SMS sent for session %s", o.ID))
	case sms.TransportError:
		p.Print(transport.LevelError, fmt.Sprintf("Error sending SMS: %v", res.Err))
	default:
		p.Print(transport.LevelError, fmt.Sprintf("SMS for session %s not sent: %s", o.ID, res))
	}
	p.record(ctx, storage.TriggerSession, o.ID, st, res)
	return res
}

// record appends the audit entry and announces the dispatch on the bus.
func (p *Plugin) record(ctx context.Context, trigger, sessionID string, st sms.Settings, res sms.Result) {
	r := storage.DispatchRecord{
		Trigger:    trigger,
		SessionID:  sessionID,
		Server:     st.Server,
		Outcome:    string(res.Outcome),
		Reason:     res.Reason,
		StatusCode: res.StatusCode,
		TookMS:     res.Took.Milliseconds(),
	}
	if err := p.AppendDispatch(context.WithoutCancel(ctx), r); err != nil && !errors.Is(err, plugin.ErrNoStore) {
		p.Log.Warn("dispatch audit failed", logx.Err(err))
	}
	p.PublishEvent(eventbus.SMSDispatched, string(res.Outcome))
}
