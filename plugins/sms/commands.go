package sms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sessionsms/internal/router"
	"sessionsms/internal/sms"
	"sessionsms/internal/storage"
)

const (
	msgMissingParams = "You have not provided all the parameters!"
	defaultHistory   = 10
	maxHistory       = 200
)

func (p *Plugin) Commands() []router.Command {
	carriers := make([]string, 0, len(sms.Carriers))
	for _, c := range sms.Carriers {
		carriers = append(carriers, string(c))
	}
	return []router.Command{
		{Name: "sms_start", Description: "Start SMS alerts for new sessions", Usage: "sms_start", Handle: p.cmdStart},
		{Name: "sms_stop", Description: "Stop SMS alerts for new sessions", Usage: "sms_stop", Handle: p.cmdStop},
		{Name: "sms_save", Description: "Save SMS settings to " + p.settingsPath(), Usage: "sms_save", Handle: p.cmdSave},
		{Name: "sms_load", Description: "Reload SMS settings from " + p.settingsPath(), Usage: "sms_load", Handle: p.cmdLoad},
		{Name: "sms_set_server", Description: "Set domain name of the King Phisher server", Usage: "sms_set_server <host>", Handle: p.cmdSetServer},
		{Name: "sms_set_token", Description: "Set King Phisher's API token", Usage: "sms_set_token <token>", Handle: p.cmdSetToken},
		{Name: "sms_set_number", Description: "Set number to send SMS alerts to on new session", Usage: "sms_set_number <10-digit-number>", Handle: p.cmdSetNumber},
		{Name: "sms_set_carrier", Description: "Set carrier for sending SMS messages", Usage: "sms_set_carrier <carrier>", Args: carriers, Handle: p.cmdSetCarrier},
		{Name: "sms_show_params", Description: "Shows currently set or saved parameters", Usage: "sms_show_params", Handle: p.cmdShowParams},
		{Name: "sms_test", Description: "Send a test SMS message to verify the parameters", Usage: "sms_test [message]", Raw: true, Handle: p.cmdTest},
		{Name: "sms_status", Description: "Show whether SMS alerts are active", Usage: "sms_status", Handle: p.cmdStatus},
		{Name: "sms_history", Description: "Show recent SMS dispatches", Usage: "sms_history [n]", Handle: p.cmdHistory},
	}
}

func (p *Plugin) settingsPath() string {
	if s := p.settingsStore(); s != nil {
		return s.Path()
	}
	return defaultConfigRoot + "/" + sms.SettingsFile
}

func (p *Plugin) cmdStart(ctx context.Context, req *router.Request) error {
	if !p.Settings().IsComplete() {
		req.Fail(msgMissingParams)
		return nil
	}
	if err := p.startAlerts(); err != nil {
		return err
	}
	req.Good("Started SMS sessions session notifications")
	return nil
}

func (p *Plugin) cmdStop(ctx context.Context, req *router.Request) error {
	p.stopAlerts()
	req.Good("Stopped SMS sessions session notifications")
	return nil
}

func (p *Plugin) cmdSave(ctx context.Context, req *router.Request) error {
	st := p.Settings()
	if !st.IsComplete() {
		req.Fail(msgMissingParams)
		return nil
	}
	store := p.settingsStore()
	if err := store.Save(st); err != nil {
		return err
	}
	req.Good("All parameters saved to %s", store.Path())
	return nil
}

func (p *Plugin) cmdLoad(ctx context.Context, req *router.Request) error {
	store := p.settingsStore()
	st, err := store.Load()
	if errors.Is(err, sms.ErrNotFound) {
		req.Fail("No saved settings at %s", store.Path())
		return nil
	}
	if err != nil {
		return err
	}
	p.setSettings(st)
	req.Good("Loaded settings from %s", store.Path())
	return nil
}

func (p *Plugin) cmdSetServer(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 || p.setField(sms.FieldServer, req.Args[0]) != nil {
		req.Fail("Please provide the domain name of your King Phisher server!")
		return nil
	}
	req.Status("Setting the King Phisher server to %s", req.Args[0])
	return nil
}

func (p *Plugin) cmdSetToken(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 || p.setField(sms.FieldToken, req.Args[0]) != nil {
		req.Fail("Please provide the REST API token of your King Phisher server!")
		return nil
	}
	req.Status("Setting King Phisher's REST API token to %s", p.Settings().MaskedToken())
	return nil
}

func (p *Plugin) cmdSetNumber(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 || p.setField(sms.FieldNumber, req.Args[0]) != nil {
		req.Fail("Please provide a valid SMS number!")
		return nil
	}
	req.Status("Setting SMS number to %s", req.Args[0])
	return nil
}

// cmdSetCarrier accepts "Virgin Mobile" quoted or as two words.
func (p *Plugin) cmdSetCarrier(ctx context.Context, req *router.Request) error {
	value := req.Tail(0)
	if value == "" || p.setField(sms.FieldCarrier, value) != nil {
		req.Fail("Please provide a valid SMS carrier (%s)!", sms.CarrierList())
		return nil
	}
	req.Status("Setting SMS carrier to %s", value)
	return nil
}

func (p *Plugin) cmdShowParams(ctx context.Context, req *router.Request) error {
	st := p.Settings()
	req.Status("Parameters:")
	req.Status("  King Phisher Server: %s", st.Server)
	req.Status("  King Phisher Token: %s", st.MaskedToken())
	req.Status("  SMS Number: %s", st.Number)
	req.Status("  SMS Carrier: %s", st.Carrier)
	return nil
}

func (p *Plugin) cmdTest(ctx context.Context, req *router.Request) error {
	st := p.Settings()
	if !st.IsComplete() {
		req.Fail(msgMissingParams)
		return nil
	}
	// The message is sent exactly as typed.
	msg := req.Text
	if msg == "" {
		msg = sms.DefaultTestMessage
	}

	res := p.dispatcher().Notify(ctx, st, msg)
	p.record(ctx, storage.TriggerTest, "", st, res)
	if res.OK() {
		req.Good("Sent the test SMS message")
		return nil
	}
	if res.Outcome == sms.TransportError {
		req.Fail("Error sending SMS: %v", res.Err)
	}
	req.Fail("Failed to send the test SMS message")
	return nil
}

func (p *Plugin) cmdStatus(ctx context.Context, req *router.Request) error {
	st := p.Settings()
	if p.Active() {
		req.Good("SMS alerts are active")
	} else {
		req.Status("SMS alerts are inactive")
	}
	req.Status("Settings file: %s", p.settingsPath())
	if missing := st.Missing(); len(missing) > 0 {
		req.Warn("Missing parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (p *Plugin) cmdHistory(ctx context.Context, req *router.Request) error {
	n := defaultHistory
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			req.Fail("Please provide a positive number of entries!")
			return nil
		}
		n = min(v, maxHistory)
	}
	store := p.Deps.Store
	if store == nil {
		req.Warn("Dispatch history is not available (storage disabled)")
		return nil
	}
	recs, err := store.RecentDispatches(ctx, n)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		req.Status("No SMS dispatches recorded")
		return nil
	}
	for _, r := range recs {
		req.Status("%s", formatRecord(r))
	}
	return nil
}

func formatRecord(r storage.DispatchRecord) string {
	var b strings.Builder
	b.WriteString(r.At.Local().Format("2006-01-02 15:04:05"))
	b.WriteString("  ")
	b.WriteString(r.Trigger)
	if r.SessionID != "" {
		b.WriteString(" " + r.SessionID)
	}
	b.WriteString("  " + r.Outcome)
	if r.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", r.StatusCode)
	}
	if r.Reason != "" && r.Outcome != string(sms.Sent) {
		b.WriteString(": " + r.Reason)
	}
	fmt.Fprintf(&b, "  %dms", r.TookMS)
	return b.String()
}
