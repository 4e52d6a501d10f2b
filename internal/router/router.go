// Package router turns console lines into command invocations.
//
// Commands live in a flat registry keyed by name. Lines are handled one at a
// time by a single dispatcher, so handlers never run concurrently with each
// other.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Args are completion candidates for the first argument.
	Args []string
	// Raw commands take the rest of the line verbatim in Request.Text;
	// quotes and backslashes are not interpreted and Args stays empty.
	Raw bool

	PluginName string
	Timeout    time.Duration // optional per-command override
	Handle     HandlerFunc
}

type Request struct {
	Line    string
	Command string // canonical name, even when invoked through an alias
	Args    []string
	// Text is everything after the command word, as typed.
	Text  string
	ReqID string

	Adapter transport.Adapter
	Logger  logx.Logger
}

func (r *Request) Status(format string, a ...any) { r.print(transport.LevelStatus, format, a...) }
func (r *Request) Good(format string, a ...any)   { r.print(transport.LevelGood, format, a...) }
func (r *Request) Fail(format string, a ...any)   { r.print(transport.LevelError, format, a...) }
func (r *Request) Warn(format string, a ...any)   { r.print(transport.LevelWarning, format, a...) }

func (r *Request) print(level transport.Level, format string, a ...any) {
	if r == nil || r.Adapter == nil {
		return
	}
	if len(a) == 0 {
		r.Adapter.Print(level, format)
		return
	}
	r.Adapter.Print(level, fmt.Sprintf(format, a...))
}

// Tail joins the positional args from index i on. Useful for values that may
// contain spaces when typed without quotes.
func (r *Request) Tail(i int) string {
	if i >= len(r.Args) {
		return ""
	}
	return strings.Join(r.Args[i:], " ")
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command
	alias map[string]*Command

	log     logx.Logger
	adapter transport.Adapter

	defaultTimeout time.Duration

	exitOnce sync.Once
	exit     chan struct{}
}

func NewCommandManager(log logx.Logger, adapter transport.Adapter) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		log:     log,
		adapter: adapter,
		exit:    make(chan struct{}),
	}
	m.SetRegistry(nil)
	return m
}

// SetDefaultTimeout bounds commands that do not set their own Timeout.
// Zero disables the bound.
func (m *CommandManager) SetDefaultTimeout(d time.Duration) {
	m.mu.Lock()
	m.defaultTimeout = d
	m.mu.Unlock()
}

// Exit is closed once the operator asked to leave (exit, quit, EOF).
func (m *CommandManager) Exit() <-chan struct{} { return m.exit }

func (m *CommandManager) requestExit() {
	m.exitOnce.Do(func() { close(m.exit) })
}

func (m *CommandManager) builtins() []Command {
	exit := func(ctx context.Context, req *Request) error {
		m.requestExit()
		return nil
	}
	return []Command{
		{
			Name:        "help",
			Aliases:     []string{"?"},
			Description: "Show the available commands",
			Usage:       "help [command]",
			Handle: func(ctx context.Context, req *Request) error {
				for _, line := range m.helpLines(req.Args) {
					req.Status("%s", line)
				}
				return nil
			},
		},
		{Name: "exit", Aliases: []string{"quit"}, Description: "Leave the console", Usage: "exit", Handle: exit},
	}
}

// SetRegistry replaces the command set. Built-ins are always present and
// win over plugin commands with the same name.
func (m *CommandManager) SetRegistry(cmds []Command) {
	all := append(m.builtins(), cmds...)

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range all {
		c := all[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || strings.ContainsAny(name, " \t") || c.Handle == nil {
			continue
		}
		if _, dup := byName[name]; dup {
			m.log.Warn("duplicate command ignored", logx.String("cmd", name), logx.String("plugin", c.PluginName))
			continue
		}
		c.Name = name
		cp := &c
		byName[name] = cp
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := byName[a]; taken {
				continue
			}
			if _, taken := alias[a]; !taken {
				alias[a] = cp
			}
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(transport.CommandMenuUpdater); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, m.menu()); err != nil {
			m.log.Debug("menu update failed", logx.Err(err))
		}
	}
}

func (m *CommandManager) menu() []transport.MenuEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transport.MenuEntry, 0, len(m.cmds)+len(m.alias))
	for name, c := range m.cmds {
		out = append(out, transport.MenuEntry{Command: name, Description: c.Description, Args: c.Args})
	}
	for a, c := range m.alias {
		out = append(out, transport.MenuEntry{Command: a, Description: c.Description, Args: c.Args})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Lookup resolves a name or alias.
func (m *CommandManager) Lookup(name string) (Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[name]; ok {
		return *c, true
	}
	if c, ok := m.alias[name]; ok {
		return *c, true
	}
	return Command{}, false
}

// Commands returns the registry sorted by name.
func (m *CommandManager) Commands() []Command {
	m.mu.RLock()
	out := make([]Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		out = append(out, *c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DispatchLoop runs until ctx is done, the update channel closes, or the
// operator exits.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	m.log.Info("command dispatcher started")
	defer m.log.Info("command dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.exit:
			return nil
		case u, ok := <-updates:
			if !ok {
				m.requestExit()
				return nil
			}
			switch u.Kind {
			case transport.UpdateEOF:
				m.requestExit()
				return nil
			case transport.UpdateLine:
				m.Execute(ctx, u.Line)
				select {
				case <-m.exit:
					return nil
				default:
				}
			}
		}
	}
}

// Execute runs one console line. Empty lines are ignored. Handler errors are
// logged and printed; they never escape.
func (m *CommandManager) Execute(ctx context.Context, line string) {
	name, rest := splitCommand(line)
	if name == "" {
		return
	}
	cmd, ok := m.Lookup(name)
	if !ok {
		m.print(transport.LevelError, fmt.Sprintf("Unknown command: %s (type 'help' for a list)", name))
		return
	}

	req := &Request{
		Line:    line,
		Command: cmd.Name,
		Text:    rest,
		ReqID:   newReqID(),
		Adapter: m.adapter,
	}
	if !cmd.Raw {
		args, err := tokenizeCommandLine(rest)
		if err != nil {
			m.print(transport.LevelError, describeErr(cmd.Name, err))
			return
		}
		req.Args = args
	}
	req.Logger = m.log.With(
		logx.String("req_id", req.ReqID),
		logx.String("cmd", cmd.Name),
	)
	if cmd.PluginName != "" {
		req.Logger = req.Logger.With(logx.String("plugin", cmd.PluginName))
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		m.mu.RLock()
		timeout = m.defaultTimeout
		m.mu.RUnlock()
	}

	h := Chain(cmd.Handle,
		recoverPanics(),
		logRequests(),
		withTimeout(timeout),
	)
	if err := h(ctx, req); err != nil {
		m.print(transport.LevelError, describeErr(cmd.Name, err))
	}
}

func describeErr(cmd string, err error) string {
	var te *ErrTimedOut
	if !errors.As(err, &te) && errors.Is(err, context.DeadlineExceeded) {
		return cmd + ": timed out"
	}
	return cmd + ": " + err.Error()
}

func (m *CommandManager) print(level transport.Level, text string) {
	if m.adapter != nil {
		m.adapter.Print(level, text)
	}
}
