// Package console is the interactive readline command surface.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"sessionsms/internal/transport"
	logx "sessionsms/pkg/logx"
)

type Config struct {
	Prompt      string
	HistoryFile string

	// Overrides for tests and embedding; nil means the process stdio.
	Stdin  io.ReadCloser
	Stdout io.Writer
	Stderr io.Writer
}

// lineReader is the part of *readline.Instance the console uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Stdout() io.Writer
	Stderr() io.Writer
	Close() error
}

var prefixes = map[transport.Level]string{
	transport.LevelStatus:  color.New(color.FgHiBlue).Sprint("[*]"),
	transport.LevelGood:    color.New(color.FgHiGreen).Sprint("[+]"),
	transport.LevelError:   color.New(color.FgHiRed).Sprint("[-]"),
	transport.LevelWarning: color.New(color.FgHiYellow).Sprint("[!]"),
}

// Console reads command lines with readline and prints prefixed status
// lines without trampling the prompt.
type Console struct {
	log       logx.Logger
	rl        lineReader
	completer *completer

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

func New(cfg Config, log logx.Logger) (*Console, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Console{
		log:       log.With(logx.String("comp", "console")),
		completer: newCompleter(),
		done:      make(chan struct{}),
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = "sessionsms > "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:              prompt,
		HistoryFile:         expandHome(cfg.HistoryFile),
		AutoComplete:        c.completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: filterInput,
		Stdin:               cfg.Stdin,
		Stdout:              cfg.Stdout,
		Stderr:              cfg.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	c.rl = rl
	return c, nil
}

// newWithReader builds a Console over an arbitrary lineReader.
func newWithReader(rl lineReader, log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{log: log, rl: rl, completer: newCompleter(), done: make(chan struct{})}
}

// Start reads lines in the background and forwards them to out. The input
// ending is reported as an UpdateEOF.
func (c *Console) Start(ctx context.Context, out chan<- transport.Update) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("console already started")
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		for {
			line, err := c.rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				if strings.TrimSpace(line) == "" {
					c.Print(transport.LevelStatus, "type 'exit' in order to quit")
				}
				continue
			}
			u := transport.Update{Kind: transport.UpdateLine, Line: line}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.Debug("readline stopped", logx.Err(err))
				}
				u = transport.Update{Kind: transport.UpdateEOF}
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if u.Kind == transport.UpdateEOF {
				return
			}
		}
	}()
	return nil
}

// Stop closes the terminal and waits for the reader goroutine, bounded by ctx.
func (c *Console) Stop(ctx context.Context) error {
	err := c.rl.Close()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return err
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (c *Console) Print(level transport.Level, text string) {
	p, ok := prefixes[level]
	if !ok {
		p = prefixes[transport.LevelStatus]
	}
	var b strings.Builder
	for _, ln := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		b.WriteString(p)
		b.WriteByte(' ')
		b.WriteString(ln)
		b.WriteByte('\n')
	}
	_, _ = io.WriteString(c.rl.Stdout(), b.String())
}

// LogStatus implements logx.StatusSink.
func (c *Console) LogStatus(level logx.Level, line string) {
	switch {
	case level >= logx.LevelError:
		c.Print(transport.LevelError, line)
	case level >= logx.LevelWarn:
		c.Print(transport.LevelWarning, line)
	default:
		c.Print(transport.LevelStatus, line)
	}
}

// LogWriter is where console log output should go so it is drawn above the prompt.
func (c *Console) LogWriter() io.Writer { return c.rl.Stderr() }

func (c *Console) SetPrompt(prompt string) {
	if prompt != "" {
		c.rl.SetPrompt(prompt)
	}
}

// UpdateMenuCommands rebuilds tab completion from the registered commands.
func (c *Console) UpdateMenuCommands(_ context.Context, cmds []transport.MenuEntry) error {
	c.completer.set(cmds)
	return nil
}

// filterInput blocks Ctrl-Z so the process isn't suspended mid-prompt.
func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
