package transport

import "context"

type UpdateKind string

const (
	// UpdateLine is one line typed by the operator.
	UpdateLine UpdateKind = "line"
	// UpdateEOF means the input stream ended (Ctrl-D or closed stdin).
	UpdateEOF UpdateKind = "eof"
)

type Update struct {
	Kind UpdateKind
	Line string
}

// Level selects the prefix of a console line.
type Level int

const (
	LevelStatus  Level = iota // [*]
	LevelGood                 // [+]
	LevelError                // [-]
	LevelWarning              // [!]
)

// Adapter is an operator-facing command surface.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Print writes one line. It must be safe for concurrent use.
	Print(level Level, text string)
}

// MenuEntry describes a command for completion/menu purposes.
type MenuEntry struct {
	Command     string
	Description string
	// Args are completion candidates for the first argument.
	Args []string
}

// CommandMenuUpdater is an optional interface for adapters that can show
// the registered commands (e.g. tab completion).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []MenuEntry) error
}
