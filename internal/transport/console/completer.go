package console

import (
	"sync"

	"github.com/chzyer/readline"

	"sessionsms/internal/transport"
)

// completer swaps its PrefixCompleter atomically so commands can be
// re-registered while the prompt is active.
type completer struct {
	mu sync.RWMutex
	pc *readline.PrefixCompleter
}

func newCompleter() *completer {
	return &completer{pc: readline.NewPrefixCompleter()}
}

func (c *completer) set(cmds []transport.MenuEntry) {
	items := make([]readline.PrefixCompleterInterface, 0, len(cmds))
	for _, cmd := range cmds {
		args := make([]readline.PrefixCompleterInterface, 0, len(cmd.Args))
		for _, a := range cmd.Args {
			args = append(args, readline.PcItem(a))
		}
		items = append(items, readline.PcItem(cmd.Command, args...))
	}
	pc := readline.NewPrefixCompleter(items...)

	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
}

func (c *completer) Do(line []rune, pos int) ([][]rune, int) {
	c.mu.RLock()
	pc := c.pc
	c.mu.RUnlock()
	return pc.Do(line, pos)
}
