package router

import (
	"fmt"
	"sort"
	"strings"
)

// helpLines renders either the command table or the detail of one command.
func (m *CommandManager) helpLines(args []string) []string {
	if len(args) > 0 {
		return m.helpCommand(args[0])
	}

	cmds := m.Commands()
	width := 0
	for _, c := range cmds {
		if len(c.Name) > width {
			width = len(c.Name)
		}
	}
	lines := []string{"Commands:"}
	for _, c := range cmds {
		lines = append(lines, fmt.Sprintf("  %-*s  %s", width, c.Name, c.Description))
	}
	lines = append(lines, "Type 'help <command>' for details.")
	return lines
}

func (m *CommandManager) helpCommand(name string) []string {
	c, ok := m.Lookup(name)
	if !ok {
		return []string{fmt.Sprintf("No such command: %s", name)}
	}
	lines := []string{c.Name + ": " + c.Description}
	if c.Usage != "" {
		lines = append(lines, "Usage: "+c.Usage)
	}
	if len(c.Aliases) > 0 {
		al := append([]string(nil), c.Aliases...)
		sort.Strings(al)
		lines = append(lines, "Aliases: "+strings.Join(al, ", "))
	}
	if len(c.Args) > 0 {
		lines = append(lines, "Values: "+strings.Join(c.Args, ", "))
	}
	if c.PluginName != "" {
		lines = append(lines, "Plugin: "+c.PluginName)
	}
	return lines
}
