// Package commands holds the whitelist of named commands the REST API may
// inject into a live terminal.
package commands

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Command is one whitelisted entry. Line is sent to the terminal verbatim
// with a trailing newline.
type Command struct {
	Name        string `yaml:"name"`
	Line        string `yaml:"line"`
	Description string `yaml:"description"`
}

// Whitelist resolves command names to terminal input. Only listed names
// are runnable; arbitrary input via the REST surface is not.
type Whitelist struct {
	byName map[string]Command
	names  []string
}

// Defaults returns the built-in whitelist used when no commands file is
// configured.
func Defaults() *Whitelist {
	return build([]Command{
		{Name: "ls", Line: "ls -la", Description: "List workspace files"},
		{Name: "pwd", Line: "pwd", Description: "Print working directory"},
		{Name: "git-status", Line: "git status", Description: "Show git working tree status"},
		{Name: "git-log", Line: "git log --oneline -20", Description: "Show recent commits"},
		{Name: "git-diff", Line: "git diff", Description: "Show unstaged changes"},
		{Name: "test", Line: "npm test", Description: "Run the project test suite"},
	})
}

// Load reads a whitelist from a YAML file. An empty path returns the
// defaults.
func Load(path string) (*Whitelist, error) {
	if path == "" {
		return Defaults(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read commands file: %w", err)
	}

	var doc struct {
		Commands []Command `yaml:"commands"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse commands file: %w", err)
	}
	if len(doc.Commands) == 0 {
		return nil, fmt.Errorf("commands file %s defines no commands", path)
	}
	for _, c := range doc.Commands {
		if c.Name == "" || c.Line == "" {
			return nil, fmt.Errorf("commands file %s: every command needs a name and a line", path)
		}
	}

	return build(doc.Commands), nil
}

func build(cmds []Command) *Whitelist {
	w := &Whitelist{byName: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		if _, dup := w.byName[c.Name]; dup {
			continue
		}
		w.byName[c.Name] = c
		w.names = append(w.names, c.Name)
	}
	return w
}

// Lookup returns the command for name.
func (w *Whitelist) Lookup(name string) (Command, bool) {
	c, ok := w.byName[name]
	return c, ok
}

// List returns all commands in declaration order.
func (w *Whitelist) List() []Command {
	out := make([]Command, 0, len(w.names))
	for _, n := range w.names {
		out = append(out, w.byName[n])
	}
	return out
}
