package dispatch

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
)

// LocationPlaceholder is replaced by the location argument in templates
// built with [Location].
const LocationPlaceholder = "{location}"

// BuildFunc builds the reply text for a command from its arguments.
// Builders are pure: the same arguments always produce the same text.
type BuildFunc func(args Arguments) string

// Text returns a builder that always yields text.
func Text(text string) BuildFunc {
	return func(Arguments) string {
		return text
	}
}

// Location returns a builder that substitutes the location argument for
// every {location} in template.
func Location(template string) BuildFunc {
	return func(args Arguments) string {
		return strings.ReplaceAll(template, LocationPlaceholder, args.Location())
	}
}

// Command is a named entry of the dispatch table.
type Command struct {
	// Name is matched exactly and case-sensitively against Request.Name.
	Name string
	// Description is reported to MCP clients.
	Description string
	// InputSchema describes the accepted arguments. Nil means an empty object.
	InputSchema *jsonschema.Schema
	// Build produces the reply text.
	Build BuildFunc
}

// Schema returns InputSchema, or an empty object schema if unset.
func (c Command) Schema() *jsonschema.Schema {
	if c.InputSchema != nil {
		return c.InputSchema
	}
	return &jsonschema.Schema{Type: "object"}
}

// Table maps command names to commands.
// Register commands before Freeze; lookups are safe for concurrent use and
// take no lock once the table is frozen.
type Table struct {
	mu       sync.RWMutex
	commands map[string]Command

	// frozen is the read-only command map, set by Freeze.
	frozen atomic.Pointer[map[string]Command]
}

// NewTable creates a table holding cmds.
func NewTable(cmds ...Command) (*Table, error) {
	t := &Table{commands: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		if err := t.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register adds a command.
func (t *Table) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Build == nil {
		return &CommandError{Name: cmd.Name, Err: ErrInvalidCommand}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen.Load() != nil {
		return &CommandError{Name: cmd.Name, Err: ErrFrozen}
	}
	if t.commands == nil {
		t.commands = make(map[string]Command)
	}
	if _, ok := t.commands[cmd.Name]; ok {
		return &CommandError{Name: cmd.Name, Err: ErrDuplicateCommand}
	}
	t.commands[cmd.Name] = cmd
	return nil
}

// Freeze rejects further registrations.
func (t *Table) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen.Load() != nil {
		return
	}
	if t.commands == nil {
		t.commands = make(map[string]Command)
	}
	commands := t.commands
	t.frozen.Store(&commands)
}

// Frozen reports whether Freeze has been called.
func (t *Table) Frozen() bool {
	return t.frozen.Load() != nil
}

// Lookup returns the command registered under name.
func (t *Table) Lookup(name string) (Command, bool) {
	if m := t.frozen.Load(); m != nil {
		c, ok := (*m)[name]
		return c, ok
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.commands[name]
	return c, ok
}

// Len returns the number of registered commands.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.commands)
}

// Commands returns all commands sorted by name.
func (t *Table) Commands() []Command {
	t.mu.RLock()
	cmds := make([]Command, 0, len(t.commands))
	for _, c := range t.commands {
		cmds = append(cmds, c)
	}
	t.mu.RUnlock()

	slices.SortFunc(cmds, func(a, b Command) int {
		return strings.Compare(a.Name, b.Name)
	})
	return cmds
}

// Call builds the reply for req.
// Returns a *CommandError wrapping ErrUnknownCommand if no command matches.
func (t *Table) Call(req Request) (Reply, error) {
	cmd, ok := t.Lookup(req.Name)
	if !ok {
		return Reply{}, &CommandError{Name: req.Name, Err: ErrUnknownCommand}
	}
	return TextReply(cmd.Build(req.Arguments)), nil
}
