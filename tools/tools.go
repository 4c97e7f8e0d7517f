// Package tools holds the canned command sets served by replynode.
//
// The answers are fixed by design; none of these commands looks anything up.
package tools

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fxsml/replynode/dispatch"
	"github.com/google/jsonschema-go/jsonschema"
)

// ErrUnknownSet is returned when registering a set name that does not exist.
var ErrUnknownSet = errors.New("tools: unknown set")

// Set names.
const (
	SetCounter   = "counter"
	SetLocal     = "local"
	SetTelepathy = "telepathy"
)

var sets = map[string]func() []dispatch.Command{
	SetCounter:   Counter,
	SetLocal:     Local,
	SetTelepathy: Telepathy,
}

// Sets returns the available set names in sorted order.
func Sets() []string {
	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register adds the commands of the named sets to table.
// With no names, every set is registered.
func Register(table *dispatch.Table, names ...string) error {
	if len(names) == 0 {
		names = Sets()
	}
	for _, name := range names {
		set, ok := sets[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSet, name)
		}
		for _, cmd := range set() {
			if err := table.Register(cmd); err != nil {
				return fmt.Errorf("tools: register %s: %w", name, err)
			}
		}
	}
	return nil
}

func emptySchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{},
	}
}

func locationSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			dispatch.ArgLocation: {
				Type:        "string",
				Description: "City or area the question is about",
			},
		},
	}
}
