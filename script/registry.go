// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package script defines the registration boundary consumed by an
// external scripting layer: a static command table assembled at startup
// (name, aliases, help, handler) and event-handler registration routed
// through the event bus. The command surface that parses slash-prefixed
// input lives in the front-end; this package only owns the table it
// dispatches against.
package script

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/eventbus"
)

// Invocation carries one parsed command invocation into a handler.
type Invocation struct {
	// Name is the canonical (lowercased) command name, even when the
	// command was invoked through an alias.
	Name string
	// Args are the whitespace-split arguments after the command word.
	Args []string
	// Origin is the message that carried the invocation, if any.
	Origin *halcyon.Message
}

// HandlerFunc executes one command invocation.
type HandlerFunc func(inv *Invocation)

// Command is one externally registered command.
type Command struct {
	Name    string
	Aliases []string
	Help    string
	MinArgs int
	Handler HandlerFunc
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,20}$`)

// Registry is the static command table plus the event-registration
// facade handed to scripts.
type Registry struct {
	bus *eventbus.Bus

	mu   sync.Mutex
	cmds map[string]*Command // canonical name and every alias -> command
}

// NewRegistry returns an empty Registry bound to bus.
func NewRegistry(bus *eventbus.Bus) *Registry {
	return &Registry{bus: bus, cmds: make(map[string]*Command)}
}

// AddCommand registers cmd under its name and every alias. Names are
// case-insensitive; registering a name or alias that is already taken
// fails without registering anything.
func (r *Registry) AddCommand(cmd *Command) error {
	if cmd == nil || cmd.Handler == nil {
		return errors.New("script: nil command or handler")
	}

	names := make([]string, 0, 1+len(cmd.Aliases))
	names = append(names, strings.ToLower(cmd.Name))
	for _, a := range cmd.Aliases {
		names = append(names, strings.ToLower(a))
	}

	for _, n := range names {
		if !validName.MatchString(n) {
			return fmt.Errorf("script: invalid command name: %q (req: %s)", n, validName.String())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range names {
		if existing, ok := r.cmds[n]; ok {
			return fmt.Errorf("script: command already registered: %s (by %s)", n, existing.Name)
		}
	}

	cmd.Name = names[0]
	for _, n := range names {
		r.cmds[n] = cmd
	}

	return nil
}

// RemoveCommand drops a command and all of its aliases.
func (r *Registry) RemoveCommand(name string) {
	name = strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.cmds[name]
	if !ok {
		return
	}

	for n, c := range r.cmds {
		if c == cmd {
			delete(r.cmds, n)
		}
	}
}

// Lookup resolves a command by name or alias, case-insensitively.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.cmds[strings.ToLower(name)]

	return cmd, ok
}

// Commands returns every registered command once (aliases folded),
// sorted by canonical name, for a front-end's help listing.
func (r *Registry) Commands() []*Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[*Command]bool, len(r.cmds))
	out := make([]*Command, 0, len(r.cmds))
	for _, cmd := range r.cmds {
		if !seen[cmd] {
			seen[cmd] = true
			out = append(out, cmd)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Dispatch resolves and runs a command invocation. Unknown names and
// under-supplied argument lists report an error instead of invoking the
// handler.
func (r *Registry) Dispatch(name string, args []string, origin *halcyon.Message) error {
	cmd, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("script: unknown command: %s", name)
	}

	if len(args) < cmd.MinArgs {
		return fmt.Errorf("script: %s needs at least %d argument(s)", cmd.Name, cmd.MinArgs)
	}

	cmd.Handler(&Invocation{Name: cmd.Name, Args: args, Origin: origin})

	return nil
}

// OnEvent registers an event handler pair on behalf of a script; the
// returned id unsubscribes it again on unload.
func (r *Registry) OnEvent(event string, fn eventbus.HandlerFunc) (id string) {
	return r.bus.Subscribe(event, fn)
}

// OffEvent removes a handler registered through OnEvent.
func (r *Registry) OffEvent(id string) {
	r.bus.Unsubscribe(id)
}
