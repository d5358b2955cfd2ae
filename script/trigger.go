// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package script

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/eventbus"
)

// ActionKind distinguishes what a matched trigger runs.
type ActionKind string

const (
	ActionCommand ActionKind = "command"
	ActionScript  ActionKind = "script"
)

// TriggerRule matches bus events against optional nick/channel/text
// regexes and runs a command or script payload on a hit.
type TriggerRule struct {
	ID      string
	Event   string // event name, matched case-insensitively
	Nick    string // regex over the source nick; empty matches all
	Channel string // regex over the target channel; empty matches all
	Text    string // regex over the trailing text; empty matches all
	Action  ActionKind
	Payload string
	Enabled bool

	nickRe *regexp.Regexp
	chanRe *regexp.Regexp
	textRe *regexp.Regexp
}

// ActionFunc runs a trigger's payload with the message that tripped it.
type ActionFunc func(payload string, m *halcyon.Message)

// TriggerEngine owns the rule table and watches every bus event for
// matches. Rules fire only on *halcyon.Message payloads; lifecycle
// events with other payload shapes never match nick/channel/text
// patterns.
type TriggerEngine struct {
	mu    sync.Mutex
	rules map[string]*TriggerRule

	runCommand ActionFunc
	runScript  ActionFunc

	bus   *eventbus.Bus
	subID string
}

// NewTriggerEngine builds an engine wired to bus; runCommand and
// runScript execute matched payloads (either may be nil to ignore that
// action kind).
func NewTriggerEngine(bus *eventbus.Bus, runCommand, runScript ActionFunc) *TriggerEngine {
	e := &TriggerEngine{
		rules:      make(map[string]*TriggerRule),
		runCommand: runCommand,
		runScript:  runScript,
	}

	e.bus = bus
	e.subID = bus.Subscribe(eventbus.All, e.handle)

	return e
}

// Close detaches the engine from the bus; rules stop firing.
func (e *TriggerEngine) Close() {
	e.bus.Unsubscribe(e.subID)
}

// AddRule compiles and installs a rule. A rule with an id that already
// exists replaces the previous rule.
func (e *TriggerEngine) AddRule(rule TriggerRule) error {
	if rule.ID == "" || rule.Event == "" {
		return fmt.Errorf("script: trigger rule needs an id and an event name")
	}

	var err error
	compile := func(pattern string) (*regexp.Regexp, error) {
		if pattern == "" {
			return nil, nil
		}
		return regexp.Compile(pattern)
	}

	if rule.nickRe, err = compile(rule.Nick); err != nil {
		return fmt.Errorf("script: trigger %s nick pattern: %w", rule.ID, err)
	}
	if rule.chanRe, err = compile(rule.Channel); err != nil {
		return fmt.Errorf("script: trigger %s channel pattern: %w", rule.ID, err)
	}
	if rule.textRe, err = compile(rule.Text); err != nil {
		return fmt.Errorf("script: trigger %s text pattern: %w", rule.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules[rule.ID] = &rule

	return nil
}

// RemoveRule drops a rule by id.
func (e *TriggerEngine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.rules, id)
}

// SetEnabled toggles a rule without removing it.
func (e *TriggerEngine) SetEnabled(id string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rule, ok := e.rules[id]; ok {
		rule.Enabled = enabled
	}
}

// Rules returns a copy of the current rule table.
func (e *TriggerEngine) Rules() []TriggerRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]TriggerRule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, *rule)
	}

	return out
}

func (e *TriggerEngine) handle(event string, payload interface{}) {
	m, ok := payload.(*halcyon.Message)
	if !ok {
		return
	}

	e.mu.Lock()
	matched := make([]*TriggerRule, 0)
	for _, rule := range e.rules {
		if rule.Enabled && rule.matches(event, m) {
			matched = append(matched, rule)
		}
	}
	e.mu.Unlock()

	for _, rule := range matched {
		switch rule.Action {
		case ActionCommand:
			if e.runCommand != nil {
				e.runCommand(rule.Payload, m)
			}
		case ActionScript:
			if e.runScript != nil {
				e.runScript(rule.Payload, m)
			}
		}
	}
}

func (r *TriggerRule) matches(event string, m *halcyon.Message) bool {
	if !strings.EqualFold(r.Event, event) {
		return false
	}

	if r.nickRe != nil {
		if m.Source == nil || !r.nickRe.MatchString(m.Source.Name) {
			return false
		}
	}

	if r.chanRe != nil {
		if len(m.Params) == 0 || !r.chanRe.MatchString(m.Params[0]) {
			return false
		}
	}

	if r.textRe != nil && !r.textRe.MatchString(m.Trailing) {
		return false
	}

	return true
}
