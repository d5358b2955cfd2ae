// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package state

import (
	"strings"

	halcyon "github.com/halcyon-irc/halcyon"
)

// CMode is a single parsed channel mode delta, e.g. "+o nick" or "-k".
type CMode struct {
	Add     bool
	Name    byte
	Setting bool
	Args    string
}

// Short returns the "+x"/"-x" rendering of the mode, without arguments.
func (c CMode) Short() string {
	status := "-"
	if c.Add {
		status = "+"
	}

	return status + string(c.Name)
}

func (c CMode) String() string {
	if len(c.Args) == 0 {
		return c.Short()
	}

	return c.Short() + " " + c.Args
}

// CModes tracks the set of channel modes currently applied to a channel,
// parsed against the server-advertised CHANMODES/PREFIX tokens from
// RPL_ISUPPORT.
type CModes struct {
	raw           string
	modesListArgs string
	modesArgs     string
	modesSetArgs  string
	modesNoArgs   string

	prefixes string
	modes    []CMode
}

// NewCModes builds a CModes parser/tracker bound to the given CHANMODES
// and PREFIX ISUPPORT tokens.
func NewCModes(channelModes, userPrefixes string) CModes {
	split := strings.SplitN(channelModes, ",", 4)
	for len(split) < 4 {
		split = append(split, "")
	}

	return CModes{
		raw:           channelModes,
		modesListArgs: split[0],
		modesArgs:     split[1],
		modesSetArgs:  split[2],
		modesNoArgs:   split[3],

		prefixes: userPrefixes,
		modes:    []CMode{},
	}
}

// Copy returns a deep copy of the mode tracker.
func (c CModes) Copy() CModes {
	nc := c
	nc.modes = make([]CMode, len(c.modes))
	copy(nc.modes, c.modes)

	return nc
}

func (c CModes) String() string {
	var out, args string

	if len(c.modes) > 0 {
		out += "+"
	}

	for i := 0; i < len(c.modes); i++ {
		out += string(c.modes[i].Name)

		if len(c.modes[i].Args) > 0 {
			args += " " + c.modes[i].Args
		}
	}

	return out + args
}

// "modes" is a list of channel modes according to 4 types: "A,B,C,D".
// A = Mode that adds or removes a nick or address to a list. Always has a parameter.
// B = Mode that changes a setting and always has a parameter.
// C = Mode that changes a setting and only has a parameter when set.
// D = Mode that changes a setting and never has a parameter.
func (c *CModes) hasArg(set bool, mode byte) (hasArgs, isSetting bool) {
	if len(c.raw) < 1 {
		return false, true
	}

	if strings.IndexByte(c.modesListArgs, mode) > -1 {
		return true, false
	}

	if strings.IndexByte(c.modesArgs, mode) > -1 {
		return true, true
	}

	if strings.IndexByte(c.modesSetArgs, mode) > -1 {
		if set {
			return true, true
		}

		return false, true
	}

	if strings.IndexByte(c.prefixes, mode) > -1 {
		return true, false
	}

	return false, true
}

// Apply merges a parsed set of mode deltas into the tracked mode list.
func (c *CModes) Apply(modes []CMode) {
	var next []CMode

	for j := 0; j < len(c.modes); j++ {
		kept := true
		for i := 0; i < len(modes); i++ {
			if modes[i].Setting && c.modes[j].Name == modes[i].Name && modes[i].Add {
				next = append(next, modes[i])
				kept = false
				break
			}
		}

		if kept {
			next = append(next, c.modes[j])
		}
	}

	for i := 0; i < len(modes); i++ {
		if !modes[i].Setting || !modes[i].Add {
			continue
		}

		isin := false
		for j := 0; j < len(next); j++ {
			if modes[i].Name == next[j].Name {
				isin = true
				break
			}
		}

		if !isin {
			next = append(next, modes[i])
		}
	}

	c.modes = next
}

// Parse decodes a raw MODE flags string (e.g. "+ov-k") against its
// positional arguments into a list of CMode deltas.
func (c *CModes) Parse(flags string, args []string) (out []CMode) {
	add := true
	var argCount int

	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}

		mode := CMode{Name: flags[i], Add: add}

		hasArgs, isSetting := c.hasArg(add, flags[i])
		if hasArgs && len(args) >= argCount+1 {
			mode.Args = args[argCount]
			argCount++
		}
		mode.Setting = isSetting

		out = append(out, mode)
	}

	return out
}

// isValidChannelMode reports whether raw looks like a CHANMODES token
// (comma-separated letter classes).
func isValidChannelMode(raw string) bool {
	if len(raw) < 1 {
		return false
	}

	for i := 0; i < len(raw); i++ {
		if raw[i] != ',' && (raw[i] < 'A' || raw[i] > 'Z') && (raw[i] < 'a' || raw[i] > 'z') {
			return false
		}
	}

	return true
}

// isValidUserPrefix reports whether raw looks like a PREFIX token, e.g.
// "(ov)@+".
func isValidUserPrefix(raw string) bool {
	if len(raw) < 1 || raw[0] != '(' {
		return false
	}

	var keys, rep int
	var passedKeys bool

	for i := 1; i < len(raw); i++ {
		if raw[i] == ')' {
			passedKeys = true
			continue
		}

		if passedKeys {
			rep++
		} else {
			keys++
		}
	}

	return keys == rep
}

// ParsePrefixes splits a PREFIX ISUPPORT token into its mode-letters and
// prefix-symbols halves, e.g. "(ov)@+" -> ("ov", "@+").
func ParsePrefixes(raw string) (modes, prefixes string) {
	if !isValidUserPrefix(raw) {
		return modes, prefixes
	}

	i := strings.Index(raw, ")")
	if i < 1 {
		return modes, prefixes
	}

	return raw[1:i], raw[i+1:]
}

// ParseUserPrefix splits a raw NAMES-style token like "@+user" into its
// prefix characters and bare nickname.
func ParseUserPrefix(raw string) (prefixes, nick string, ok bool) {
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '~', '&', '@', '%', '+':
			prefixes += string(raw[i])
			continue
		}

		if !halcyon.IsValidNick(raw[i:]) {
			return prefixes, nick, false
		}

		return prefixes, raw[i:], true
	}

	return prefixes, nick, false
}

// Prefix -> permission-letter mapping this client recognizes; mirrors the
// constants carried in the root package (ModeOwner, ModeVoice, etc).
var prefixRank = map[byte]int{
	'~': 5, // owner
	'&': 4, // admin
	'@': 3, // operator
	'%': 2, // half-operator
	'+': 1, // voice
}

// HighestPrefix returns the highest-ranked prefix character in a
// multi-prefix set, or 0 if prefixes is empty.
func HighestPrefix(prefixes string) byte {
	var best byte
	var bestRank int

	for i := 0; i < len(prefixes); i++ {
		if r, ok := prefixRank[prefixes[i]]; ok && r > bestRank {
			best = prefixes[i]
			bestRank = r
		}
	}

	return best
}

// IsAdminPrefix reports whether prefixes grants at least operator-level
// trust (ban/kick capable).
func IsAdminPrefix(prefixes string) bool {
	for i := 0; i < len(prefixes); i++ {
		switch prefixes[i] {
		case '~', '&', '@':
			return true
		}
	}

	return false
}

// IsTrustedPrefix reports whether prefixes grants at least voice-level
// trust.
func IsTrustedPrefix(prefixes string) bool {
	return len(prefixes) > 0
}
