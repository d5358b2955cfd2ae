// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package state

import (
	"fmt"
	"log"
	"os"
	"sync"

	cmap "github.com/orcaman/concurrent-map"

	halcyon "github.com/halcyon-irc/halcyon"
)

// ChangeFunc is invoked after a successful mutation, with the previous and
// new value. Sync subscribers run in registration order before Set
// returns; async subscribers are fanned out afterwards and not awaited.
type ChangeFunc func(old, next interface{})

// Validator inspects a proposed value and rejects it with a non-nil error.
// Validators run while the store's lock is held, so they must not block or
// call back into the store.
type Validator func(next interface{}) error

type subscriber struct {
	fn    ChangeFunc
	async bool
}

// Store is a typed, validated, observable bag of client state: per-key
// validators, sync/async change fan-out, and ownership of the
// Channel/User/Context collections via cmap.ConcurrentMap's lock-striped
// maps.
type Store struct {
	mu     sync.RWMutex
	values map[string]interface{}
	valid  map[string]Validator
	subs   map[string][]subscriber
	global []subscriber

	inSet map[string]bool // reentrancy guard, keyed by key, while dispatching

	Log *log.Logger

	Channels cmap.ConcurrentMap // canonical name -> *Channel
	Users    cmap.ConcurrentMap // canonical nick -> *User
	Contexts cmap.ConcurrentMap // context id -> *Context

	seq int64 // monotonic counter for Context enumeration order
}

// New returns an empty Store. logger may be nil, in which case a default
// logger writing to os.Stderr is used.
func New(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "state: ", log.LstdFlags)
	}

	return &Store{
		values:   make(map[string]interface{}),
		valid:    make(map[string]Validator),
		subs:     make(map[string][]subscriber),
		inSet:    make(map[string]bool),
		Log:      logger,
		Channels: cmap.New(),
		Users:    cmap.New(),
		Contexts: cmap.New(),
	}
}

// SetValidator installs (or replaces) the validator for key. It must be
// called before any Set(key, ...) call that should be checked.
func (s *Store) SetValidator(key string, v Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.valid[key] = v
}

// Get returns the current value for key, and whether it has ever been
// set.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]

	return v, ok
}

// Subscribe registers fn to be called after every successful Set(key,
// ...). If async is true, fn is run in its own goroutine and Set does not
// wait for it; otherwise fn runs synchronously, in registration order,
// before Set returns.
func (s *Store) Subscribe(key string, fn ChangeFunc, async bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[key] = append(s.subs[key], subscriber{fn: fn, async: async})
}

// SubscribeAll registers fn against every key, fired after any successful
// Set call.
func (s *Store) SubscribeAll(fn ChangeFunc, async bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.global = append(s.global, subscriber{fn: fn, async: async})
}

// Set validates and stores next under key. On validation failure, the
// store is left unchanged and no subscriber fires. Reentrant calls to Set
// for the same key from within a handler dispatched by this same call are
// rejected, logged, and treated as a no-op, since allowing them would
// re-enter the lock and risk unbounded recursion between cooperating
// handlers.
func (s *Store) Set(key string, next interface{}) error {
	s.mu.Lock()

	if s.inSet[key] {
		s.mu.Unlock()
		s.Log.Printf("state: rejected reentrant Set(%q) from within its own change handler", key)

		return fmt.Errorf("state: reentrant Set(%q) rejected", key)
	}

	if v, ok := s.valid[key]; ok {
		if err := v(next); err != nil {
			s.mu.Unlock()

			return fmt.Errorf("state: validate %q: %w", key, err)
		}
	}

	old := s.values[key]
	s.values[key] = next

	syncSubs := make([]subscriber, 0, len(s.subs[key])+len(s.global))
	asyncSubs := make([]subscriber, 0)
	for _, sub := range s.subs[key] {
		if sub.async {
			asyncSubs = append(asyncSubs, sub)
		} else {
			syncSubs = append(syncSubs, sub)
		}
	}
	for _, sub := range s.global {
		if sub.async {
			asyncSubs = append(asyncSubs, sub)
		} else {
			syncSubs = append(syncSubs, sub)
		}
	}

	s.inSet[key] = true
	s.mu.Unlock()

	for _, sub := range syncSubs {
		s.dispatchOne(sub, old, next)
	}

	s.mu.Lock()
	delete(s.inSet, key)
	s.mu.Unlock()

	for _, sub := range asyncSubs {
		sub := sub
		go s.dispatchOne(sub, old, next)
	}

	return nil
}

// dispatchOne invokes a single subscriber, recovering from panics so that
// one misbehaving handler cannot take down the caller or other
// subscribers, the same isolation contract the event bus gives its
// handlers.
func (s *Store) dispatchOne(sub subscriber, old, next interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Printf("state: change handler panicked: %v", r)
		}
	}()

	sub.fn(old, next)
}

// nextSeq returns a monotonically increasing sequence number, used to
// order Contexts for enumeration without depending on map iteration
// order.
func (s *Store) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++

	return s.seq
}

// --- Channel management -----------------------------------------------

// GetChannel looks up a channel by name, case-folding per RFC1459 before
// the lookup; names are always stored canonically.
func (s *Store) GetChannel(name string) (*Channel, bool) {
	v, ok := s.Channels.Get(halcyon.ToRFC1459(name))
	if !ok {
		return nil, false
	}

	ch, ok := v.(*Channel)

	return ch, ok
}

// EnsureChannel returns the existing tracked channel for name, creating
// one with the given mode tracker if it doesn't exist yet.
func (s *Store) EnsureChannel(name string, modes CModes) *Channel {
	key := halcyon.ToRFC1459(name)

	if v, ok := s.Channels.Get(key); ok {
		if ch, ok := v.(*Channel); ok {
			return ch
		}
	}

	ch := NewChannel(name, modes)
	s.Channels.Set(key, ch)

	return ch
}

// RemoveChannel drops a tracked channel, e.g. on self-part or kick.
func (s *Store) RemoveChannel(name string) {
	s.Channels.Remove(halcyon.ToRFC1459(name))
}

// ChannelNames returns the canonical names of every tracked channel.
func (s *Store) ChannelNames() []string {
	keys := s.Channels.Keys()

	return keys
}

// --- User management ----------------------------------------------------

// GetUser looks up a tracked user by nick, case-folded per RFC1459.
func (s *Store) GetUser(nick string) (*User, bool) {
	v, ok := s.Users.Get(halcyon.ToRFC1459(nick))
	if !ok {
		return nil, false
	}

	u, ok := v.(*User)

	return u, ok
}

// EnsureUser returns the tracked user for nick, creating a bare entry if
// none exists yet.
func (s *Store) EnsureUser(nick string) *User {
	key := halcyon.ToRFC1459(nick)

	if v, ok := s.Users.Get(key); ok {
		if u, ok := v.(*User); ok {
			return u
		}
	}

	u := &User{Nick: nick}
	s.Users.Set(key, u)

	return u
}

// RenameUser moves a tracked user from its old nick to a new one,
// updating every channel membership map that references it. It is a
// no-op if oldNick isn't currently tracked.
func (s *Store) RenameUser(oldNick, newNick string) {
	oldKey := halcyon.ToRFC1459(oldNick)
	newKey := halcyon.ToRFC1459(newNick)

	v, ok := s.Users.Get(oldKey)
	if !ok {
		return
	}

	u, ok := v.(*User)
	if !ok {
		return
	}

	u.Nick = newNick
	s.Users.Remove(oldKey)
	s.Users.Set(newKey, u)

	for entry := range s.Channels.IterBuffered() {
		ch, ok := entry.Val.(*Channel)
		if !ok {
			continue
		}

		mv, ok := ch.Users.Get(oldKey)
		if !ok {
			continue
		}

		m, ok := mv.(*Membership)
		if !ok {
			continue
		}

		m.Nick = newNick
		ch.Users.Remove(oldKey)
		ch.Users.Set(newKey, m)
	}
}

// RemoveUser drops a tracked user entirely, e.g. on QUIT, from the global
// user table and from every channel's membership map.
func (s *Store) RemoveUser(nick string) {
	key := halcyon.ToRFC1459(nick)

	s.Users.Remove(key)

	for entry := range s.Channels.IterBuffered() {
		if ch, ok := entry.Val.(*Channel); ok {
			ch.Users.Remove(key)
		}
	}
}

// --- Context management --------------------------------------------------

// GetContext looks up a context by id (status/#channel/query-nick,
// case-folded for channel and query kinds by the caller).
func (s *Store) GetContext(id string) (*Context, bool) {
	v, ok := s.Contexts.Get(id)
	if !ok {
		return nil, false
	}

	ctx, ok := v.(*Context)

	return ctx, ok
}

// EnsureContext returns the context for id, creating one of the given
// kind and scrollback capacity if it doesn't exist yet.
func (s *Store) EnsureContext(id string, kind ContextKind, cap int) *Context {
	if v, ok := s.Contexts.Get(id); ok {
		if ctx, ok := v.(*Context); ok {
			return ctx
		}
	}

	ctx := NewContext(id, kind, cap, s.nextSeq())
	s.Contexts.Set(id, ctx)

	return ctx
}

// RemoveContext drops a tracked context, e.g. when a query or channel
// window is explicitly closed.
func (s *Store) RemoveContext(id string) {
	s.Contexts.Remove(id)
}

// AllContexts returns every tracked context ordered by creation sequence,
// oldest first -- stable enumeration order for a UI to render tabs in.
func (s *Store) AllContexts() []*Context {
	all := make([]*Context, 0, s.Contexts.Count())
	for entry := range s.Contexts.IterBuffered() {
		if ctx, ok := entry.Val.(*Context); ok {
			all = append(all, ctx)
		}
	}

	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 && all[j-1].created > all[j].created {
			all[j-1], all[j] = all[j], all[j-1]
			j--
		}
	}

	return all
}

// Snapshot returns a point-in-time copy of every currently-set key/value
// pair, useful for diagnostics or persistence pre-flight checks without
// holding the store lock for the caller's own duration.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}

	return cp
}
