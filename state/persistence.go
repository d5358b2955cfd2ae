// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halcyon-irc/halcyon/scrollback"
)

// SchemaVersion is bumped whenever the persisted document shape changes
// incompatibly.
const SchemaVersion = 1

// PersistedContext is the on-disk shape of a single scrollback context: a
// bounded tail of lines plus the last-read marker, not the full history.
type PersistedContext struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	LastReadMark int    `json:"last_read_marker"`
	Lines        []PersistedLine `json:"lines"`
}

// PersistedLine mirrors scrollback.Line for JSON purposes, keeping the
// in-memory type free of struct tags.
type PersistedLine struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
	Nick string `json:"nick,omitempty"`
	Time int64  `json:"time"`
}

// Document is the full persisted snapshot of client state:
// connection config, the last server successfully registered against,
// per-context scrollback tails, and terminal-state DCC transfer history.
type Document struct {
	SchemaVersion int               `json:"schema_version"`
	Connection    ConnectionInfo    `json:"connection"`
	LastServerKey string            `json:"last_server_key"`
	Contexts      []PersistedContext `json:"contexts"`
	DccHistory    []DccHistoryEntry `json:"dcc_history"`
}

// Persister periodically and on-demand flushes a Store's durable state to
// a JSON file on disk, using the write-temp-then-rename idiom so a reader
// (or a crash mid-write) never observes a partially written document.
type Persister struct {
	mu       sync.Mutex
	path     string
	interval time.Duration
	store    *Store
	tailCap  int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPersister builds a Persister that will write store's durable state
// to path every interval (default 30s if interval <= 0), keeping up to
// tailCap scrollback lines per context (default 200 if tailCap <= 0).
func NewPersister(store *Store, path string, interval time.Duration, tailCap int) *Persister {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if tailCap <= 0 {
		tailCap = 200
	}

	return &Persister{
		path:     path,
		interval: interval,
		store:    store,
		tailCap:  tailCap,
	}
}

// Start begins the periodic flush loop in a background goroutine. Stop
// must be called to release it.
func (p *Persister) Start() {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)

		t := time.NewTicker(p.interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				if err := p.Flush(); err != nil {
					p.store.Log.Printf("state: periodic persist failed: %v", err)
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic flush loop and waits for it to exit.
func (p *Persister) Stop() {
	p.mu.Lock()
	stop := p.stopCh
	done := p.doneCh
	p.stopCh = nil
	p.mu.Unlock()

	if stop == nil {
		return
	}

	close(stop)
	<-done
}

// Flush writes the current store state to disk immediately, via
// write-temp-then-rename so the destination path is never observed in a
// half-written state.
func (p *Persister) Flush() error {
	doc := p.snapshot()

	buf, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal persisted document: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".halcyon-state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("state: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("state: rename temp file into place: %w", err)
	}

	return nil
}

func (p *Persister) snapshot() Document {
	doc := Document{SchemaVersion: SchemaVersion}

	if v, ok := p.store.Get("connection_info"); ok {
		if ci, ok := v.(*ConnectionInfo); ok {
			doc.Connection = *ci
		}
	}
	if v, ok := p.store.Get("last_server_key"); ok {
		if s, ok := v.(string); ok {
			doc.LastServerKey = s
		}
	}
	if v, ok := p.store.Get("dcc_history"); ok {
		if h, ok := v.([]DccHistoryEntry); ok {
			doc.DccHistory = h
		}
	}

	for _, ctx := range p.store.AllContexts() {
		all := ctx.Scrollback.All()

		start := 0
		if len(all) > p.tailCap {
			start = len(all) - p.tailCap
		}

		pc := PersistedContext{
			ID:           ctx.ID,
			Kind:         string(ctx.Kind),
			LastReadMark: ctx.Scrollback.LastReadMarker(),
		}
		for _, l := range all[start:] {
			pc.Lines = append(pc.Lines, PersistedLine{Text: l.Text, Kind: l.Kind, Nick: l.Nick, Time: l.Time})
		}

		doc.Contexts = append(doc.Contexts, pc)
	}

	return doc
}

// Load reads a previously persisted document from path and applies it to
// store: connection info, last server key, dcc history, and per-context
// scrollback tails (contexts are created with cap sized to at least the
// number of lines being restored).
//
// If the file at path is not valid JSON, it is renamed aside to
// "<path>.corrupt.<unixnano>" and Load returns a fresh, empty Document
// rather than failing the caller outright.
func Load(store *Store, path string) (*Document, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Document{SchemaVersion: SchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read persisted document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(buf, &doc); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
		if rerr := os.Rename(path, quarantine); rerr != nil {
			store.Log.Printf("state: failed to quarantine corrupt state file %s: %v", path, rerr)
		} else {
			store.Log.Printf("state: quarantined corrupt state file to %s: %v", quarantine, err)
		}

		return &Document{SchemaVersion: SchemaVersion}, nil
	}

	ci := doc.Connection
	if err := store.Set("connection_info", &ci); err != nil {
		store.Log.Printf("state: restoring connection_info rejected by validator: %v", err)
	}
	if err := store.Set("last_server_key", doc.LastServerKey); err != nil {
		store.Log.Printf("state: restoring last_server_key rejected by validator: %v", err)
	}
	if err := store.Set("dcc_history", doc.DccHistory); err != nil {
		store.Log.Printf("state: restoring dcc_history rejected by validator: %v", err)
	}

	for _, pc := range doc.Contexts {
		cap := len(pc.Lines)
		if cap < 1 {
			cap = 1
		}

		ctx := store.EnsureContext(pc.ID, ContextKind(pc.Kind), cap)
		for _, l := range pc.Lines {
			ctx.Scrollback.Append(scrollback.Line{Text: l.Text, Kind: l.Kind, Nick: l.Nick, Time: l.Time})
		}
		ctx.Scrollback.SetLastReadMarker(pc.LastReadMark)
	}

	return &doc, nil
}
