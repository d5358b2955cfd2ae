// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package dcc implements direct client-to-client file transfer: active
// and passive SEND/GET with resume, per-transfer
// bandwidth caps, checksum verification, and an expiration sweeper. DCC
// negotiation rides inside CTCP payloads on PRIVMSG (the root package's
// CTCP codec); each transfer then owns its own socket, following the
// listener/dialer shape of the transport package. Transfer records are
// owned here and referenced by id from the state store.
package dcc

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/errs"
	"github.com/halcyon-irc/halcyon/eventbus"
	"github.com/halcyon-irc/halcyon/scrollback"
	"github.com/halcyon-irc/halcyon/state"
)

// Direction of a transfer relative to this client.
type Direction string

const (
	Send    Direction = "send"
	Receive Direction = "receive"
)

// Mode distinguishes active offers (the sender listens) from passive,
// aka reverse, offers (the receiver listens).
type Mode string

const (
	Active  Mode = "active"
	Passive Mode = "passive"
)

// TransferState enumerates a transfer's lifecycle.
type TransferState string

const (
	Pending      TransferState = "pending"
	Queued       TransferState = "queued"
	Negotiating  TransferState = "negotiating"
	Connecting   TransferState = "connecting"
	Transferring TransferState = "transferring"
	Completed    TransferState = "completed"
	Failed       TransferState = "failed"
	Cancelled    TransferState = "cancelled"
)

// Terminal reports whether the state is one of the three terminal
// states, after which last-progress is frozen and the sweeper may evict.
func (s TransferState) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Config holds the DCC subsystem's knobs.
type Config struct {
	// DownloadDir is where inbound files land; every resolved destination
	// path must stay inside it.
	DownloadDir string

	// PortRangeStart/End bound listening sockets for active sends and
	// passive-receive replies. Both zero means ephemeral ports.
	PortRangeStart int
	PortRangeEnd   int

	// AdvertisedIP overrides the IP encoded into active offers
	// (dcc_advertised_ip); nil falls back to the listener's address.
	AdvertisedIP net.IP

	// BandwidthLimitSendKBps / BandwidthLimitRecvKBps cap each transfer
	// in that direction; 0 = unlimited. Limits are per-transfer, there is
	// no global cap.
	BandwidthLimitSendKBps int
	BandwidthLimitRecvKBps int

	// MaxFileSize rejects inbound offers larger than this; 0 = no limit.
	MaxFileSize int64

	// BlockedExtensions rejects inbound filenames by extension.
	BlockedExtensions []string

	// AutoAccept accepts inbound offers immediately once they pass the
	// security checks.
	AutoAccept bool

	// ChecksumVerify enables digest computation during transfer and
	// comparison against a peer-advertised expected digest.
	ChecksumVerify bool

	// AcceptTimeout bounds how long an active-send listener waits for
	// the peer to connect.
	AcceptTimeout time.Duration

	// CleanupInterval is the sweeper period; TransferMaxAge is how long
	// terminal records are retained; PassiveTokenTimeout expires
	// unanswered passive offers.
	CleanupInterval     time.Duration
	TransferMaxAge      time.Duration
	PassiveTokenTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AcceptTimeout <= 0 {
		out.AcceptTimeout = 60 * time.Second
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = 30 * time.Second
	}
	if out.TransferMaxAge <= 0 {
		out.TransferMaxAge = 10 * time.Minute
	}
	if out.PassiveTokenTimeout <= 0 {
		out.PassiveTokenTimeout = 2 * time.Minute
	}

	return out
}

// Transfer is a single tracked DCC transfer. All mutable fields are
// guarded by mu and mutated only by the owning transfer task; observers
// take Snapshots.
type Transfer struct {
	ID        string
	Peer      string
	Filename  string
	LocalPath string
	Size      int64
	Direction Direction
	Mode      Mode

	mu           sync.Mutex
	state        TransferState
	bytes        int64
	resumeOffset int64
	passiveToken string
	expectedSum  string
	computedSum  string
	rateBps      int
	createdAt    time.Time
	lastProgress time.Time
	peerIP       net.IP
	peerPort     int
	port         int // our listening port, for RESUME matching
	failure      error

	cancel   context.CancelFunc
	listener net.Listener
}

// Snapshot is a point-in-time copy of a Transfer, safe for observers.
type Snapshot struct {
	ID           string
	Peer         string
	Filename     string
	LocalPath    string
	Size         int64
	Bytes        int64
	Direction    Direction
	Mode         Mode
	State        TransferState
	ResumeOffset int64
	PassiveToken string
	ExpectedSum  string
	ComputedSum  string
	CreatedAt    time.Time
	LastProgress time.Time
	Err          error
}

// Snapshot copies the transfer's current state under its guard.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		ID:           t.ID,
		Peer:         t.Peer,
		Filename:     t.Filename,
		LocalPath:    t.LocalPath,
		Size:         t.Size,
		Bytes:        t.bytes,
		Direction:    t.Direction,
		Mode:         t.Mode,
		State:        t.state,
		ResumeOffset: t.resumeOffset,
		PassiveToken: t.passiveToken,
		ExpectedSum:  t.expectedSum,
		ComputedSum:  t.computedSum,
		CreatedAt:    t.createdAt,
		LastProgress: t.lastProgress,
		Err:          t.failure,
	}
}

// SetExpectedChecksum records a peer-advertised digest (hex) to verify
// the transferred bytes against on completion.
func (t *Transfer) SetExpectedChecksum(hexDigest string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expectedSum = hexDigest
}

// SendCTCP delivers a DCC CTCP payload to a peer nick; the caller wraps
// it into PRIVMSG framing (PRIVMSG <peer> :\x01DCC <payload>\x01).
type SendCTCP func(peerNick, payload string)

// Manager owns every DCC transfer for one client session.
type Manager struct {
	cfg   Config
	store *state.Store
	bus   *eventbus.Bus
	log   *log.Logger
	send  SendCTCP

	transfers cmap.ConcurrentMap // id -> *Transfer

	mu sync.Mutex // guards the read-modify-write of dcc_history
}

// NewManager builds a Manager. logger may be nil.
func NewManager(cfg Config, store *state.Store, bus *eventbus.Bus, logger *log.Logger, send SendCTCP) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "dcc: ", log.LstdFlags)
	}

	return &Manager{
		cfg:       cfg.withDefaults(),
		store:     store,
		bus:       bus,
		log:       logger,
		send:      send,
		transfers: cmap.New(),
	}
}

const idBytes = "abcdefghijklmnopqrstuvwxyz0123456789"

func newToken() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = idBytes[rand.Intn(len(idBytes))]
	}

	return string(b)
}

// Get returns a snapshot of the transfer with the given id.
func (m *Manager) Get(id string) (Snapshot, bool) {
	v, ok := m.transfers.Get(id)
	if !ok {
		return Snapshot{}, false
	}

	t, ok := v.(*Transfer)
	if !ok {
		return Snapshot{}, false
	}

	return t.Snapshot(), true
}

// Transfers returns snapshots of every tracked transfer.
func (m *Manager) Transfers() []Snapshot {
	out := make([]Snapshot, 0, m.transfers.Count())
	for entry := range m.transfers.IterBuffered() {
		if t, ok := entry.Val.(*Transfer); ok {
			out = append(out, t.Snapshot())
		}
	}

	return out
}

// lookup returns the live transfer, for internal mutation paths.
func (m *Manager) lookup(id string) (*Transfer, bool) {
	v, ok := m.transfers.Get(id)
	if !ok {
		return nil, false
	}

	t, ok := v.(*Transfer)

	return t, ok
}

func (m *Manager) track(t *Transfer) {
	m.transfers.Set(t.ID, t)

	if err := m.store.Set("dcc_transfer:"+t.ID, string(t.state)); err != nil {
		m.log.Printf("dcc: registering transfer %s in store rejected: %v", t.ID, err)
	}
}

// newTransfer assembles a Transfer in its initial state; the caller
// tracks it once any direction-specific fields are filled in.
func (m *Manager) newTransfer(peer, filename, localPath string, size int64, dir Direction, mode Mode, st TransferState) *Transfer {
	rate := m.cfg.BandwidthLimitRecvKBps
	if dir == Send {
		rate = m.cfg.BandwidthLimitSendKBps
	}

	now := time.Now()

	return &Transfer{
		ID:        newToken(),
		Peer:      peer,
		Filename:  filename,
		LocalPath: localPath,
		Size:      size,
		Direction: dir,
		Mode:      mode,

		state:        st,
		rateBps:      rate * 1024,
		createdAt:    now,
		lastProgress: now,
	}
}

// setState transitions a transfer, publishing the matching event. On a
// terminal transition, last-progress freezes, the history summary is
// appended to the store, and the status context gets a human line.
func (m *Manager) setState(t *Transfer, s TransferState, failure error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}

	t.state = s
	if failure != nil {
		t.failure = failure
	}
	if !s.Terminal() {
		t.lastProgress = time.Now()
	}
	listener := t.listener
	cancel := t.cancel
	t.mu.Unlock()

	if err := m.store.Set("dcc_transfer:"+t.ID, string(s)); err != nil {
		m.log.Printf("dcc: transfer %s state update rejected: %v", t.ID, err)
	}

	snap := t.Snapshot()

	switch s {
	case Transferring:
		m.bus.Publish(halcyon.DCC_TRANSFER_STARTED, snap)
	case Completed:
		m.bus.Publish(halcyon.DCC_TRANSFER_COMPLETED, snap)
		m.appendHistory(snap)
		m.statusLine(fmt.Sprintf("DCC %s of %s with %s completed (%d bytes)",
			t.Direction, t.Filename, t.Peer, snap.Bytes))
	case Failed:
		m.bus.Publish(halcyon.DCC_TRANSFER_FAILED, snap)
		m.appendHistory(snap)
		m.statusLine(fmt.Sprintf("DCC %s of %s with %s failed: %v",
			t.Direction, t.Filename, t.Peer, failure))
	case Cancelled:
		m.bus.Publish(halcyon.DCC_TRANSFER_CANCELLED, snap)
		m.appendHistory(snap)
		m.statusLine(fmt.Sprintf("DCC %s of %s with %s cancelled", t.Direction, t.Filename, t.Peer))
	}

	if s.Terminal() {
		if listener != nil {
			listener.Close()
		}
		if cancel != nil {
			cancel()
		}
	}
}

func (m *Manager) statusLine(text string) {
	line := scrollback.Line{Text: text, Kind: "system", Time: time.Now().UnixNano()}

	ctx := m.store.EnsureContext("status", state.ContextStatus, scrollback.DefaultCap)
	ctx.Scrollback.Append(line)
	m.bus.Publish(halcyon.CONTEXT_LINE, state.ContextLine{ContextID: "status", Line: line})
}

func (m *Manager) appendHistory(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var history []state.DccHistoryEntry
	if v, ok := m.store.Get("dcc_history"); ok {
		if h, ok := v.([]state.DccHistoryEntry); ok {
			history = h
		}
	}

	history = append(history, state.DccHistoryEntry{
		ID:         snap.ID,
		Peer:       snap.Peer,
		Filename:   snap.Filename,
		Direction:  string(snap.Direction),
		Size:       snap.Size,
		BytesSent:  snap.Bytes,
		State:      string(snap.State),
		FinishedAt: time.Now(),
	})

	if err := m.store.Set("dcc_history", history); err != nil {
		m.log.Printf("dcc: appending transfer history rejected: %v", err)
	}
}

// listen opens a listener bound to a port within the configured range.
func (m *Manager) listen() (net.Listener, int, error) {
	if m.cfg.PortRangeStart == 0 && m.cfg.PortRangeEnd == 0 {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, 0, &errs.TransportIo{Err: err}
		}

		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}

	for p := m.cfg.PortRangeStart; p <= m.cfg.PortRangeEnd; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			continue
		}

		return ln, p, nil
	}

	return nil, 0, &errs.TransportIo{Err: fmt.Errorf("no free port in [%d, %d]", m.cfg.PortRangeStart, m.cfg.PortRangeEnd)}
}

// advertisedIP picks the IP encoded into an offer: the configured
// override if set, else the source address the kernel would route
// outbound traffic from.
func (m *Manager) advertisedIP() net.IP {
	if m.cfg.AdvertisedIP != nil {
		return m.cfg.AdvertisedIP
	}

	// Best effort: the kernel picks the route's source address.
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}

// Cancel cooperatively cancels a transfer: the owning task observes the
// cancellation and the record transitions terminally.
func (m *Manager) Cancel(id string) error {
	t, ok := m.lookup(id)
	if !ok {
		return &errs.DccProtocol{Detail: "unknown transfer id " + id}
	}

	m.setState(t, Cancelled, nil)

	return nil
}

// Run drives the expiration sweeper until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			m.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// sweep evicts aged-out terminal records and expires unanswered
// pending/negotiating passive offers.
func (m *Manager) sweep(now time.Time) {
	for entry := range m.transfers.IterBuffered() {
		t, ok := entry.Val.(*Transfer)
		if !ok {
			continue
		}

		snap := t.Snapshot()

		if snap.State.Terminal() {
			if now.Sub(snap.LastProgress) > m.cfg.TransferMaxAge {
				m.transfers.Remove(snap.ID)
			}
			continue
		}

		// Pending passive offers that nobody answered expire into
		// Failed rather than lingering forever.
		if snap.PassiveToken != "" && snap.State != Transferring &&
			now.Sub(snap.LastProgress) > m.cfg.PassiveTokenTimeout {
			m.setState(t, Failed, &errs.DccTimeout{Detail: "passive offer expired"})
		}
	}
}
