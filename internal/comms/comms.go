// Package comms implements the Communications Manager (spec §4.3): the
// connection table, dedup ring, pending-dial set, blacklist, and the
// dispatch/forward/broadcast operations every other component talks to
// instead of touching an overlay.Connection directly.
//
// Grounded on pkg/p2pnet/peermanager.go's watchlist and
// ConnectionRecorder callback pattern (reused here as event-bus
// publishes) and pkg/p2pnet/metrics.go's isolated-registry approach,
// adapted from libp2p host dialing to raw net.Conn.
package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nebula-fl/corenode/internal/eventbus"
	"github.com/nebula-fl/corenode/internal/metrics"
	"github.com/nebula-fl/corenode/internal/overlay"
	"github.com/nebula-fl/corenode/internal/wire"
	"github.com/nebula-fl/corenode/pkg/model"
)

// defaultMaxConnections is spec §4.3's default connection table cap.
const defaultMaxConnections = 1000

// dedupCapacity sizes one global dedup ring per process, not per-peer.
const dedupCapacity = 100000

var (
	ErrBlacklisted      = errors.New("comms: peer is blacklisted")
	ErrSelfDial         = errors.New("comms: refusing to dial self")
	ErrCapacityExceeded = errors.New("comms: connection table at capacity")
	ErrNotConnected     = errors.New("comms: not connected to peer")
	ErrAlreadyDialing   = errors.New("comms: dial already in flight")
)

// MessageEvent is published on the bus for every distinct (post-dedup)
// message received from any peer.
type MessageEvent struct {
	From model.NodeID
	Msg  model.Message
}

// NeighborUp is published when a connection reaches ACTIVE, whether
// from an inbound accept or an outbound Connect.
type NeighborUp struct {
	Peer   model.NodeID
	Direct bool
}

// NeighborDown is published exactly once when a connection reaches
// CLOSED, regardless of cause.
type NeighborDown struct {
	Peer   model.NodeID
	Reason string
}

// Options configures a Manager.
type Options struct {
	MaxConnections  int
	HeartbeatPeriod time.Duration
	WriteLimiter    *rate.Limiter // netsim hook, spec §4.3
	Metrics         *metrics.Set
}

// Manager owns the connection table and mediates every send, broadcast,
// and forward between corenode's components and the overlay.
type Manager struct {
	self model.NodeID
	bus  *eventbus.Bus

	mu          sync.RWMutex
	conns       map[model.NodeID]*overlay.Connection
	pendingDial map[model.NodeID]bool
	blacklist   map[model.NodeID]bool

	dedup *dedupRing

	maxConns        int
	heartbeatPeriod time.Duration
	writeLimiter    *rate.Limiter
	metrics         *metrics.Set

	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Manager identified as self, publishing connection
// and message events on bus.
func New(self model.NodeID, bus *eventbus.Bus, opts Options) *Manager {
	max := opts.MaxConnections
	if max <= 0 {
		max = defaultMaxConnections
	}
	return &Manager{
		self:            self,
		bus:             bus,
		conns:           make(map[model.NodeID]*overlay.Connection),
		pendingDial:     make(map[model.NodeID]bool),
		blacklist:       make(map[model.NodeID]bool),
		dedup:           newDedupRing(dedupCapacity),
		maxConns:        max,
		heartbeatPeriod: opts.HeartbeatPeriod,
		writeLimiter:    opts.WriteLimiter,
		metrics:         opts.Metrics,
	}
}

// Listen starts accepting inbound connections on addr.
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("comms: listen: %w", err)
	}
	m.listener = ln
	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

// Close stops accepting new connections and tears down every tracked one.
func (m *Manager) Close() {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	peers := make([]model.NodeID, 0, len(m.conns))
	for p := range m.conns {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		m.Disconnect(p, true)
	}
	m.wg.Wait()
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go m.handleAccepted(conn)
	}
}

func (m *Manager) handleAccepted(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peerID, peerDirect, err := overlay.Handshake(ctx, conn, m.self, false)
	if err != nil {
		slog.Debug("comms: inbound handshake failed", "error", err)
		conn.Close()
		return
	}
	if m.isBlacklisted(peerID) {
		conn.Close()
		return
	}
	m.adopt(peerID, peerDirect, conn)
}

// Connect dials addr, handshakes, and adds the result to the
// connection table. Idempotent: an existing connection to the same
// peer is returned as-is without redialing.
func (m *Manager) Connect(ctx context.Context, addr string, direct bool) (model.NodeID, error) {
	target := model.NodeID(addr)
	if target == m.self {
		return "", ErrSelfDial
	}
	if m.isBlacklisted(target) {
		return "", ErrBlacklisted
	}

	m.mu.Lock()
	if _, ok := m.conns[target]; ok {
		m.mu.Unlock()
		return target, nil
	}
	if len(m.conns) >= m.maxConns {
		m.mu.Unlock()
		return "", ErrCapacityExceeded
	}
	if m.pendingDial[target] {
		m.mu.Unlock()
		return "", ErrAlreadyDialing
	}
	m.pendingDial[target] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingDial, target)
		m.mu.Unlock()
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.countAttempt("dial_error")
		return "", fmt.Errorf("comms: dial %s: %w", addr, err)
	}

	peerID, peerDirect, err := overlay.Handshake(ctx, conn, m.self, direct)
	if err != nil {
		conn.Close()
		m.countAttempt("handshake_error")
		return "", fmt.Errorf("comms: handshake with %s: %w", addr, err)
	}

	m.mu.Lock()
	if existing, ok := m.conns[peerID]; ok {
		m.mu.Unlock()
		conn.Close()
		return existing.Peer, nil
	}
	m.mu.Unlock()

	m.adopt(peerID, peerDirect, conn)
	m.countAttempt("ok")
	return peerID, nil
}

func (m *Manager) countAttempt(result string) {
	if m.metrics != nil {
		m.metrics.ConnectAttempts.WithLabelValues(result).Inc()
	}
}

// adopt wires a post-handshake net.Conn into an overlay.Connection,
// resolving simultaneous-dial collisions per spec §4.2, and starts it.
func (m *Manager) adopt(peerID model.NodeID, direct bool, conn net.Conn) {
	m.mu.Lock()
	if existing, ok := m.conns[peerID]; ok {
		localHost := overlay.HostFromNodeID(m.self)
		remoteHost := overlay.HostFromNodeID(peerID)
		if overlay.ResolveCollision(localHost, remoteHost) {
			m.mu.Unlock()
			conn.Close()
			return
		}
		delete(m.conns, peerID)
		m.mu.Unlock()
		existing.Close(false, "superseded by collision resolution")
		m.mu.Lock()
	}

	oc := overlay.New(peerID, direct, conn, overlay.Options{
		HeartbeatPeriod: m.heartbeatPeriod,
		WriteLimiter:    m.writeLimiter,
		OnMessage: func(msg model.Message) {
			m.handleIncoming(peerID, msg)
		},
		OnMalformed: func(err error) {
			slog.Debug("comms: malformed frame", "peer", peerID, "error", err)
		},
		OnClose: func(reason string) {
			m.mu.Lock()
			delete(m.conns, peerID)
			active := len(m.conns)
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.ConnectionsActive.Set(float64(active))
			}
			m.bus.Publish(NeighborDown{Peer: peerID, Reason: reason})
		},
	})
	m.conns[peerID] = oc
	active := len(m.conns)
	m.mu.Unlock()

	oc.MarkReady()
	oc.Start()
	if m.metrics != nil {
		m.metrics.ConnectionsActive.Set(float64(active))
	}
	m.bus.Publish(NeighborUp{Peer: peerID, Direct: direct})
}

// Disconnect tears down the connection to peer, optionally notifying it.
func (m *Manager) Disconnect(peer model.NodeID, mutual bool) {
	m.mu.RLock()
	c, ok := m.conns[peer]
	m.mu.RUnlock()
	if !ok {
		return
	}
	c.Close(mutual, "local disconnect")
}

// Blacklist refuses future Connect/accept attempts for peer and
// disconnects any existing connection.
func (m *Manager) Blacklist(peer model.NodeID) {
	m.mu.Lock()
	m.blacklist[peer] = true
	m.mu.Unlock()
	m.Disconnect(peer, true)
}

func (m *Manager) isBlacklisted(peer model.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blacklist[peer]
}

// SendTo delivers msg to exactly one connected peer.
func (m *Manager) SendTo(peer model.NodeID, msg model.Message) error {
	m.mu.RLock()
	c, ok := m.conns[peer]
	m.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if m.metrics != nil {
		m.metrics.MessagesSent.WithLabelValues(msg.Category.String()).Inc()
	}
	return c.Send(msg)
}

// Broadcast sends msg to every connected peer, or to subset if given.
func (m *Manager) Broadcast(msg model.Message, subset ...model.NodeID) {
	targets := subset
	if len(targets) == 0 {
		m.mu.RLock()
		targets = make([]model.NodeID, 0, len(m.conns))
		for p := range m.conns {
			targets = append(targets, p)
		}
		m.mu.RUnlock()
	}
	for _, p := range targets {
		_ = m.SendTo(p, msg)
	}
}

// Forward rebroadcasts msg to every connected peer except exceptPeer,
// gated on the dedup ring so the same logical message never loops.
// Returns false if msg's digest had already been observed.
func (m *Manager) Forward(msg model.Message, exceptPeer model.NodeID) bool {
	digest, err := wire.Digest(msg)
	if err != nil {
		return false
	}
	if m.dedup.SeenOrMark(digest) {
		return false
	}
	m.mu.RLock()
	targets := make([]model.NodeID, 0, len(m.conns))
	for p := range m.conns {
		if p != exceptPeer {
			targets = append(targets, p)
		}
	}
	m.mu.RUnlock()
	for _, p := range targets {
		_ = m.SendTo(p, msg)
	}
	if m.metrics != nil {
		m.metrics.Forwarded.Inc()
	}
	return true
}

// handleIncoming applies dedup, publishes a MessageEvent on first
// observation of a digest, and rebroadcasts flood-eligible categories
// to every other peer.
func (m *Manager) handleIncoming(from model.NodeID, msg model.Message) {
	digest, err := wire.Digest(msg)
	if err != nil {
		slog.Debug("comms: digest failed", "peer", from, "error", err)
		return
	}
	if m.dedup.SeenOrMark(digest) {
		if m.metrics != nil {
			m.metrics.DedupDrops.Inc()
		}
		return
	}

	if m.metrics != nil {
		m.metrics.MessagesReceived.WithLabelValues(msg.Category.String()).Inc()
	}
	m.bus.Publish(MessageEvent{From: from, Msg: msg})

	if !msg.Category.FloodEligible() {
		return
	}
	m.mu.RLock()
	targets := make([]model.NodeID, 0, len(m.conns))
	for p := range m.conns {
		if p != from {
			targets = append(targets, p)
		}
	}
	m.mu.RUnlock()
	for _, p := range targets {
		_ = m.SendTo(p, msg)
	}
	if len(targets) > 0 && m.metrics != nil {
		m.metrics.Forwarded.Inc()
	}
}

// Connections returns a snapshot of currently tracked peers.
func (m *Manager) Connections() []model.ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ConnectionInfo, 0, len(m.conns))
	for peer, c := range m.conns {
		out = append(out, model.ConnectionInfo{
			Peer:   peer,
			State:  c.State(),
			Direct: c.Direct,
			Ready:  c.Ready(),
		})
	}
	return out
}
