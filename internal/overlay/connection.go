// Package overlay implements the per-peer duplex transport (spec §4.2):
// handshake, framing via internal/wire, liveness heartbeats, and an
// ordered, bounded outbound queue drained by a single writer goroutine.
//
// Grounded on pkg/p2pnet/peermanager.go's reconnect/backoff shape and
// pkg/p2pnet/service.go's reader/writer-goroutine-per-stream pattern,
// adapted from libp2p streams to raw net.Conn.
package overlay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nebula-fl/corenode/internal/wire"
	"github.com/nebula-fl/corenode/pkg/model"
)

// outboundQueueSize bounds the writer queue; once it is full Send fails
// with ErrQueueFull rather than growing without limit (spec §9: "no
// unbounded fan-out").
const outboundQueueSize = 256

// heartbeatMissedLimit is the number of consecutive missed heartbeats
// before a connection is marked stale (spec §4.2 default: 3).
const heartbeatMissedLimit = 3

// ErrQueueFull is returned by Send when the writer can't keep up.
var ErrQueueFull = errors.New("overlay: outbound queue full")

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("overlay: connection closed")

// Handler is invoked once per successfully decoded, framed message.
type Handler func(m model.Message)

// MalformedHandler is invoked when a frame fails to decode. The
// Connection applies the three-strike rule itself (spec §4.1) before
// tearing down.
type MalformedHandler func(err error)

// CloseHandler is invoked exactly once when the connection transitions
// to CLOSED, regardless of cause (explicit disconnect, heartbeat
// timeout, or peer-initiated close).
type CloseHandler func(reason string)

// Connection owns one peer's reader and writer tasks.
type Connection struct {
	Peer   model.NodeID
	Direct bool

	conn net.Conn

	onMessage   Handler
	onMalformed MalformedHandler
	onClose     CloseHandler

	heartbeatPeriod time.Duration
	writeLimiter    *rate.Limiter // nil-safe; netsim hook, spec §4.3

	outbound chan []byte
	state    atomic.Int32 // model.ConnState

	lastHeartbeatSent atomic.Int64 // unix nano
	missedHeartbeats  atomic.Int32
	malformedStreak   atomic.Int32

	readyMu sync.Mutex
	ready   bool

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Options configures a Connection.
type Options struct {
	HeartbeatPeriod time.Duration
	WriteLimiter    *rate.Limiter
	OnMessage       Handler
	OnMalformed     MalformedHandler
	OnClose         CloseHandler
}

// New wraps an already-dialed/accepted net.Conn. The caller must invoke
// Start to begin the reader/writer/heartbeat loops.
func New(peer model.NodeID, direct bool, conn net.Conn, opts Options) *Connection {
	period := opts.HeartbeatPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	c := &Connection{
		Peer:            peer,
		Direct:          direct,
		conn:            conn,
		onMessage:       opts.OnMessage,
		onMalformed:     opts.OnMalformed,
		onClose:         opts.OnClose,
		heartbeatPeriod: period,
		writeLimiter:    opts.WriteLimiter,
		outbound:        make(chan []byte, outboundQueueSize),
		done:            make(chan struct{}),
	}
	c.state.Store(int32(model.StatePending))
	return c
}

// Start begins the reader, writer, and heartbeat loops.
func (c *Connection) Start() {
	c.wg.Add(3)
	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
}

// State returns the current connection state.
func (c *Connection) State() model.ConnState {
	return model.ConnState(c.state.Load())
}

// MarkReady transitions the connection to ACTIVE after a successful
// handshake (spec §3: "A connection is in the table iff it has
// completed the handshake").
func (c *Connection) MarkReady() {
	c.readyMu.Lock()
	c.ready = true
	c.readyMu.Unlock()
	c.state.Store(int32(model.StateActive))
}

// Ready reports whether the handshake has completed.
func (c *Connection) Ready() bool {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.ready
}

// Send enqueues a message for the writer without blocking the caller
// (spec §4.2: "enqueue without blocking callers"); if the queue is full
// it returns ErrQueueFull and the message is not sent. Ordering within
// one connection is FIFO.
func (c *Connection) Send(m model.Message) error {
	if c.State() == model.StateClosed {
		return ErrClosed
	}
	frame, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("overlay: encode: %w", err)
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close tears the connection down, optionally notifying the peer first.
func (c *Connection) Close(mutual bool, reason string) {
	c.closeOnce.Do(func() {
		if mutual && c.State() != model.StateClosed {
			_ = c.Send(model.Message{Category: model.CategoryConnection, Action: model.ActionDisconnect})
			time.Sleep(20 * time.Millisecond) // best-effort flush window
		}
		c.state.Store(int32(model.StateClosed))
		close(c.done)
		c.conn.Close()
		c.wg.Wait()
		if c.onClose != nil {
			c.onClose(reason)
		}
	})
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	br := bufio.NewReader(c.conn)
	for {
		frame, err := wire.ReadFrame(br)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			go c.Close(false, fmt.Sprintf("read error: %v", err))
			return
		}
		m, err := wire.Decode(frame)
		if err != nil {
			streak := c.malformedStreak.Add(1)
			if c.onMalformed != nil {
				c.onMalformed(err)
			}
			if streak >= 3 {
				go c.Close(true, "three consecutive malformed frames")
				return
			}
			continue
		}
		c.malformedStreak.Store(0)

		if m.Category == model.CategoryControl && m.Action == model.ActionAlive {
			c.missedHeartbeats.Store(0)
			continue
		}
		if m.Category == model.CategoryConnection && m.Action == model.ActionDisconnect {
			go c.Close(false, "peer requested disconnect")
			return
		}
		if c.onMessage != nil {
			c.onMessage(m)
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	bw := bufio.NewWriter(c.conn)
	flush := time.NewTicker(50 * time.Millisecond)
	defer flush.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			if c.writeLimiter != nil {
				_ = c.writeLimiter.WaitN(context.Background(), len(frame))
			}
			if err := wire.WriteFrame(bw, frame); err != nil {
				go c.Close(false, fmt.Sprintf("write error: %v", err))
				return
			}
			if len(c.outbound) == 0 {
				bw.Flush()
			}
		case <-flush.C:
			bw.Flush()
		}
	}
}

func (c *Connection) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			missed := c.missedHeartbeats.Add(1)
			if missed > heartbeatMissedLimit {
				slog.Warn("overlay: heartbeat timeout", "peer", c.Peer)
				go c.Close(true, "heartbeat timeout")
				return
			}
			if err := c.Send(model.Message{Category: model.CategoryControl, Action: model.ActionAlive}); err != nil && !errors.Is(err, ErrClosed) {
				slog.Debug("overlay: heartbeat send failed", "peer", c.Peer, "error", err)
			}
			c.lastHeartbeatSent.Store(time.Now().UnixNano())
		}
	}
}
