package comms

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nebula-fl/corenode/internal/eventbus"
	"github.com/nebula-fl/corenode/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// overlay heartbeat/write-flush tickers can still be winding
		// down in the instant after Close returns.
		goleak.IgnoreTopFunction("time.Sleep"),
	)
}

func TestConnectHandshakeAddsBothSidesToTable(t *testing.T) {
	busA, busB := eventbus.New(), eventbus.New()
	a := New(model.NodeID("127.0.0.1:19001"), busA, Options{HeartbeatPeriod: 50 * time.Millisecond})
	b := New(model.NodeID("127.0.0.1:19002"), busB, Options{HeartbeatPeriod: 50 * time.Millisecond})
	defer a.Close()
	defer b.Close()

	if err := b.Listen("127.0.0.1:19002"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	gotUp := make(chan NeighborUp, 1)
	eventbus.Subscribe(busB, eventbus.Concurrent, func(e NeighborUp) {
		gotUp <- e
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peer, err := a.Connect(ctx, "127.0.0.1:19002", true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if peer != model.NodeID("127.0.0.1:19002") {
		t.Fatalf("got peer %q, want 127.0.0.1:19002", peer)
	}

	select {
	case e := <-gotUp:
		if e.Peer != model.NodeID("127.0.0.1:19001") {
			t.Fatalf("accepted side saw peer %q, want dialer's address", e.Peer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept side never published NeighborUp")
	}

	conns := a.Connections()
	if len(conns) != 1 || conns[0].Peer != model.NodeID("127.0.0.1:19002") {
		t.Fatalf("dialer's connection table = %+v", conns)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	busA, busB := eventbus.New(), eventbus.New()
	a := New(model.NodeID("127.0.0.1:19003"), busA, Options{})
	b := New(model.NodeID("127.0.0.1:19004"), busB, Options{})
	defer a.Close()
	defer b.Close()

	if err := b.Listen("127.0.0.1:19004"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.Connect(ctx, "127.0.0.1:19004", true); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := a.Connect(ctx, "127.0.0.1:19004", true); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if len(a.Connections()) != 1 {
		t.Fatalf("idempotent connect produced %d entries", len(a.Connections()))
	}
}

func TestConnectSelfDialRejected(t *testing.T) {
	bus := eventbus.New()
	a := New(model.NodeID("127.0.0.1:19005"), bus, Options{})
	defer a.Close()

	_, err := a.Connect(context.Background(), "127.0.0.1:19005", true)
	if err != ErrSelfDial {
		t.Fatalf("got %v, want ErrSelfDial", err)
	}
}

func TestSendToUnconnectedPeerFails(t *testing.T) {
	bus := eventbus.New()
	a := New(model.NodeID("127.0.0.1:19006"), bus, Options{})
	defer a.Close()

	err := a.SendTo(model.NodeID("127.0.0.1:19007"), model.Message{})
	if err != ErrNotConnected {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}
