package overlay

import (
	"context"
	"net"
	"testing"

	"github.com/nebula-fl/corenode/pkg/model"
)

func TestHandshakeExchangesNodeIDAndDirect(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		peer   model.NodeID
		direct bool
		err    error
	}
	aCh := make(chan result, 1)
	bCh := make(chan result, 1)

	go func() {
		peer, direct, err := Handshake(context.Background(), a, "10.0.0.1:9000", true)
		aCh <- result{peer, direct, err}
	}()
	go func() {
		peer, direct, err := Handshake(context.Background(), b, "10.0.0.2:9000", false)
		bCh <- result{peer, direct, err}
	}()

	ra := <-aCh
	rb := <-bCh
	if ra.err != nil || rb.err != nil {
		t.Fatalf("handshake errors: a=%v b=%v", ra.err, rb.err)
	}
	if ra.peer != "10.0.0.2:9000" {
		t.Fatalf("a saw peer %q, want 10.0.0.2:9000", ra.peer)
	}
	if rb.peer != "10.0.0.1:9000" {
		t.Fatalf("b saw peer %q, want 10.0.0.1:9000", rb.peer)
	}
	if rb.direct != true {
		t.Fatal("b should have observed a's direct=true")
	}
	if ra.direct != false {
		t.Fatal("a should have observed b's direct=false")
	}
}

func TestResolveCollisionPrefersLexicographicallySmallerIP(t *testing.T) {
	if !ResolveCollision("10.0.0.1", "10.0.0.2") {
		t.Fatal("smaller IP should keep its outgoing connection")
	}
	if ResolveCollision("10.0.0.2", "10.0.0.1") {
		t.Fatal("larger IP should not keep its outgoing connection")
	}
}

func TestHostFromNodeIDExtractsIP(t *testing.T) {
	if got := HostFromNodeID("10.0.0.1:9000"); got != "10.0.0.1" {
		t.Fatalf("got %q, want 10.0.0.1", got)
	}
}
