package propagation

import (
	"testing"

	"github.com/nebula-fl/corenode/pkg/model"
)

func TestInitializationSendsToEveryNeighbor(t *testing.T) {
	p := New()
	got := p.Recipients([]model.NodeID{"a", "b", "c"}, nil)
	if len(got) != 3 {
		t.Fatalf("got %d recipients, want 3", len(got))
	}
}

func TestStableSkipsAlreadySent(t *testing.T) {
	p := New()
	p.SetPhase(PhaseStable)
	got := p.Recipients([]model.NodeID{"a", "b", "c"}, map[model.NodeID]bool{"b": true})
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 recipients excluding b", got)
	}
	for _, n := range got {
		if n == "b" {
			t.Fatal("b should have been skipped")
		}
	}
}

func TestPushResendsToAlreadySent(t *testing.T) {
	p := New()
	p.SetPhase(PhasePush)
	got := p.Recipients([]model.NodeID{"a", "b"}, map[model.NodeID]bool{"a": true, "b": true})
	if len(got) != 2 {
		t.Fatalf("push phase should resend to everyone, got %v", got)
	}
}
