package overlay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/nebula-fl/corenode/internal/wire"
	"github.com/nebula-fl/corenode/pkg/model"
)

func TestSendDeliversMessageToPeer(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	received := make(chan model.Message, 1)
	local := New("peer:1", true, a, Options{
		OnMessage: func(m model.Message) { received <- m },
	})
	local.Start()
	local.MarkReady()
	defer local.Close(false, "test done")

	if err := local.Send(model.Message{Category: model.CategoryModel, Action: model.ActionUpdate, Round: 3}); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame, err := wire.ReadFrame(b)
	if err != nil {
		t.Fatalf("read from peer side: %v", err)
	}
	m, err := wire.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Round != 3 || m.Action != model.ActionUpdate {
		t.Fatalf("got %+v, want round=3 action=update", m)
	}
}

func TestCloseIsIdempotentAndInvokesOnCloseOnce(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	var closes int
	local := New("peer:1", true, a, Options{
		OnClose: func(string) { closes++ },
	})
	local.Start()
	local.MarkReady()

	local.Close(false, "first")
	local.Close(false, "second")

	if closes != 1 {
		t.Fatalf("onClose called %d times, want 1", closes)
	}
	if local.State() != model.StateClosed {
		t.Fatalf("state = %v, want Closed", local.State())
	}
}

func TestSendOnClosedConnectionFails(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	local := New("peer:1", true, a, Options{})
	local.Start()
	local.MarkReady()
	local.Close(false, "closed before send")

	if err := local.Send(model.Message{}); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestMalformedStreakClosesAfterThreeFailures(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var malformedCount int
	closed := make(chan struct{})
	local := New("peer:1", true, a, Options{
		OnMalformed: func(error) { malformedCount++ },
		OnClose:     func(string) { close(closed) },
	})
	local.Start()
	local.MarkReady()

	// Drain whatever local writes back (e.g. the mutual-close disconnect
	// frame) so the writer never blocks waiting for a reader on this
	// raw, unwrapped side of the pipe.
	go io.Copy(io.Discard, b)

	bad := []byte{0, 0, 0, 1, 0, 1, 0xFF} // length=1, version=1, one garbage payload byte (too short to decode)
	for i := 0; i < 3; i++ {
		if _, err := b.Write(bad); err != nil {
			t.Fatalf("write malformed frame %d: %v", i, err)
		}
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to close after three malformed frames")
	}
	if malformedCount < 3 {
		t.Fatalf("malformedCount = %d, want >= 3", malformedCount)
	}
}
