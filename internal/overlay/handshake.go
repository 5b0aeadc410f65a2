package overlay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nebula-fl/corenode/internal/wire"
	"github.com/nebula-fl/corenode/pkg/model"
)

// handshakeTimeout bounds how long either side waits for the peer's
// handshake frame.
const handshakeTimeout = 10 * time.Second

// Handshake exchanges NodeID and the "direct" flag over a freshly
// accepted/dialed net.Conn (spec §4.2). Each side writes its own frame
// concurrently with reading the peer's, so there's no head-of-line
// ordering requirement between accept and dial, even on an unbuffered
// transport such as net.Pipe.
func Handshake(ctx context.Context, conn net.Conn, localID model.NodeID, direct bool) (peerID model.NodeID, peerDirect bool, err error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	hello := model.Message{
		Source:   localID,
		Category: model.CategoryConnection,
		Action:   model.ActionHandshake,
		Weight:   boolToFloat(direct),
	}
	frame, err := wire.Encode(hello)
	if err != nil {
		return "", false, fmt.Errorf("overlay: encode handshake: %w", err)
	}
	writeErr := make(chan error, 1)
	go func() { writeErr <- wire.WriteFrame(conn, frame) }()

	respFrame, err := wire.ReadFrame(conn)
	if werr := <-writeErr; werr != nil {
		return "", false, fmt.Errorf("overlay: send handshake: %w", werr)
	}
	if err != nil {
		return "", false, fmt.Errorf("overlay: read handshake: %w", err)
	}
	resp, err := wire.Decode(respFrame)
	if err != nil {
		return "", false, fmt.Errorf("overlay: decode handshake: %w", err)
	}
	if resp.Category != model.CategoryConnection || resp.Action != model.ActionHandshake {
		return "", false, fmt.Errorf("overlay: unexpected handshake response category=%v action=%v", resp.Category, resp.Action)
	}

	return resp.Source, resp.Weight != 0, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ResolveCollision implements spec §4.2's deterministic tie-break for
// simultaneous bidirectional dials: the side with the lexicographically
// smaller IP address keeps its outgoing connection and closes the
// incoming one. keepOutgoing reports whether the local side (with IP
// localIP) should keep the connection it dialed.
func ResolveCollision(localIP, remoteIP string) (keepOutgoing bool) {
	return strings.Compare(localIP, remoteIP) < 0
}

// HostFromNodeID extracts the IP portion of a "<ip>:<port>" NodeID.
func HostFromNodeID(id model.NodeID) string {
	host, _, err := net.SplitHostPort(string(id))
	if err != nil {
		return string(id)
	}
	return host
}
