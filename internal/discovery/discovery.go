// Package discovery implements the optional UDP multicast bootstrap
// discovery described in spec §6: a literal SSDP-style datagram format
// on 239.255.255.250:1900, not RFC 6762 mDNS. Because the wire format
// is this specific legacy line-oriented layout rather than a DNS
// record, no available mDNS/zeroconf library applies here — this
// package is one of the few places corenode reaches for the standard
// library net package directly, with that choice justified in
// DESIGN.md rather than silently taken.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nebula-fl/corenode/pkg/model"
)

// Addr is the fixed multicast group and port spec §6 specifies.
const Addr = "239.255.255.250:1900"

// MessageType distinguishes a discovery query from a beacon reply.
type MessageType string

const (
	TypeDiscover MessageType = "discover"
	TypeBeacon   MessageType = "beacon"
)

// Beacon is a parsed announcement from a peer on the multicast group.
type Beacon struct {
	Type MessageType
	Node model.NodeID
	Lat  float64
	Lon  float64
}

// Encode serializes a Beacon into the wire's literal line format:
//
//	ST: urn:nebula-service
//	TYPE: <discover|beacon>
//	LOCATION: <nodeID>
//	LATITUDE: <lat>
//	LONGITUDE: <lon>
func Encode(b Beacon) []byte {
	var sb strings.Builder
	sb.WriteString("ST: urn:nebula-service\r\n")
	fmt.Fprintf(&sb, "TYPE: %s\r\n", b.Type)
	if b.Node != "" {
		fmt.Fprintf(&sb, "LOCATION: %s\r\n", b.Node)
	}
	if b.Type == TypeBeacon {
		fmt.Fprintf(&sb, "LATITUDE: %g\r\n", b.Lat)
		fmt.Fprintf(&sb, "LONGITUDE: %g\r\n", b.Lon)
	}
	return []byte(sb.String())
}

// Decode parses a datagram produced by Encode (or a compatible
// implementation). Unknown lines are ignored rather than rejected, so
// a future field addition doesn't break older listeners.
func Decode(data []byte) (Beacon, error) {
	var b Beacon
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	seenST := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "ST":
			seenST = val == "urn:nebula-service"
		case "TYPE":
			b.Type = MessageType(val)
		case "LOCATION":
			b.Node = model.NodeID(val)
		case "LATITUDE":
			b.Lat, _ = strconv.ParseFloat(val, 64)
		case "LONGITUDE":
			b.Lon, _ = strconv.ParseFloat(val, 64)
		}
	}
	if !seenST {
		return Beacon{}, fmt.Errorf("discovery: missing or wrong ST header")
	}
	return b, nil
}

// Handler receives one decoded beacon from some sender address.
type Handler func(from net.Addr, b Beacon)

// Listener joins the multicast group and dispatches incoming beacons.
type Listener struct {
	conn *net.UDPConn
}

// Listen joins the multicast group on the system-default multicast
// interface (a nil interface to net.ListenMulticastUDP) and starts
// dispatching decoded beacons to h until ctx is cancelled.
func Listen(ctx context.Context, h Handler) (*Listener, error) {
	groupAddr, err := net.ResolveUDPAddr("udp4", Addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve group address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: join multicast group: %w", err)
	}
	conn.SetReadBuffer(4096)

	l := &Listener{conn: conn}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go l.readLoop(h)
	return l, nil
}

func (l *Listener) readLoop(h Handler) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		if h != nil {
			h(addr, b)
		}
	}
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Announce sends a single beacon or discover datagram to the multicast
// group.
func Announce(b Beacon) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", Addr)
	if err != nil {
		return fmt.Errorf("discovery: resolve group address: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("discovery: dial multicast group: %w", err)
	}
	defer conn.Close()
	_, err = conn.Write(Encode(b))
	return err
}
