// Package model holds the wire- and round-level data types shared across
// corenode's components: node addressing, rounds, model updates, and the
// message envelope.
package model

import "time"

// NodeID is the globally unique address of a peer within an experiment,
// "<ip>:<port>".
type NodeID string

// InitRound is the reserved round number for the initialization broadcast.
const InitRound int32 = -1

// FirstRound is the first real training round.
const FirstRound int32 = 0

// BypassWeight is the sentinel weight that excludes a source from the
// weighted mean while leaving its entry present for buffer completeness.
const BypassWeight = -1.0

// ModelUpdate is a single model submission, own or peer, tagged with a round.
type ModelUpdate struct {
	Round   int32
	Source  NodeID
	Params  []byte
	Weight  float64
	Local   bool
}

// Category is the top-level message kind.
type Category uint8

const (
	CategoryDiscovery Category = iota
	CategoryControl
	CategoryFederation
	CategoryModel
	CategoryConnection
	CategoryDiscover
	CategoryOffer
	CategoryLink
	CategoryReputation
)

func (c Category) String() string {
	switch c {
	case CategoryDiscovery:
		return "discovery"
	case CategoryControl:
		return "control"
	case CategoryFederation:
		return "federation"
	case CategoryModel:
		return "model"
	case CategoryConnection:
		return "connection"
	case CategoryDiscover:
		return "discover"
	case CategoryOffer:
		return "offer"
	case CategoryLink:
		return "link"
	case CategoryReputation:
		return "reputation"
	default:
		return "unknown"
	}
}

// FloodEligible reports whether messages of this category should be
// rebroadcast by the Communications Manager on receipt (spec §4.3).
func (c Category) FloodEligible() bool {
	switch c {
	case CategoryDiscovery, CategoryFederation, CategoryModel, CategoryDiscover, CategoryOffer, CategoryLink:
		return true
	default:
		return false
	}
}

// Action is the category-scoped verb of a message.
type Action uint8

const (
	ActionAlive Action = iota
	ActionDisconnect
	ActionHandshake
	ActionDiscover
	ActionOffer
	ActionLink
	ActionFederationReady
	ActionFederationStart
	ActionModelsIncluded
	ActionUpdate
	ActionLeadershipTransfer
	ActionFeedback
)

// Message is the decoded, in-memory form of a wire frame (spec §3, §6).
type Message struct {
	Source   NodeID
	Category Category
	Action   Action
	Round    int32
	Weight   float64
	Args     []string
	Params   []byte
	Latency  float64
	Lat      float64
	Lon      float64
}

// ConnState is the lifecycle state of a Connection (spec §3).
type ConnState int

const (
	StatePending ConnState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// GeoLocation is an optional peer location hint (spec §3).
type GeoLocation struct {
	Lat float64
	Lon float64
}

// ConnectionInfo is a read-only snapshot of a peer connection, returned
// by comms.Manager.Connections; the engine uses it to list neighbors and
// count connections.
type ConnectionInfo struct {
	Peer          NodeID
	State         ConnState
	Direct        bool
	Ready         bool
	LastSeenRound int32
	LastHeartbeat time.Time
	Geo           *GeoLocation
}
