package node

import (
	"time"

	"github.com/atbus-go/atbus/addr"
	"github.com/atbus-go/atbus/stream"
)

// ConnState is a connection's registration-level lifecycle stage (spec
// §3 "Connection", §4.5 "Connection: Disconnected -> (listen|connect) ->
// Connecting -> Handshaking -> Connected -> Disconnecting -> Disconnected").
// It is distinct from the underlying transport's own stream.State: a
// Connection can be Handshaking at the node level while its stream.Conn
// is already transport-Connected.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnHandshaking
	ConnConnected
	ConnDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnHandshaking:
		return "handshaking"
	case ConnConnected:
		return "connected"
	case ConnDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Connection owns a transport handle, an address, and the registration
// state layered above the raw transport (spec §3 "Connection"). Only the
// stream (TCP/unix) transport is wired here; a shm-backed data
// connection would plug in alongside raw by adding a *shm.Channel field,
// left undone — see DESIGN.md.
type Connection struct {
	raw   *stream.Conn
	addr  addr.Address
	state ConnState

	// Locality flags (spec §3 "Locality flags"), set at creation from the
	// address scheme and refined once registration exchanges pid/host.
	shareAddress bool
	shareHost    bool

	isControl  bool
	handshakeAt time.Time

	// endpoint is the owning endpoint once bound; nil while still
	// handshaking and not yet attached (spec §3 invariant: "a connection's
	// binding either is null or points at exactly one endpoint that
	// contains it").
	endpoint *Endpoint
}

func newConnection(raw *stream.Conn, a addr.Address, isControl bool) *Connection {
	return &Connection{
		raw:         raw,
		addr:        a,
		state:       ConnHandshaking,
		isControl:   isControl,
		handshakeAt: time.Now(),
		// share-address is true locality (spec §3): same process, same
		// memory space. A unix-socket pipe still crosses processes, so it
		// only earns share-host, same as a loopback TCP connection.
		shareAddress: a.Scheme == addr.SchemeMem,
		shareHost:    a.IsLoopback() || a.Scheme == addr.SchemeUnix,
	}
}

func (c *Connection) Send(payload []byte) error { return c.raw.Send(payload) }

func (c *Connection) State() ConnState { return c.state }

func (c *Connection) Disconnect(reason error) {
	c.state = ConnDisconnecting
	c.raw.Disconnect(reason)
}

// refineLocality updates share-host/share-address once the peer's pid and
// host are known from a reg_req/reg_rsp exchange (spec §3: "access-share-
// host when peer's host name matches").
func (c *Connection) refineLocality(selfPID int32, selfHost string, peerPID int32, peerHost string) {
	if peerHost == selfHost {
		c.shareHost = true
		if peerPID == selfPID {
			c.shareAddress = true
		}
	}
}
