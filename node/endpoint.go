package node

import (
	"sort"
	"time"

	"github.com/atbus-go/atbus/stream"
)

// Endpoint is the remote node as seen from this node (spec §3 "Endpoint"):
// identifier, children_mask, process id, host name, flags, one optional
// control connection, zero or more data connections, and last-ping
// bookkeeping.
type Endpoint struct {
	ID            ID
	ChildrenMask  uint
	PID           int32
	Host          string
	HasGlobalTree bool
	ListenAddrs   []string

	control *Connection
	data    []*Connection

	sortClean bool

	// ping bookkeeping (spec §3 "last-ping bookkeeping"). pingSentAt is a
	// mono.NanoTime() sample rather than wall-clock time, since RTT is a
	// difference of two local timestamps and must not be skewed by clock
	// adjustments between them.
	outstandingPingID uint64
	pingSentAt        int64
	rtt               time.Duration
}

func newEndpoint(id ID, childrenMask uint, pid int32, host string, hasGlobalTree bool) *Endpoint {
	return &Endpoint{ID: id, ChildrenMask: childrenMask, PID: pid, Host: host, HasGlobalTree: hasGlobalTree}
}

// RTT returns the most recently sampled ping round-trip time, or 0 if no
// pong has been received yet (spec §4.5 "Liveness").
func (e *Endpoint) RTT() time.Duration { return e.rtt }

// setControl installs the control connection, enforcing the "binding
// points at exactly one endpoint" invariant by binding the connection back
// to this endpoint (spec §3 invariant).
func (e *Endpoint) setControl(c *Connection) {
	e.control = c
	c.endpoint = e
}

func (e *Endpoint) addData(c *Connection) {
	c.endpoint = e
	e.data = append(e.data, c)
	e.sortClean = false
}

// removeConnection drops c from this endpoint. Per spec §3's invariant,
// losing the control connection or the last data connection forces the
// endpoint into reset; the caller (Node) is responsible for acting on the
// returned bool by tearing the endpoint down.
func (e *Endpoint) removeConnection(c *Connection) (forcesReset bool) {
	if e.control == c {
		e.control = nil
		return true
	}
	for i, d := range e.data {
		if d == c {
			e.data = append(e.data[:i], e.data[i+1:]...)
			break
		}
	}
	return len(e.data) == 0
}

// selectDataConn implements spec §4.5 "Data-connection selection": the
// control connection must be transport-Connected, the data-connection
// list is sorted by locality priority (share-address > share-host > other)
// once dirty, and the first Connected connection matching the strongest
// locality consistent with peer metadata wins; falling back to the
// control connection if no data connection qualifies.
func (e *Endpoint) selectDataConn(selfPID int32, selfHost string) *Connection {
	if e.control == nil || e.control.raw.State() != stream.StateConnected {
		return nil
	}
	if !e.sortClean {
		sort.SliceStable(e.data, func(i, j int) bool {
			return localityRank(e.data[i]) < localityRank(e.data[j])
		})
		e.sortClean = true
	}
	wantShareAddress := e.PID == selfPID && e.Host == selfHost
	wantShareHost := e.Host == selfHost
	for _, d := range e.data {
		if d.raw.State() != stream.StateConnected {
			continue
		}
		switch {
		case wantShareAddress && d.shareAddress:
			return d
		case wantShareHost && d.shareHost:
			return d
		case !d.shareHost:
			return d
		}
	}
	return e.control
}

func localityRank(c *Connection) int {
	switch {
	case c.shareAddress:
		return 0
	case c.shareHost:
		return 1
	default:
		return 2
	}
}
