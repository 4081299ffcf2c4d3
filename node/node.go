package node

import (
	"net"
	"sync"
	"time"

	"github.com/atbus-go/atbus/addr"
	"github.com/atbus-go/atbus/cmn/atomic"
	"github.com/atbus-go/atbus/cmn/cos"
	"github.com/atbus-go/atbus/cmn/nlog"
	"github.com/atbus-go/atbus/hk"
	"github.com/atbus-go/atbus/proto"
	"github.com/atbus-go/atbus/stream"
	"golang.org/x/sync/errgroup"
)

// Options tunes a Node's liveness and transport behavior (spec §4.5
// "Liveness", §4.4 "Transport options").
type Options struct {
	PingInterval     time.Duration // 0 => 5s
	FirstIdleTimeout time.Duration // 0 => 10s
	RetryInterval    time.Duration // 0 => 3s
	Conn             stream.Options
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 5 * time.Second
	}
	if o.FirstIdleTimeout <= 0 {
		o.FirstIdleTimeout = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 3 * time.Second
	}
}

// RecvDataCB delivers a data_transform payload addressed to this node
// (spec §4.5 "Routing" step 1: deliver locally).
type RecvDataCB func(from ID, msgType int32, payload []byte)

// SendDataFailedCB fires when a SendData this node originated could not
// be forwarded to its destination; seq correlates it back to the
// originating call (SPEC_FULL.md §9 supplemented feature 2). The
// data_transform_rsp that reports the failure carries neither the
// original content nor its message type, so payload is always nil and
// msgType is always 0.
type SendDataFailedCB func(seq uint64, target ID, msgType int32, payload []byte, code cos.Code)

// CustomCommandCB delivers a custom_command_req's fragments in order
// (spec §4.5 "Custom commands").
type CustomCommandCB func(from ID, fragments [][]byte)

// Node is one bus node: identity, the tree of known endpoints, and the
// routing/registration/liveness state machine of spec §4.5. Grounded on
// the teacher's own long-lived-service idiom (a single owning struct with
// a housekeeper pump and registered callbacks, e.g. transport's handler/
// gc) generalized to a tree topology instead of a flat set of http
// streams.
type Node struct {
	SelfID        ID
	SelfMask      uint
	PID           int32
	Host          string
	HasGlobalTree bool
	ListenAddrs   []string

	hasParent  bool
	parentID   ID
	parentMask uint
	parentAddr addr.Address

	mu         sync.Mutex
	endpoints  map[ID]*Endpoint
	byRawConn  map[*stream.Conn]*Connection
	listeners  []*stream.Listener
	handshakes map[*Connection]struct{} // not yet bound to an endpoint

	seq       atomic.Uint64
	pingIDGen atomic.Uint64

	opts    Options
	hkeeper *hk.Housekeeper
	hkName  string

	onRecvData      RecvDataCB
	onSendFailed    SendDataFailedCB
	onCustomCommand CustomCommandCB

	closed atomic.Bool
}

// New constructs a Node identified by (id, mask). It does not yet listen
// or connect anywhere; call Listen/Connect/SetParent and then Start.
func New(id ID, mask uint, pid int32, host string, opts Options) *Node {
	opts.setDefaults()
	n := &Node{
		SelfID:     id,
		SelfMask:   mask,
		PID:        pid,
		Host:       host,
		endpoints:  make(map[ID]*Endpoint),
		byRawConn:  make(map[*stream.Conn]*Connection),
		handshakes: make(map[*Connection]struct{}),
		opts:       opts,
		hkeeper:    hk.New(),
	}
	return n
}

func (n *Node) OnRecvData(cb RecvDataCB)             { n.onRecvData = cb }
func (n *Node) OnSendDataFailed(cb SendDataFailedCB)  { n.onSendFailed = cb }
func (n *Node) OnCustomCommand(cb CustomCommandCB)    { n.onCustomCommand = cb }

// Start launches the housekeeping pump (ping sweep, handshake timeouts and
// the periodic sync push to children — spec §4.5 "Liveness"). Parent
// reconnection does not run on this pump: onDisconnect starts a separate
// reconnectParent goroutine. Call once, after Listen/Connect/SetParent
// have been set up.
func (n *Node) Start() {
	n.hkName = "node." + time.Now().String() + hk.NameSuffix
	n.hkeeper.Reg(n.hkName, n.procTick, n.opts.PingInterval)
	go n.hkeeper.Run()
}

// Close tears down every endpoint/connection and stops the housekeeper.
func (n *Node) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	n.hkeeper.Unreg(n.hkName)
	n.hkeeper.Stop()
	n.mu.Lock()
	listeners := append([]*stream.Listener(nil), n.listeners...)
	conns := make([]*Connection, 0, len(n.byRawConn))
	for _, c := range n.byRawConn {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range conns {
		c.Disconnect(cos.NewErr(cos.ErrEOF, "node closing"))
	}
}

// Listen binds a and accepts inbound connections (spec §4.4
// "listen(addr)", §4.5 "Node: init -> listen/connect peers"). It returns
// the listener's bound address, useful when a was configured with an
// ephemeral port (port 0).
func (n *Node) Listen(a addr.Address) (net.Addr, error) {
	l, err := stream.Listen(a, n.opts.Conn, n.onAccept, n.onRecvFrame, n.onDisconnect)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
	return l.Addr(), nil
}

// Connect establishes an outbound connection to a non-parent peer and
// begins registration (spec §4.4 "connect(addr)").
func (n *Node) Connect(a addr.Address) error {
	_, err := n.dialAndRegister(a)
	return err
}

// ConnectAll dials every address concurrently, used when a node is
// configured with several peers to join the tree through at once (spec
// §4.5 "Node: init -> listen/connect peers"). It waits for every dial's
// reg_req to be sent (not for the resulting reg_rsp, which arrives later
// on n.dispatch) and returns the first dial/send error encountered, if
// any, after every goroutine has finished.
func (n *Node) ConnectAll(addrs []addr.Address) error {
	var g errgroup.Group
	for _, a := range addrs {
		a := a
		g.Go(func() error {
			_, err := n.dialAndRegister(a)
			return err
		})
	}
	return g.Wait()
}

// SetParent configures (id, mask) reached at a as this node's parent and
// connects to it. Losing this connection later triggers forever-retry at
// RetryInterval (spec §4.5 "Liveness").
func (n *Node) SetParent(id ID, mask uint, a addr.Address) error {
	n.hasParent, n.parentID, n.parentMask, n.parentAddr = true, id, mask, a
	_, err := n.dialAndRegister(a)
	return err
}

func (n *Node) dialAndRegister(a addr.Address) (*Connection, error) {
	raw, err := stream.Dial(a, n.opts.Conn, n.onRecvFrame, n.onDisconnect)
	if err != nil {
		return nil, err
	}
	c := newConnection(raw, a, true /* control */)
	n.mu.Lock()
	n.byRawConn[raw] = c
	n.handshakes[c] = struct{}{}
	n.mu.Unlock()

	req := &proto.Msg{
		Cmd: proto.CmdNodeRegReq,
		NodeReg: &proto.NodeRegData{
			BusID:         uint64(n.SelfID),
			PID:           n.PID,
			Host:          n.Host,
			Channels:      n.ListenAddrs,
			ChildrenMask:  uint32(n.SelfMask),
			HasGlobalTree: n.HasGlobalTree,
		},
	}
	if err := n.sendMsg(c, req); err != nil {
		c.Disconnect(err)
		return nil, err
	}
	return c, nil
}

func (n *Node) onAccept(raw *stream.Conn) {
	c := newConnection(raw, addr.Address{}, true)
	n.mu.Lock()
	n.byRawConn[raw] = c
	n.handshakes[c] = struct{}{}
	n.mu.Unlock()
}

func (n *Node) onDisconnect(raw *stream.Conn, reason error) {
	n.mu.Lock()
	c, ok := n.byRawConn[raw]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.byRawConn, raw)
	delete(n.handshakes, c)
	var dropEndpoint *Endpoint
	if c.endpoint != nil {
		ep := c.endpoint
		if ep.removeConnection(c) {
			dropEndpoint = ep
			delete(n.endpoints, ep.ID)
		}
	}
	n.mu.Unlock()
	if dropEndpoint != nil {
		nlog.Infof("node %d: endpoint %d reset (%v)", n.SelfID, dropEndpoint.ID, reason)
	}
	if n.hasParent && c.isControl && (dropEndpoint == nil || dropEndpoint.ID == n.parentID) {
		go n.reconnectParent()
	}
}

func (n *Node) reconnectParent() {
	for {
		time.Sleep(n.opts.RetryInterval)
		if n.closed.Load() {
			return
		}
		n.mu.Lock()
		_, already := n.endpoints[n.parentID]
		n.mu.Unlock()
		if already {
			return
		}
		if _, err := n.dialAndRegister(n.parentAddr); err == nil {
			return
		}
	}
}

func (n *Node) onRecvFrame(raw *stream.Conn, payload []byte, err error) {
	n.mu.Lock()
	c, ok := n.byRawConn[raw]
	n.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		return // onDisconnect handles teardown
	}
	m, uerr := proto.Unmarshal(payload)
	if uerr != nil {
		nlog.Warningf("node %d: malformed message from %s: %v", n.SelfID, raw.RemoteAddr(), uerr)
		c.Disconnect(uerr)
		return
	}
	n.dispatch(c, m)
}

func (n *Node) sendMsg(c *Connection, m *proto.Msg) error {
	b, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	return c.Send(b)
}

func (n *Node) nextSeq() uint64 { return n.seq.Add(1) }

// SendData routes payload (tagged msgType) toward target, following spec
// §4.5 "Routing": deliver locally, else forward via a direct endpoint, a
// child subtree, or the parent; failing immediately with ErrNodeInvalidID
// when none applies. seq lets a caller correlate a later SendDataFailedCB
// back to this call.
func (n *Node) SendData(target ID, msgType int32, payload []byte) (seq uint64, err error) {
	seq = n.nextSeq()
	if target == n.SelfID {
		if n.onRecvData != nil {
			n.onRecvData(n.SelfID, msgType, payload)
		}
		return seq, nil
	}
	m := &proto.Msg{
		Cmd:      proto.CmdDataTransformReq,
		Type:     msgType,
		Sequence: seq,
		DataTransform: &proto.DataTransformData{
			From:    uint64(n.SelfID),
			To:      uint64(target),
			Content: payload,
		},
	}
	return seq, n.forward(nil, m)
}

// SendCustomCommand delivers fragments to target via a direct endpoint's
// control connection, falling back to the parent like SendData (spec §4.5
// "Custom commands"). Unlike data_transform, custom commands are not
// forwarded through intermediate subtrees.
func (n *Node) SendCustomCommand(target ID, fragments [][]byte) error {
	n.mu.Lock()
	var c *Connection
	if ep, ok := n.endpoints[target]; ok {
		c = ep.control
	} else if n.hasParent {
		if ep, ok := n.endpoints[n.parentID]; ok {
			c = ep.control
		}
	}
	n.mu.Unlock()
	if c == nil {
		return cos.NewErr(cos.ErrNodeInvalidID, "no route to %d", target)
	}
	m := &proto.Msg{
		Cmd:           proto.CmdCustomCommandReq,
		CustomCommand: &proto.CustomCommandData{From: uint64(n.SelfID), Fragments: fragments},
	}
	return n.sendMsg(c, m)
}

// Endpoint returns the known endpoint for id, if any (for tests and
// introspection; not part of the wire protocol).
func (n *Node) Endpoint(id ID) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	return ep, ok
}

func (n *Node) dispatch(c *Connection, m *proto.Msg) {
	switch m.Cmd {
	case proto.CmdNodeRegReq:
		n.handleRegReq(c, m)
	case proto.CmdNodeRegRsp:
		n.handleRegRsp(c, m)
	case proto.CmdDataTransformReq:
		n.handleDataTransform(c, m)
	case proto.CmdDataTransformRsp:
		n.handleDataTransformFailure(m)
	case proto.CmdCustomCommandReq:
		n.handleCustomCommand(m)
	case proto.CmdNodeSyncReq:
		n.handleSyncReq(c)
	case proto.CmdNodeSyncRsp:
		n.handleSyncRsp(m)
	case proto.CmdNodeConnSyn:
		n.handleConnSyn(m)
	case proto.CmdNodePing:
		n.handlePing(c, m)
	case proto.CmdNodePong:
		n.handlePong(c, m)
	default:
		nlog.Warningf("node %d: unrecognized cmd %d", n.SelfID, m.Cmd)
	}
}
