package node

import (
	"time"

	"github.com/atbus-go/atbus/addr"
	"github.com/atbus-go/atbus/cmn/cos"
	"github.com/atbus-go/atbus/cmn/mono"
	"github.com/atbus-go/atbus/cmn/nlog"
	"github.com/atbus-go/atbus/proto"
)

// handleRegReq validates an inbound reg_req against the existing endpoint
// set (spec §4.5 "Registration"): a bus_id equal to this node's own, a
// bus_id whose live control connection is another connection, or a
// subtree intersecting a known endpoint's without a parent/child relation
// is rejected with a negative Ret. Whether the id lies in the space
// reachable from this node is not checked. Otherwise the connection is bound to a
// (possibly newly created) endpoint and a reg_rsp carrying this node's own
// identity is sent back on the same connection.
func (n *Node) handleRegReq(c *Connection, m *proto.Msg) {
	if m.NodeReg == nil {
		c.Disconnect(cos.NewErr(cos.ErrNodeInvalidMsg, "reg_req missing body"))
		return
	}
	remoteID := ID(m.NodeReg.BusID)
	remoteMask := uint(m.NodeReg.ChildrenMask)

	n.mu.Lock()
	code := n.validateReg(c, remoteID, remoteMask)
	if code != cos.Success {
		n.mu.Unlock()
		n.replyRegRsp(c, int32(code))
		c.Disconnect(cos.NewErr(code, "rejected reg_req from %d", remoteID))
		return
	}
	ep, existed := n.endpoints[remoteID]
	if !existed {
		ep = newEndpoint(remoteID, remoteMask, m.NodeReg.PID, m.NodeReg.Host, m.NodeReg.HasGlobalTree)
		n.endpoints[remoteID] = ep
	}
	ep.ChildrenMask = remoteMask
	ep.PID, ep.Host, ep.HasGlobalTree = m.NodeReg.PID, m.NodeReg.Host, m.NodeReg.HasGlobalTree
	ep.ListenAddrs = m.NodeReg.Channels
	c.refineLocality(n.PID, n.Host, m.NodeReg.PID, m.NodeReg.Host)
	if c.isControl {
		ep.setControl(c)
	} else {
		ep.addData(c)
	}
	c.state = ConnConnected
	delete(n.handshakes, c)
	n.mu.Unlock()

	n.replyRegRsp(c, int32(cos.Success))

	if n.hasParent && remoteID == n.parentID {
		go n.requestSync(c)
	}
}

// validateReg must be called with n.mu held. Per spec §9's open question on
// overwrite-registrations, a control reg_req naming an already-registered
// bus_id is only honored if the existing control connection is the same
// connection or has already moved to Disconnecting; otherwise a peer could
// silently hijack another endpoint's live control connection.
func (n *Node) validateReg(c *Connection, remoteID ID, remoteMask uint) cos.Code {
	if remoteID == n.SelfID {
		return cos.ErrNodeInvalidID
	}
	for id, ep := range n.endpoints {
		if id == remoteID {
			if c.isControl && ep.control != nil && ep.control != c && ep.control.state != ConnDisconnecting {
				return cos.ErrNodeAlreadyReg
			}
			continue // re-registration is allowed once the prior control connection is gone or disconnecting
		}
		related := n.SelfID.IsChild(n.SelfMask, remoteID, remoteMask) ||
			n.SelfID.IsParent(n.SelfMask, remoteID, remoteMask) ||
			id.IsChild(ep.ChildrenMask, remoteID, remoteMask) ||
			id.IsParent(ep.ChildrenMask, remoteID, remoteMask)
		if related {
			continue
		}
		loA, hiA := ChildrenRange(remoteID, remoteMask)
		loB, hiB := ChildrenRange(id, ep.ChildrenMask)
		if loA <= hiB && loB <= hiA {
			return cos.ErrNodeInvalidID
		}
	}
	return cos.Success
}

func (n *Node) replyRegRsp(c *Connection, ret int32) {
	rsp := &proto.Msg{
		Cmd: proto.CmdNodeRegRsp,
		Ret: ret,
		NodeReg: &proto.NodeRegData{
			BusID:         uint64(n.SelfID),
			PID:           n.PID,
			Host:          n.Host,
			Channels:      n.ListenAddrs,
			ChildrenMask:  uint32(n.SelfMask),
			HasGlobalTree: n.HasGlobalTree,
		},
	}
	if err := n.sendMsg(c, rsp); err != nil {
		nlog.Warningf("node %d: reg_rsp send failed: %v", n.SelfID, err)
	}
}

// handleRegRsp completes the connecting side of registration (spec §4.5).
func (n *Node) handleRegRsp(c *Connection, m *proto.Msg) {
	if m.Ret != int32(cos.Success) {
		nlog.Warningf("node %d: registration rejected: ret=%d", n.SelfID, m.Ret)
		c.Disconnect(cos.NewErr(cos.Code(m.Ret), "registration rejected"))
		return
	}
	if m.NodeReg == nil {
		c.Disconnect(cos.NewErr(cos.ErrNodeInvalidMsg, "reg_rsp missing body"))
		return
	}
	remoteID := ID(m.NodeReg.BusID)
	remoteMask := uint(m.NodeReg.ChildrenMask)

	n.mu.Lock()
	ep, existed := n.endpoints[remoteID]
	if existed && c.isControl && ep.control != nil && ep.control != c && ep.control.state != ConnDisconnecting {
		n.mu.Unlock()
		c.Disconnect(cos.NewErr(cos.ErrNodeAlreadyReg, "reg_rsp from %d would hijack a live control connection", remoteID))
		return
	}
	if !existed {
		ep = newEndpoint(remoteID, remoteMask, m.NodeReg.PID, m.NodeReg.Host, m.NodeReg.HasGlobalTree)
		n.endpoints[remoteID] = ep
	}
	ep.ChildrenMask = remoteMask
	ep.ListenAddrs = m.NodeReg.Channels
	c.refineLocality(n.PID, n.Host, m.NodeReg.PID, m.NodeReg.Host)
	if c.isControl {
		ep.setControl(c)
	} else {
		ep.addData(c)
	}
	c.state = ConnConnected
	delete(n.handshakes, c)
	n.mu.Unlock()

	if n.hasParent && remoteID == n.parentID {
		go n.requestSync(c)
	}
}

// handlePing replies to a liveness ping immediately (spec §4.5 "Liveness").
func (n *Node) handlePing(c *Connection, m *proto.Msg) {
	if m.NodePing == nil {
		return
	}
	pong := &proto.Msg{
		Cmd:      proto.CmdNodePong,
		NodePing: &proto.NodePingData{PingID: m.NodePing.PingID, TimePointMs: m.NodePing.TimePointMs},
	}
	if err := n.sendMsg(c, pong); err != nil {
		nlog.Warningf("node %d: pong send failed: %v", n.SelfID, err)
	}
}

// handlePong samples RTT against the outstanding ping recorded on the
// owning endpoint (spec §4.5 "Liveness").
func (n *Node) handlePong(c *Connection, m *proto.Msg) {
	if m.NodePing == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := c.endpoint
	if ep == nil || ep.outstandingPingID != m.NodePing.PingID {
		return
	}
	ep.rtt = time.Duration(mono.NanoTime() - ep.pingSentAt)
	ep.outstandingPingID = 0
}

// handleDataTransform implements spec §4.5 "Routing": deliver locally when
// addressed to self, otherwise forward toward a direct endpoint, a child
// subtree, or the parent, failing with INVALID_ID if none applies.
func (n *Node) handleDataTransform(c *Connection, m *proto.Msg) {
	if m.DataTransform == nil {
		return
	}
	d := m.DataTransform
	target := ID(d.To)

	if target == n.SelfID {
		if n.onRecvData != nil {
			n.onRecvData(ID(d.From), m.Type, d.Content)
		}
		return
	}

	if err := n.forward(c, m); err != nil {
		ce, _ := err.(*cos.Err)
		code := cos.ErrNodeInvalidID
		if ce != nil {
			code = ce.Code
		}
		n.replyDataTransformFailure(c, m, code)
	}
}

// forward routes m toward target, mutating its Router trail. Returns a
// *cos.Err(ErrNodeInvalidID) when no route applies.
func (n *Node) forward(origin *Connection, m *proto.Msg) error {
	d := m.DataTransform
	target := ID(d.To)

	n.mu.Lock()
	var next *Connection
	var viaChild bool
	if ep, ok := n.endpoints[target]; ok {
		next = ep.selectDataConn(n.PID, n.Host)
		if fromEp, fromOK := n.endpoints[ID(d.From)]; fromOK {
			viaChild = n.SelfID.IsChild(n.SelfMask, target, ep.ChildrenMask) &&
				n.SelfID.IsChild(n.SelfMask, fromEp.ID, fromEp.ChildrenMask)
		}
	} else {
		for id, ep := range n.endpoints {
			if Contains(id, ep.ChildrenMask, target) {
				next = ep.selectDataConn(n.PID, n.Host)
				viaChild = true
				break
			}
		}
	}
	if next == nil && n.hasParent {
		if ep, ok := n.endpoints[n.parentID]; ok {
			next = ep.control
		}
	}
	n.mu.Unlock()

	if next == nil {
		return cos.NewErr(cos.ErrNodeInvalidID, "no route to %d", target)
	}

	d.Router = append(d.Router, uint64(n.SelfID))
	if err := n.sendMsg(next, m); err != nil {
		return err
	}

	if viaChild && origin != nil {
		n.maybeSuggestDirectLink(ID(d.From), target)
	}
	return nil
}

func (n *Node) replyDataTransformFailure(c *Connection, m *proto.Msg, code cos.Code) {
	rsp := &proto.Msg{
		Cmd:           proto.CmdDataTransformRsp,
		Ret:           int32(code),
		Sequence:      m.Sequence,
		DataTransform: &proto.DataTransformData{From: m.DataTransform.To, To: m.DataTransform.From},
	}
	if err := n.sendMsg(c, rsp); err != nil {
		nlog.Warningf("node %d: data_transform_rsp send failed: %v", n.SelfID, err)
	}
}

// handleDataTransformFailure delivers a forwarding failure back to the
// local caller that originated SendData, correlated by sequence number
// (SPEC_FULL.md §9 supplemented feature 2). rsp.To carries the node that
// should receive this notice next; when that isn't self, the rsp is
// relayed another hop toward it exactly like a forward request, so a
// failure detected several hops from the origin still arrives there.
func (n *Node) handleDataTransformFailure(m *proto.Msg) {
	if m.DataTransform == nil {
		return
	}
	if ID(m.DataTransform.To) != n.SelfID {
		_ = n.forward(nil, m)
		return
	}
	if n.onSendFailed != nil {
		n.onSendFailed(m.Sequence, ID(m.DataTransform.From), m.Type, nil, cos.Code(m.Ret))
	}
}

// maybeSuggestDirectLink implements the opportunistic direct-link feature
// of spec §4.5: when this node mediates a message between two endpoints
// neither of which is itself, it is the common ancestor of a sibling-to-
// sibling (or deeper cross-subtree) exchange and may suggest the sender
// dial the receiver directly. Best-effort: failures are not retried.
func (n *Node) maybeSuggestDirectLink(from, to ID) {
	if from == n.SelfID || to == n.SelfID {
		return
	}
	n.mu.Lock()
	fromEp, fromOK := n.endpoints[from]
	toEp, toOK := n.endpoints[to]
	n.mu.Unlock()
	if !fromOK || !toOK || len(toEp.ListenAddrs) == 0 || fromEp.control == nil {
		return
	}
	syn := &proto.Msg{
		Cmd:         proto.CmdNodeConnSyn,
		NodeConnSyn: &proto.NodeConnSynData{Address: toEp.ListenAddrs[0]},
	}
	if err := n.sendMsg(fromEp.control, syn); err != nil {
		nlog.Warningf("node %d: conn_syn send failed: %v", n.SelfID, err)
	}
}

// handleConnSyn attempts the suggested direct connection (spec §4.5).
// Best-effort: a failed dial is logged and dropped, never retried.
func (n *Node) handleConnSyn(m *proto.Msg) {
	if m.NodeConnSyn == nil {
		return
	}
	a, err := addr.Parse(m.NodeConnSyn.Address)
	if err != nil {
		nlog.Warningf("node %d: conn_syn carried unparseable address %q", n.SelfID, m.NodeConnSyn.Address)
		return
	}
	if _, err := n.dialAndRegister(a); err != nil {
		nlog.Warningf("node %d: opportunistic direct connect to %s failed: %v", n.SelfID, a.Raw, err)
	}
}

// handleCustomCommand delivers fragments to the registered callback (spec
// §4.5 "Custom commands").
func (n *Node) handleCustomCommand(m *proto.Msg) {
	if m.CustomCommand == nil || n.onCustomCommand == nil {
		return
	}
	n.onCustomCommand(ID(m.CustomCommand.From), m.CustomCommand.Fragments)
}

// requestSync sends node_sync_req to the parent once registration with it
// completes (SPEC_FULL.md §9 supplemented feature 1).
func (n *Node) requestSync(c *Connection) {
	req := &proto.Msg{Cmd: proto.CmdNodeSyncReq}
	if err := n.sendMsg(c, req); err != nil {
		nlog.Warningf("node %d: node_sync_req send failed: %v", n.SelfID, err)
	}
}

// handleSyncReq replies with a snapshot of every endpoint this node knows
// about (SPEC_FULL.md §9 supplemented feature 1).
func (n *Node) handleSyncReq(c *Connection) {
	n.mu.Lock()
	snaps := make([]proto.NodeSnapshot, 0, len(n.endpoints)+1)
	snaps = append(snaps, proto.NodeSnapshot{BusID: uint64(n.SelfID), ChildrenMask: uint32(n.SelfMask)})
	for id, ep := range n.endpoints {
		var parentID uint64
		if n.hasParent {
			parentID = uint64(n.parentID)
		}
		snaps = append(snaps, proto.NodeSnapshot{BusID: uint64(id), ChildrenMask: uint32(ep.ChildrenMask), ParentID: parentID})
	}
	n.mu.Unlock()

	rsp := &proto.Msg{Cmd: proto.CmdNodeSyncRsp, NodeSync: &proto.NodeSyncData{Nodes: snaps}}
	if err := n.sendMsg(c, rsp); err != nil {
		nlog.Warningf("node %d: node_sync_rsp send failed: %v", n.SelfID, err)
	}
}

// handleSyncRsp records the parent's tree snapshot; entries for unknown
// bus ids are recorded as endpoints with no connection yet (routable once
// traffic or a future conn_syn establishes one) (SPEC_FULL.md §9).
func (n *Node) handleSyncRsp(m *proto.Msg) {
	if m.NodeSync == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, snap := range m.NodeSync.Nodes {
		id := ID(snap.BusID)
		if id == n.SelfID {
			continue
		}
		if _, ok := n.endpoints[id]; ok {
			continue
		}
		n.endpoints[id] = newEndpoint(id, uint(snap.ChildrenMask), 0, "", false)
	}
}

// pushSyncToChildren periodically re-pushes this node's view of the tree to
// every directly-connected child (SPEC_FULL.md §9 supplemented feature 1).
func (n *Node) pushSyncToChildren() {
	n.mu.Lock()
	children := make([]*Connection, 0)
	snaps := make([]proto.NodeSnapshot, 0, len(n.endpoints)+1)
	snaps = append(snaps, proto.NodeSnapshot{BusID: uint64(n.SelfID), ChildrenMask: uint32(n.SelfMask)})
	for id, ep := range n.endpoints {
		snaps = append(snaps, proto.NodeSnapshot{BusID: uint64(id), ChildrenMask: uint32(ep.ChildrenMask)})
		if n.SelfID.IsChild(n.SelfMask, id, ep.ChildrenMask) && ep.control != nil {
			children = append(children, ep.control)
		}
	}
	n.mu.Unlock()

	msg := &proto.Msg{Cmd: proto.CmdNodeSyncRsp, NodeSync: &proto.NodeSyncData{Nodes: snaps}}
	for _, c := range children {
		if err := n.sendMsg(c, msg); err != nil {
			nlog.Warningf("node %d: sync push failed: %v", n.SelfID, err)
		}
	}
}

// procTick is the housekeeping pump: ping sweep, Handshaking timeouts, and
// (implicitly, via onDisconnect) parent reconnection (spec §4.5 "Liveness").
func (n *Node) procTick() time.Duration {
	now := time.Now()

	n.mu.Lock()
	var toPing []*Connection
	var toDrop []*Connection
	for c := range n.handshakes {
		if now.Sub(c.handshakeAt) > n.opts.FirstIdleTimeout {
			toDrop = append(toDrop, c)
		}
	}
	for _, ep := range n.endpoints {
		if ep.control == nil || ep.outstandingPingID != 0 {
			continue
		}
		toPing = append(toPing, ep.control)
	}
	n.mu.Unlock()

	for _, c := range toDrop {
		c.Disconnect(cos.NewErr(cos.ErrNodeTimeout, "handshake timed out"))
	}
	for _, c := range toPing {
		n.sendPing(c)
	}
	n.pushSyncToChildren()

	return n.opts.PingInterval
}

func (n *Node) sendPing(c *Connection) {
	id := n.pingIDGen.Add(1)
	n.mu.Lock()
	ep := c.endpoint
	if ep != nil {
		ep.outstandingPingID = id
		ep.pingSentAt = mono.NanoTime()
	}
	n.mu.Unlock()

	ping := &proto.Msg{
		Cmd:      proto.CmdNodePing,
		NodePing: &proto.NodePingData{PingID: id, TimePointMs: time.Now().UnixMilli()},
	}
	if err := n.sendMsg(c, ping); err != nil {
		nlog.Warningf("node %d: ping send failed: %v", n.SelfID, err)
	}
}
