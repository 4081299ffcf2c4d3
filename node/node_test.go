package node_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/atbus-go/atbus/addr"
	"github.com/atbus-go/atbus/cmn/cos"
	"github.com/atbus-go/atbus/node"
	"github.com/atbus-go/atbus/proto"
	"github.com/atbus-go/atbus/stream"
)

func tcpAddr(t *testing.T, a net.Addr) addr.Address {
	t.Helper()
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		t.Fatalf("not a tcp addr: %v", a)
	}
	return addr.Address{Scheme: addr.SchemeIPv4, Host: "127.0.0.1", Port: tcp.Port}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestNode(t *testing.T, id node.ID, mask uint) *node.Node {
	t.Helper()
	n := node.New(id, mask, int32(1000+id), "localhost", node.Options{
		PingInterval:     50 * time.Millisecond,
		FirstIdleTimeout: time.Second,
		RetryInterval:    30 * time.Millisecond,
	})
	n.Start()
	t.Cleanup(n.Close)
	return n
}

// S1: two nodes register over TCP and can each resolve the other as an
// endpoint once reg_req/reg_rsp completes.
func TestTwoNodeRegistration(t *testing.T) {
	a := newTestNode(t, 0x1000, 8)
	b := newTestNode(t, 0x2000, 8)

	bAddr, err := b.Listen(addr.Address{Scheme: addr.SchemeIPv4, Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := a.Connect(tcpAddr(t, bAddr)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		_, ok := a.Endpoint(0x2000)
		return ok
	})
	waitFor(t, time.Second, func() bool {
		_, ok := b.Endpoint(0x1000)
		return ok
	})
}

// S2: ping/pong round trips and an RTT sample appears on the endpoint.
func TestPingPongSamplesRTT(t *testing.T) {
	a := newTestNode(t, 0x1100, 8)
	b := newTestNode(t, 0x2100, 8)

	bAddr, err := b.Listen(addr.Address{Scheme: addr.SchemeIPv4, Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := a.Connect(tcpAddr(t, bAddr)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		ep, ok := a.Endpoint(0x2100)
		return ok && ep.RTT() > 0
	})
}

// S3: parent-child bidirectional data send.
func TestParentChildSendData(t *testing.T) {
	const (
		parentID node.ID = 0x120000
		parentMask       = 16
		childID  node.ID = 0x120055
		childMask        = 8
	)
	parent := newTestNode(t, parentID, parentMask)
	child := newTestNode(t, childID, childMask)

	pAddr, err := parent.Listen(addr.Address{Scheme: addr.SchemeIPv4, Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := child.SetParent(parentID, parentMask, tcpAddr(t, pAddr)); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := parent.Endpoint(childID)
		return ok
	})
	waitFor(t, time.Second, func() bool {
		_, ok := child.Endpoint(parentID)
		return ok
	})

	var mu sync.Mutex
	var gotAtParent, gotAtChild []byte
	parent.OnRecvData(func(_ node.ID, _ int32, payload []byte) {
		mu.Lock()
		gotAtParent = append([]byte(nil), payload...)
		mu.Unlock()
	})
	child.OnRecvData(func(_ node.ID, _ int32, payload []byte) {
		mu.Lock()
		gotAtChild = append([]byte(nil), payload...)
		mu.Unlock()
	})

	if _, err := child.SendData(parentID, 0, []byte("to-parent")); err != nil {
		t.Fatalf("SendData child->parent: %v", err)
	}
	if _, err := parent.SendData(childID, 0, []byte("to-child")); err != nil {
		t.Fatalf("SendData parent->child: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(gotAtParent) == "to-parent" && string(gotAtChild) == "to-child"
	})
}

// S6: a node sending to itself is delivered locally without touching the
// network.
func TestSelfSend(t *testing.T) {
	a := newTestNode(t, 0x42, 8)
	var got []byte
	a.OnRecvData(func(_ node.ID, _ int32, payload []byte) { got = payload })
	if _, err := a.SendData(0x42, 0, []byte("loopback")); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if string(got) != "loopback" {
		t.Fatalf("got %q, want loopback", got)
	}
}

// Sending to an unreachable id fails immediately with no route.
func TestSendDataNoRoute(t *testing.T) {
	a := newTestNode(t, 0x50, 8)
	if _, err := a.SendData(0x99999, 0, []byte("x")); err == nil {
		t.Fatal("expected an error for an unreachable target")
	}
}

// A rogue peer claiming an already-registered, still-Connected bus_id must
// not be able to replace the real endpoint's control connection (spec §9
// open question: reject overwrite-registrations unless the existing
// endpoint is in Disconnecting state).
func TestRegistrationHijackRejected(t *testing.T) {
	a := newTestNode(t, 0x3000, 8)
	b := newTestNode(t, 0x4000, 8)

	bAddr, err := b.Listen(addr.Address{Scheme: addr.SchemeIPv4, Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := a.Connect(tcpAddr(t, bAddr)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := b.Endpoint(0x3000)
		return ok
	})
	origEp, _ := b.Endpoint(0x3000)
	origPID := origEp.PID

	rsp := make(chan *proto.Msg, 1)
	rogue, err := stream.Dial(tcpAddr(t, bAddr), stream.Options{}, func(_ *stream.Conn, payload []byte, err error) {
		if err != nil {
			return
		}
		if m, decErr := proto.Unmarshal(payload); decErr == nil && m.Cmd == proto.CmdNodeRegRsp {
			rsp <- m
		}
	}, nil)
	if err != nil {
		t.Fatalf("rogue Dial: %v", err)
	}
	defer rogue.Disconnect(nil)

	req := &proto.Msg{
		Cmd: proto.CmdNodeRegReq,
		NodeReg: &proto.NodeRegData{
			BusID:        0x3000, // collides with a's already-registered, Connected bus_id
			ChildrenMask: 8,
			PID:          99999,
			Host:         "rogue-host",
		},
	}
	payload, err := proto.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := rogue.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-rsp:
		if m.Ret != int32(cos.ErrNodeAlreadyReg) {
			t.Fatalf("reg_rsp Ret = %d, want %d (ErrNodeAlreadyReg)", m.Ret, cos.ErrNodeAlreadyReg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rogue reg_req was never answered")
	}

	ep, ok := b.Endpoint(0x3000)
	if !ok || ep.PID != origPID {
		t.Fatalf("endpoint 0x3000 was hijacked: ok=%v pid=%d want=%d", ok, ep.PID, origPID)
	}
}
