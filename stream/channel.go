package stream

import (
	"net"
	"sync"
	"time"

	"github.com/atbus-go/atbus/cmn/atomic"
	"github.com/atbus-go/atbus/cmn/cos"
	"github.com/atbus-go/atbus/cmn/debug"
	"github.com/atbus-go/atbus/cmn/nlog"
)

// State is a connection's lifecycle stage (spec §4.4 "Lifecycle of a
// connection").
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options are the transport options of spec §4.4 "Transport options",
// bit-exact where they affect observable behavior.
type Options struct {
	KeepAlive     time.Duration // 0 disables
	NoDelay       bool
	AcceptBacklog int
	SendBufLimit  int // bytes; 0 = cos.DefaultMsgLimit
	RecvBufLimit  int // bytes; 0 = cos.DefaultMsgLimit
	SendQueueLen  int // messages queued in workCh before Send blocks
}

func (o *Options) setDefaults() {
	if o.SendBufLimit <= 0 {
		o.SendBufLimit = cos.DefaultMsgLimit
	}
	if o.RecvBufLimit <= 0 {
		o.RecvBufLimit = cos.DefaultMsgLimit
	}
	if o.SendQueueLen <= 0 {
		o.SendQueueLen = 64
	}
}

// Stats are the per-connection counters transport/api.go's EndpointStats
// tracks for a stream session, narrowed to what a single Conn owns.
type Stats struct {
	Num  atomic.Int64
	Size atomic.Int64
}

// RecvFunc is invoked once per reassembled frame. A non-nil err means the
// connection is being torn down (read error, CRC mismatch, oversize
// frame); payload is nil in that case.
type RecvFunc func(c *Conn, payload []byte, err error)

// DisconnectFunc fires exactly once, after the connection's buffers are
// drained (spec §4.4 "disconnect(conn)").
type DisconnectFunc func(c *Conn, reason error)

// Conn is one stream connection: a raw net.Conn plus the framed send
// queue and receive loop around it. Grounded on the teacher's
// streamBase/MsgStream pair (transport/sendmsg.go, transport/api.go) —
// same workCh-as-send-queue idiom, generalized from "http body as
// transport" to "plain net.Conn as transport" per spec §4.4.
type Conn struct {
	nc      net.Conn
	opts    Options
	state   atomic.Int32
	workCh  chan []byte
	queued  atomic.Int64 // bytes currently queued in workCh, for SendBufLimit
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	onRecv       RecvFunc
	onDisconnect DisconnectFunc

	Stats Stats

	// ShareAddress / ShareHost are locality flags (spec §4.5 "Locality
	// flags"). This package never sets or reads them; node keeps its own
	// locality flags on node.Connection and leaves these false.
	ShareAddress bool
	ShareHost    bool
}

// newConn wraps an already-established net.Conn and starts its send/recv
// pumps. The connection begins in StateConnected: by the time a caller
// has a *Conn (from Dial or from a listener's accept callback), the
// transport-level handshake is already done; node-level registration
// happens above this package.
func newConn(nc net.Conn, opts Options, onRecv RecvFunc, onDisconnect DisconnectFunc) *Conn {
	opts.setDefaults()
	applyTCPOptions(nc, opts)
	c := &Conn{
		nc:           nc,
		opts:         opts,
		workCh:       make(chan []byte, opts.SendQueueLen),
		stopCh:       make(chan struct{}),
		onRecv:       onRecv,
		onDisconnect: onDisconnect,
	}
	c.state.Store(int32(StateConnected))
	c.wg.Add(2)
	go c.sendLoop()
	go c.recvLoop()
	return c
}

func applyTCPOptions(nc net.Conn, opts Options) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(opts.NoDelay)
	if opts.KeepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(opts.KeepAlive)
	} else {
		_ = tc.SetKeepAlive(false)
	}
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }

// Send enqueues payload for framed transmission (spec §4.4 "Send
// framing"). It returns cos.ErrInvalidSize if payload exceeds
// SendBufLimit, cos.ErrBuffLim if the send queue's outstanding bytes
// would exceed SendBufLimit, and cos.ErrEOF if the connection is no
// longer accepting sends.
func (c *Conn) Send(payload []byte) error {
	if len(payload) > c.opts.SendBufLimit {
		return cos.NewErr(cos.ErrInvalidSize, "payload %d exceeds send limit %d", len(payload), c.opts.SendBufLimit)
	}
	if c.State() != StateConnected {
		return cos.NewErr(cos.ErrEOF, "connection not open")
	}
	if c.queued.Add(int64(len(payload))) > int64(c.opts.SendBufLimit) {
		c.queued.Add(-int64(len(payload)))
		return cos.NewErr(cos.ErrBuffLim, "send queue full")
	}
	select {
	case c.workCh <- payload:
		return nil
	case <-c.stopCh:
		c.queued.Add(-int64(len(payload)))
		return cos.NewErr(cos.ErrEOF, "connection closing")
	}
}

func (c *Conn) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case payload := <-c.workCh:
			c.queued.Add(-int64(len(payload)))
			if err := writeFrame(c.nc, payload); err != nil {
				nlog.Warningf("%s: send failed: %v", c.nc.RemoteAddr(), err)
				c.teardown(err)
				return
			}
			c.Stats.Num.Add(1)
			c.Stats.Size.Add(int64(len(payload)))
		case <-c.stopCh:
			return
		}
	}
}

func (c *Conn) recvLoop() {
	defer c.wg.Done()
	fr := newFrameReader(c.nc)
	for {
		payload, err := fr.next()
		if err == nil && len(payload) > c.opts.RecvBufLimit {
			payload, err = nil, cos.NewErr(cos.ErrInvalidSize, "frame length %d exceeds recv limit %d", len(payload), c.opts.RecvBufLimit)
		}
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			if c.onRecv != nil {
				c.onRecv(c, nil, err)
			}
			c.teardown(err)
			return
		}
		if c.onRecv != nil {
			c.onRecv(c, payload, nil)
		}
	}
}

// Disconnect transitions the connection to Closing and, once its pumps
// have drained, fires the disconnected callback (spec §4.4
// "disconnect(conn)").
func (c *Conn) Disconnect(reason error) { c.teardown(reason) }

// teardown may run on the sendLoop or recvLoop goroutine itself (a write
// or read error calls it inline), so it must not block waiting for those
// same goroutines to exit: the drain-and-callback tail runs on a fresh
// goroutine instead.
func (c *Conn) teardown(reason error) {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) {
		return
	}
	c.stopped.Do(func() { close(c.stopCh) })
	_ = c.nc.Close()
	go func() {
		c.wg.Wait()
		c.state.Store(int32(StateClosed))
		debug.Assert(c.State() == StateClosed)
		if c.onDisconnect != nil {
			c.onDisconnect(c, reason)
		}
	}()
}
