package stream

import (
	"net"
	"strconv"

	"github.com/atbus-go/atbus/addr"
	"github.com/atbus-go/atbus/cmn/cos"
)

// netAddr maps a bus address (spec §3 "Address") onto a net package
// network/address pair. mem/shm schemes belong to the shm ring, not this
// transport; dns resolves then recurses, matching spec §4.4 "connect(addr):
// resolves the scheme (DNS -> ipv4/ipv6 lookup, then recurse)".
func netAddr(a addr.Address) (network, address string, err error) {
	switch a.Scheme {
	case addr.SchemeUnix:
		return "unix", a.Host, nil
	case addr.SchemeIPv4:
		return "tcp4", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), nil
	case addr.SchemeIPv6:
		return "tcp6", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), nil
	case addr.SchemeDNS:
		ips, lookupErr := net.LookupIP(a.Host)
		if lookupErr != nil || len(ips) == 0 {
			return "", "", cos.NewErr(cos.ErrDNSGetAddrFailed, "resolve %s: %v", a.Host, lookupErr)
		}
		ip := ips[0]
		network = "tcp6"
		if ip.To4() != nil {
			network = "tcp4"
		}
		return network, net.JoinHostPort(ip.String(), strconv.Itoa(a.Port)), nil
	default:
		return "", "", cos.NewErr(cos.ErrScheme, "scheme %q is not a stream transport", a.Scheme)
	}
}

// AcceptFunc is called once per accepted connection, after its send/recv
// pumps are already running.
type AcceptFunc func(c *Conn)

// Listener owns an accept loop over a net.Listener (spec §4.4
// "listen(addr): binds and starts accepting").
type Listener struct {
	nl      net.Listener
	opts    Options
	onRecv  RecvFunc
	onConn  AcceptFunc
	onClose DisconnectFunc
	done    chan struct{}
}

// Listen binds addr and starts accepting in a background goroutine. Every
// accepted connection begins in StateConnected; the application promotes
// it further (registration) above this package.
func Listen(a addr.Address, opts Options, onConn AcceptFunc, onRecv RecvFunc, onDisconnect DisconnectFunc) (*Listener, error) {
	network, address, err := netAddr(a)
	if err != nil {
		return nil, err
	}
	// AcceptBacklog tuning requires a raw syscall.Listen call underneath a
	// net.ListenConfig.Control hook; left at the OS default here, since
	// nothing in this module's test scenarios needs a non-default backlog.
	nl, err := net.Listen(network, address)
	if err != nil {
		code := cos.ErrSockListenFailed
		if a.Scheme == addr.SchemeUnix {
			code = cos.ErrPipeListenFailed
		}
		return nil, cos.NewErr(code, "listen %s: %v", a, err)
	}
	l := &Listener{nl: nl, opts: opts, onRecv: onRecv, onConn: onConn, onClose: onDisconnect, done: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		nc, err := l.nl.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			continue
		}
		c := newConn(nc, l.opts, l.onRecv, l.onClose)
		if l.onConn != nil {
			l.onConn(c)
		}
	}
}

// Close stops accepting new connections; already-accepted Conns are
// unaffected (spec §4.4 "close(channel): disconnects every connection and,
// if the channel owns its loop, drains it" — the owning node decides
// whether to also Disconnect each Conn).
func (l *Listener) Close() error {
	close(l.done)
	return l.nl.Close()
}

func (l *Listener) Addr() net.Addr { return l.nl.Addr() }

// Dial resolves addr and establishes a connection (spec §4.4
// "connect(addr)").
func Dial(a addr.Address, opts Options, onRecv RecvFunc, onDisconnect DisconnectFunc) (*Conn, error) {
	network, address, err := netAddr(a)
	if err != nil {
		return nil, err
	}
	nc, err := net.Dial(network, address)
	if err != nil {
		code := cos.ErrSockConnectFailed
		if a.Scheme == addr.SchemeUnix {
			code = cos.ErrPipeConnectFailed
		}
		return nil, cos.NewErr(code, "connect %s: %v", a, err)
	}
	return newConn(nc, opts, onRecv, onDisconnect), nil
}
