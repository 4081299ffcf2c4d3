package stream_test

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atbus-go/atbus/addr"
	"github.com/atbus-go/atbus/stream"
)

func TestTCPSendRecv(t *testing.T) {
	var (
		mu    sync.Mutex
		got   [][]byte
		doneC = make(chan struct{})
		once  sync.Once
	)
	l, err := stream.Listen(addr.Address{Scheme: addr.SchemeIPv4, Host: "127.0.0.1", Port: 0},
		stream.Options{},
		func(c *stream.Conn) {},
		func(c *stream.Conn, payload []byte, err error) {
			if err != nil {
				once.Do(func() { close(doneC) })
				return
			}
			mu.Lock()
			cp := append([]byte(nil), payload...)
			got = append(got, cp)
			mu.Unlock()
			if len(got) == 3 {
				once.Do(func() { close(doneC) })
			}
		},
		func(*stream.Conn, error) {},
	)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	client, err := stream.Dial(addr.Address{Scheme: addr.SchemeIPv4, Host: "127.0.0.1", Port: port},
		stream.Options{}, func(*stream.Conn, []byte, error) {}, func(*stream.Conn, error) {})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Disconnect(nil)

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		if err := client.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	select {
	case <-doneC:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	for i, m := range msgs {
		if string(got[i]) != string(m) {
			t.Fatalf("message %d: got %q want %q", i, got[i], m)
		}
	}
}

func TestUnixSendRecv(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "atbus.sock")
	doneC := make(chan []byte, 1)
	l, err := stream.Listen(addr.Address{Scheme: addr.SchemeUnix, Host: sockPath},
		stream.Options{},
		func(c *stream.Conn) {},
		func(c *stream.Conn, payload []byte, err error) {
			if err == nil {
				doneC <- append([]byte(nil), payload...)
			}
		},
		func(*stream.Conn, error) {},
	)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	client, err := stream.Dial(addr.Address{Scheme: addr.SchemeUnix, Host: sockPath},
		stream.Options{}, func(*stream.Conn, []byte, error) {}, func(*stream.Conn, error) {})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Disconnect(nil)

	if err := client.Send([]byte("unix-hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-doneC:
		if string(got) != "unix-hello" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestSendOversizeRejected(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "atbus2.sock")
	l, err := stream.Listen(addr.Address{Scheme: addr.SchemeUnix, Host: sockPath},
		stream.Options{SendBufLimit: 16}, func(c *stream.Conn) {}, func(*stream.Conn, []byte, error) {}, func(*stream.Conn, error) {})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	client, err := stream.Dial(addr.Address{Scheme: addr.SchemeUnix, Host: sockPath},
		stream.Options{SendBufLimit: 16}, func(*stream.Conn, []byte, error) {}, func(*stream.Conn, error) {})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Disconnect(nil)

	if err := client.Send(make([]byte, 17)); err == nil {
		t.Fatal("expected oversize send to be rejected")
	}
}

func TestDisconnectFiresCallback(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "atbus3.sock")
	disconnected := make(chan struct{})
	l, err := stream.Listen(addr.Address{Scheme: addr.SchemeUnix, Host: sockPath},
		stream.Options{}, func(c *stream.Conn) {}, func(*stream.Conn, []byte, error) {},
		func(c *stream.Conn, reason error) { close(disconnected) })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	client, err := stream.Dial(addr.Address{Scheme: addr.SchemeUnix, Host: sockPath},
		stream.Options{}, func(*stream.Conn, []byte, error) {}, func(*stream.Conn, error) {})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Disconnect(nil)

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
	if client.State() != stream.StateClosed {
		t.Fatalf("got state %v, want closed", client.State())
	}
}
