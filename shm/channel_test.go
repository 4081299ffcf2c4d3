package shm_test

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atbus-go/atbus/cmn/cos"
	"github.com/atbus-go/atbus/shm"
)

func openPair(t *testing.T, regionSize int, nodeSize uint32) (*shm.Channel, *shm.Channel) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring")
	prod, err := shm.Create(path, regionSize, shm.Options{NodeSize: nodeSize, WriteTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cons, err := shm.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return prod, cons
}

func recvUntil(t *testing.T, c *shm.Channel, buf []byte, deadline time.Time) (int, error) {
	t.Helper()
	for {
		n, err := c.Recv(buf)
		if err == nil {
			return n, nil
		}
		if !cos.IsErrCode(err, cos.ErrNoData) {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, err
		}
	}
}

// TestSISOOrderedDelivery is property P4: a single producer / single
// consumer pair delivers every message, in order, byte-exact.
func TestSISOOrderedDelivery(t *testing.T) {
	prod, cons := openPair(t, 64*1024, 128)
	defer prod.Close()
	defer cons.Close()

	const n = 20000
	buf := make([]byte, 256)
	deadline := time.Now().Add(10 * time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			msg := make([]byte, 8+i%40)
			binary.BigEndian.PutUint64(msg, uint64(i))
			for {
				if err := prod.Send(msg); err == nil {
					break
				}
				time.Sleep(time.Microsecond)
			}
		}
	}()

	for i := 0; i < n; i++ {
		ln, err := recvUntil(t, cons, buf, deadline)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		got := binary.BigEndian.Uint64(buf[:8])
		if got != uint64(i) {
			t.Fatalf("message %d out of order: got seq %d", i, got)
		}
		if ln != 8+i%40 {
			t.Fatalf("message %d: len = %d, want %d", i, ln, 8+i%40)
		}
	}
	<-done
}

// TestMISOAllDelivered is property P5: W concurrent producers tagging their
// own sequence all land exactly once at the single consumer, none lost or
// duplicated, none corrupted.
func TestMISOAllDelivered(t *testing.T) {
	prod, cons := openPair(t, 256*1024, 128)
	defer prod.Close()
	defer cons.Close()

	const writers = 8
	const perWriter = 2000
	deadline := time.Now().Add(20 * time.Second)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := make([]byte, 12)
				binary.BigEndian.PutUint32(msg, uint32(w))
				binary.BigEndian.PutUint64(msg[4:], uint64(i))
				for {
					if err := prod.Send(msg); err == nil {
						break
					}
					time.Sleep(time.Microsecond)
				}
			}
		}(w)
	}

	seen := make(map[int]int, writers)
	buf := make([]byte, 32)
	total := writers * perWriter
	for i := 0; i < total; i++ {
		ln, err := recvUntil(t, cons, buf, deadline)
		if err != nil {
			t.Fatalf("recv %d/%d: %v", i, total, err)
		}
		if ln != 12 {
			t.Fatalf("unexpected length %d", ln)
		}
		w := int(binary.BigEndian.Uint32(buf[:4]))
		seq := int(binary.BigEndian.Uint64(buf[4:12]))
		if seq != seen[w] {
			t.Fatalf("writer %d: got seq %d, want %d (per-writer order must hold)", w, seq, seen[w])
		}
		seen[w]++
	}
	wg.Wait()
	for w := 0; w < writers; w++ {
		if seen[w] != perWriter {
			t.Fatalf("writer %d: received %d messages, want %d", w, seen[w], perWriter)
		}
	}
}

func TestSmallMessageRoundTrip(t *testing.T) {
	prod, cons := openPair(t, 16*1024, 128)
	defer prod.Close()
	defer cons.Close()

	if err := prod.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 32)
	n, err := cons.Recv(buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

// TestMultiNodeSpanningMessage exercises a payload larger than one node's
// data capacity, forcing Send/Recv to walk across several consecutive nodes
// (from node 0 of a fresh ring, so the ring's end is not crossed).
func TestMultiNodeSpanningMessage(t *testing.T) {
	prod, cons := openPair(t, 16*1024, 128)
	defer prod.Close()
	defer cons.Close()

	msg := make([]byte, 500)
	for i := range msg {
		msg[i] = byte(i)
	}
	if err := prod.Send(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1024)
	n, err := cons.Recv(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msg) {
		t.Fatalf("len = %d, want %d", n, len(msg))
	}
	for i := range msg {
		if buf[i] != msg[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, buf[i], msg[i])
		}
	}
}

func TestMessageTooBigForRing(t *testing.T) {
	prod, cons := openPair(t, 8*1024, 128)
	defer prod.Close()
	defer cons.Close()

	huge := make([]byte, 64*1024)
	if err := prod.Send(huge); err == nil {
		t.Fatal("expected error for oversized message")
	}
}
