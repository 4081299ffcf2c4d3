package buffer_test

import (
	"math/rand"
	"testing"

	"github.com/atbus-go/atbus/buffer"
)

func TestDynamicPushPop(t *testing.T) {
	var m buffer.Manager
	b1, err := m.PushBack(4)
	if err != nil {
		t.Fatal(err)
	}
	copy(b1, "abcd")
	b2, err := m.PushBack(3)
	if err != nil {
		t.Fatal(err)
	}
	copy(b2, "xyz")
	if m.CostNumber() != 2 || m.CostSize() != 7 {
		t.Fatalf("cost = %d/%d, want 2/7", m.CostNumber(), m.CostSize())
	}
	front, _ := m.Front()
	if string(front) != "abcd" {
		t.Fatalf("front = %q", front)
	}
	if err := m.PopFront(4); err != nil {
		t.Fatal(err)
	}
	if m.CostNumber() != 1 {
		t.Fatalf("cost number = %d, want 1 after full pop", m.CostNumber())
	}
	back, _ := m.Back()
	if string(back) != "xyz" {
		t.Fatalf("back = %q", back)
	}
}

func TestDynamicLimit(t *testing.T) {
	var m buffer.Manager
	m.SetLimit(10, 2)
	if _, err := m.PushBack(5); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PushBack(5); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PushBack(1); err == nil {
		t.Fatal("expected limit error on 3rd block")
	}
}

func TestDynamicByteLimit(t *testing.T) {
	var m buffer.Manager
	m.SetLimit(8, 0)
	if _, err := m.PushBack(5); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PushBack(4); err == nil {
		t.Fatal("expected byte limit error")
	}
}

func TestStaticBasic(t *testing.T) {
	var m buffer.Manager
	m.SetMode(64, 4)
	if !m.Empty() {
		t.Fatal("expected empty manager")
	}
	b1, err := m.PushBack(10)
	if err != nil {
		t.Fatal(err)
	}
	copy(b1, "0123456789")
	b2, err := m.PushBack(20)
	if err != nil {
		t.Fatal(err)
	}
	copy(b2, []byte("abcdefghijklmnopqrst"))

	if m.CostSize() != 30 || m.CostNumber() != 2 {
		t.Fatalf("cost = %d/%d, want 30/2", m.CostSize(), m.CostNumber())
	}
	front, _ := m.Front()
	if string(front) != "0123456789" {
		t.Fatalf("front = %q", front)
	}
	if err := m.PopFront(10); err != nil {
		t.Fatal(err)
	}
	if m.CostNumber() != 1 {
		t.Fatalf("cost number = %d, want 1", m.CostNumber())
	}
	back, _ := m.Back()
	if string(back) != "abcdefghijklmnopqrst" {
		t.Fatalf("back = %q", back)
	}
}

func TestStaticResetsToZeroWhenEmpty(t *testing.T) {
	var m buffer.Manager
	m.SetMode(32, 4)
	if _, err := m.PushBack(10); err != nil {
		t.Fatal(err)
	}
	if err := m.PopFront(10); err != nil {
		t.Fatal(err)
	}
	if !m.Empty() {
		t.Fatal("expected empty after pop")
	}
	// a subsequent push should be able to use the full arena again, proving
	// head/tail reset to 0 (P3d) rather than leaking the old offset.
	b, err := m.PushBack(32)
	if err != nil {
		t.Fatalf("push after drain failed: %v", err)
	}
	if len(b) != 32 {
		t.Fatalf("len(b) = %d, want 32", len(b))
	}
}

func TestStaticFillsArenaAfterDrain(t *testing.T) {
	var m buffer.Manager
	m.SetMode(16, 4)
	if _, err := m.PushBack(10); err != nil {
		t.Fatal(err)
	}
	if err := m.PopFront(10); err != nil {
		t.Fatal(err)
	}
	// arena is empty again; head/tail reset to 0 means this should fit
	// without needing to wrap.
	if _, err := m.PushBack(10); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PushBack(6); err != nil {
		t.Fatalf("second push should fill remaining 6 bytes: %v", err)
	}
	if _, err := m.PushBack(1); err == nil {
		t.Fatal("expected arena-full error")
	}
}

func TestStaticBlockCountLimit(t *testing.T) {
	var m buffer.Manager
	m.SetMode(64, 2)
	if _, err := m.PushBack(4); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PushBack(4); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PushBack(4); err == nil {
		t.Fatal("expected block-count limit error")
	}
}

// TestStaticNoOverlap exercises P3: no two live blocks ever overlap in the
// arena. Random pushes/pops run in FIFO order; each pushed block is filled
// with its own marker byte, and after every push every live block must
// still hold only its marker. costSize must never exceed the arena capacity.
func TestStaticNoOverlap(t *testing.T) {
	type live struct {
		b      []byte
		marker byte
	}
	var m buffer.Manager
	const arena = 256
	m.SetMode(arena, 8)
	r := rand.New(rand.NewSource(1))
	var q []live
	for i := 0; i < 2000; i++ {
		if len(q) > 0 && (r.Intn(2) == 0 || m.CostNumber() >= 8) {
			if err := m.PopFront(1 << 20); err == nil {
				q = q[1:]
			}
			continue
		}
		s := 1 + r.Intn(20)
		if b, err := m.PushBack(s); err == nil {
			for j := range b {
				b[j] = byte(i)
			}
			q = append(q, live{b: b, marker: byte(i)})
		}
		for k, l := range q {
			for j, v := range l.b {
				if v != l.marker {
					t.Fatalf("step %d: live block %d byte %d = %#x, want marker %#x (overlap)", i, k, j, v, l.marker)
				}
			}
		}
		if m.CostSize() > arena {
			t.Fatalf("cost size %d exceeds arena capacity %d", m.CostSize(), arena)
		}
	}
}
