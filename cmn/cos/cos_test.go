package cos_test

import (
	"math/rand"
	"testing"

	"github.com/atbus-go/atbus/cmn/cos"
)

// P1: for all u in [0, 2^64-1], write_vint(u) then read_vint reproduces u,
// and the length returned equals the bytes consumed.
func TestVarintRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 127, 128, 129, 16383, 16384, 1 << 32, 1<<64 - 1}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		vals = append(vals, r.Uint64())
	}
	buf := make([]byte, cos.MaxVarintLen)
	for _, v := range vals {
		n := cos.WriteVint(v, buf)
		if n == 0 {
			t.Fatalf("write failed for %d", v)
		}
		got, m := cos.ReadVint(buf[:n])
		if m != n {
			t.Fatalf("consumed %d bytes, wrote %d for %d", m, n, v)
		}
		if got != v {
			t.Fatalf("roundtrip mismatch: wrote %d got %d", v, got)
		}
	}
}

func TestWriteVintBufferTooSmall(t *testing.T) {
	buf := make([]byte, 1)
	if n := cos.WriteVint(1<<40, buf); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

// P2: CRC32 matches the standard zlib/IEEE polynomial for a known vector.
func TestCRC32KnownVector(t *testing.T) {
	if got := cos.CRC32([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("CRC32(check) = %#x, want 0xcbf43926", got)
	}
}

func TestFastCheckDeterministic(t *testing.T) {
	b := []byte("the quick brown fox jumps over the lazy dog, nine times over")
	if cos.FastCheck(b) != cos.FastCheck(append([]byte(nil), b...)) {
		t.Fatal("FastCheck not deterministic over identical bytes")
	}
	if cos.FastCheck(b) == cos.FastCheck(append(append([]byte(nil), b...), 'x')) {
		t.Fatal("FastCheck did not change for different input")
	}
}
