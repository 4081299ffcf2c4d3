package stream

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte("ab"), 5000), // forces frameReader's buffer to grow
	}
	var buf bytes.Buffer
	for _, c := range cases {
		if err := writeFrame(&buf, c); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
	}
	fr := newFrameReader(&buf)
	for i, want := range cases {
		got, err := fr.next()
		if err != nil {
			t.Fatalf("frame %d: next: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q want %q", i, got, want)
		}
	}
}

func TestFrameCRCMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[0] ^= 0xff // corrupt the CRC prefix
	fr := newFrameReader(bytes.NewReader(raw))
	if _, err := fr.next(); err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestFrameOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, make([]byte, MaxFrameSize+1)); err != nil {
		t.Fatal(err)
	}
	fr := newFrameReader(&buf)
	if _, err := fr.next(); err == nil {
		t.Fatal("expected oversize error")
	}
}
