// Package stream is the bus's TCP/unix-socket transport (spec §4.4
// "Stream channel"): each application message is CRC32+varint framed and
// written/read over a plain net.Conn, adapted from the teacher's own
// transport package (its pdu.go/sendmsg.go/api.go), which frames
// similarly (a fixed proto header, then payload) over an http body
// instead of a raw socket.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"encoding/binary"
	"io"

	"github.com/atbus-go/atbus/cmn/cos"
)

// frame on the wire (spec §3 "Frame" / §6 "Wire frame"):
//
//	crc32(payload) (4 bytes) | payload_length (varint) | payload
//
// maxVarintLen is the widest a cos.WriteVint encoding of a uint64 can be.
const maxVarintLen = 10

// MaxFrameSize bounds a single message so a corrupt length prefix can
// never make the reader allocate or loop unboundedly.
const MaxFrameSize = 16 * cos.MiB

// writeFrame encodes payload as one frame onto w.
func writeFrame(w io.Writer, payload []byte) error {
	var cbuf [4]byte
	binary.BigEndian.PutUint32(cbuf[:], cos.CRC32(payload))
	var lbuf [maxVarintLen]byte
	n := cos.WriteVint(uint64(len(payload)), lbuf[:])

	if _, err := w.Write(cbuf[:]); err != nil {
		return cos.NewErr(cos.ErrWriteFailed, "frame crc: %v", err)
	}
	if _, err := w.Write(lbuf[:n]); err != nil {
		return cos.NewErr(cos.ErrWriteFailed, "frame length: %v", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return cos.NewErr(cos.ErrWriteFailed, "frame payload: %v", err)
		}
	}
	return nil
}

// frameReader reassembles frames out of a streaming io.Reader, mirroring
// the read-head's job (spec §4.4 "Receive framing") without the
// event-loop-driven allocation-callback plumbing the original describes:
// this reader just blocks on the underlying net.Conn instead.
type frameReader struct {
	r   io.Reader
	buf []byte // scratch, grown to the largest payload seen so far
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r, buf: make([]byte, 4*cos.KiB)}
}

func (fr *frameReader) readVint() (uint64, error) {
	var vbuf [maxVarintLen]byte
	var one [1]byte
	for i := 0; i < maxVarintLen; i++ {
		if _, err := io.ReadFull(fr.r, one[:]); err != nil {
			return 0, cos.NewErr(cos.ErrReadFailed, "frame length: %v", err)
		}
		vbuf[i] = one[0]
		if one[0]&0x80 == 0 {
			v, n := cos.ReadVint(vbuf[:i+1])
			if n != i+1 {
				return 0, cos.NewErr(cos.ErrBadData, "malformed varint length prefix")
			}
			return v, nil
		}
	}
	return 0, cos.NewErr(cos.ErrBadData, "varint length prefix too long")
}

// next reads one full frame and returns its payload. The returned slice is
// only valid until the next call to next.
func (fr *frameReader) next() ([]byte, error) {
	var cbuf [4]byte
	if _, err := io.ReadFull(fr.r, cbuf[:]); err != nil {
		return nil, cos.NewErr(cos.ErrReadFailed, "frame crc: %v", err)
	}
	want := binary.BigEndian.Uint32(cbuf[:])

	plen, err := fr.readVint()
	if err != nil {
		return nil, err
	}
	if plen > MaxFrameSize {
		return nil, cos.NewErr(cos.ErrInvalidSize, "frame length %d exceeds limit", plen)
	}

	if cap(fr.buf) < int(plen) {
		fr.buf = make([]byte, plen)
	}
	payload := fr.buf[:plen]
	if plen > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, cos.NewErr(cos.ErrReadFailed, "frame payload: %v", err)
		}
	}
	if got := cos.CRC32(payload); got != want {
		return nil, cos.NewErr(cos.ErrBadData, "frame crc mismatch: got %#x want %#x", got, want)
	}
	return payload, nil
}
