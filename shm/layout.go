// Package shm implements the shared-memory multi-producer/single-consumer
// ring channel of spec §3/§4.3: a lock-free ring of fixed-size nodes laid
// out as `channel_head | node_heads[N] | node_data[N]` over a real mmap'd
// region, so that multiple processes attaching the same file see the same
// atomics (ground: `original_source/src/channel_shm.cpp`, and the mmap'd
// seqlock-ring technique used elsewhere in the retrieval pack for shared
// memory IPC).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/atbus-go/atbus/cmn/cos"
)

// Flag bits stamped on a node head (spec §3 "Ring node").
const (
	flagStartNode uint32 = 1 << 0
	flagWritten   uint32 = 1 << 1
)

// headSize is a 96-byte span set aside for channel_head, whose fields
// (offsets below) occupy its first 68 bytes; the region reserves
// cos.PageSize bytes for it so the node-head array starts on a
// page-friendly boundary (spec §4.3 "Layout").
const headSize = 96

// nodeHeadSize is sizeof(flag uint32, operation_seq uint32): 8 bytes,
// 4-byte aligned, which is all sync/atomic's 32-bit ops require.
const nodeHeadSize = 8

// channel_head field offsets, all 4-byte (most 8-byte) aligned so they can
// be addressed directly with sync/atomic.
const (
	offNodeSize             = 0
	offNodeSizeLog2         = 4
	offNodeCount            = 8
	offProtectNodeCount     = 12
	offProtectMemorySize    = 16
	offWriteTimeoutMs       = 24 // int64, 8-aligned
	offWriteCur             = 32
	offReadCur              = 36
	offOperationSeq         = 40
	offFirstFailedWriteTime = 48 // int64, 8-aligned
	offBlockBadCount        = 56
	offBlockTimeoutCount    = 60
	offNodeBadCount         = 64
)

// header is a thin view over the first cos.PageSize bytes of the mapped
// region; every accessor goes straight through sync/atomic against the
// backing []byte so the region needs no in-process mirror (spec §9:
// "tearing is impossible").
type header struct {
	region []byte
}

func (h header) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.region[off]))
}

func (h header) i64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&h.region[off]))
}

func storeU32(p *uint32, v uint32) { atomic.StoreUint32(p, v) }
func storeI64(p *int64, v int64)   { atomic.StoreInt64(p, v) }

func (h header) NodeSize() uint32         { return atomic.LoadUint32(h.u32(offNodeSize)) }
func (h header) NodeCount() uint32        { return atomic.LoadUint32(h.u32(offNodeCount)) }
func (h header) ProtectNodeCount() uint32  { return atomic.LoadUint32(h.u32(offProtectNodeCount)) }
func (h header) ProtectMemorySize() uint32 { return atomic.LoadUint32(h.u32(offProtectMemorySize)) }
func (h header) WriteTimeoutMs() int64     { return atomic.LoadInt64(h.i64(offWriteTimeoutMs)) }

func (h header) WriteCur() uint32     { return atomic.LoadUint32(h.u32(offWriteCur)) }
func (h header) ReadCur() uint32      { return atomic.LoadUint32(h.u32(offReadCur)) }
func (h header) setReadCur(v uint32)  { atomic.StoreUint32(h.u32(offReadCur), v) }
func (h header) casWriteCur(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(h.u32(offWriteCur), old, new)
}

func (h header) nextOperationSeq() uint32 {
	for {
		v := atomic.AddUint32(h.u32(offOperationSeq), 1)
		if v != 0 {
			return v
		}
		// wrapped to exactly 0: spec requires 0 be skipped since it means
		// "never written".
	}
}

func (h header) firstFailedWritingTime() int64 { return atomic.LoadInt64(h.i64(offFirstFailedWriteTime)) }
func (h header) setFirstFailedWritingTime(v int64) {
	atomic.StoreInt64(h.i64(offFirstFailedWriteTime), v)
}

func (h header) incBlockBadCount()     { atomic.AddUint32(h.u32(offBlockBadCount), 1) }
func (h header) incBlockTimeoutCount() { atomic.AddUint32(h.u32(offBlockTimeoutCount), 1) }
func (h header) incNodeBadCount()      { atomic.AddUint32(h.u32(offNodeBadCount), 1) }

func (h header) BlockBadCount() uint32     { return atomic.LoadUint32(h.u32(offBlockBadCount)) }
func (h header) BlockTimeoutCount() uint32 { return atomic.LoadUint32(h.u32(offBlockTimeoutCount)) }
func (h header) NodeBadCount() uint32      { return atomic.LoadUint32(h.u32(offNodeBadCount)) }

// nodeHead views one entry of node_heads[N].
type nodeHead struct {
	p []byte
}

func (h header) nodeHeads() []byte { return h.region[cos.PageSize:] }

func (c *Channel) nodeHeadAt(i uint32) nodeHead {
	off := int(i) * nodeHeadSize
	nh := c.head.nodeHeads()
	return nodeHead{p: nh[off : off+nodeHeadSize]}
}

func (n nodeHead) flagPtr() *uint32 { return (*uint32)(unsafe.Pointer(&n.p[0])) }
func (n nodeHead) seqPtr() *uint32  { return (*uint32)(unsafe.Pointer(&n.p[4])) }

func (n nodeHead) Flag() uint32        { return atomic.LoadUint32(n.flagPtr()) }
func (n nodeHead) setFlag(v uint32)    { atomic.StoreUint32(n.flagPtr(), v) }
func (n nodeHead) orFlag(v uint32) {
	p := n.flagPtr()
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old|v) {
			return
		}
	}
}
func (n nodeHead) OperationSeq() uint32       { return atomic.LoadUint32(n.seqPtr()) }
func (n nodeHead) setOperationSeq(v uint32)   { atomic.StoreUint32(n.seqPtr(), v) }
func (n nodeHead) casOperationSeq(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(n.seqPtr(), old, new)
}
func (n nodeHead) clear() {
	atomic.StoreUint32(n.seqPtr(), 0)
	atomic.StoreUint32(n.flagPtr(), 0)
}

// blockHeader is the {buffer_size, fast_check} pair prefixed to the first
// claimed node's data area (spec §3 "Ring node").
const blockHeaderSize = 8

type blockHeader struct{ p []byte }

func (b blockHeader) bufSizePtr() *uint32   { return (*uint32)(unsafe.Pointer(&b.p[0])) }
func (b blockHeader) fastCheckPtr() *uint32 { return (*uint32)(unsafe.Pointer(&b.p[4])) }

func (b blockHeader) BufferSize() uint32     { return atomic.LoadUint32(b.bufSizePtr()) }
func (b blockHeader) setBufferSize(v uint32) { atomic.StoreUint32(b.bufSizePtr(), v) }
func (b blockHeader) FastCheck() uint32      { return atomic.LoadUint32(b.fastCheckPtr()) }
func (b blockHeader) setFastCheck(v uint32)  { atomic.StoreUint32(b.fastCheckPtr(), v) }
