package shm

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atbus-go/atbus/cmn/cos"
)

// Channel is one shared-memory ring: multiple producers (tolerated via
// conflict detection, spec §4.3) may call Send concurrently; Recv is
// single-consumer, matching the rest of the bus's "owned by exactly one
// node" ownership model (spec §5).
type Channel struct {
	f      *os.File
	region []byte
	head   header

	nodeSize  uint32
	nodeCount uint32
	dataOff   int
}

// Options bundles the channel-head configuration fields spec §3 lists
// ("configuration (protect_node_count, protect_memory_size,
// write_timeout)").
type Options struct {
	NodeSize          uint32
	ProtectNodeCount  uint32
	ProtectMemorySize uint32
	WriteTimeout      time.Duration
}

func regionLayout(regionSize int, nodeSize uint32) (n uint32, dataOff int, err error) {
	available := regionSize - cos.PageSize
	perNode := int(nodeSize) + nodeHeadSize
	if available <= 0 || perNode <= 0 {
		return 0, 0, cos.NewErr(cos.ErrChannelSizeTooSmall, "region %d too small for node size %d", regionSize, nodeSize)
	}
	count := available / perNode
	// keep at least a handful of nodes so the "one gap" full/empty
	// disambiguation (spec §4.3 invariant) has room to matter.
	if count < 4 {
		return 0, 0, cos.NewErr(cos.ErrChannelSizeTooSmall, "region %d yields only %d nodes", regionSize, count)
	}
	return uint32(count), cos.PageSize + int(count)*nodeHeadSize, nil
}

// Create creates (truncating if it exists) a file-backed shared-memory
// region at path and maps it, initializing a fresh channel head.
func Create(path string, regionSize int, opts Options) (*Channel, error) {
	if opts.NodeSize == 0 {
		opts.NodeSize = cos.DefaultRingNodeSize
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if !cos.IsPowerOfTwo(int(opts.NodeSize)) || opts.NodeSize <= blockHeaderSize {
		return nil, cos.NewErr(cos.ErrParams, "node size %d must be a power of two greater than %d", opts.NodeSize, blockHeaderSize)
	}
	n, dataOff, err := regionLayout(regionSize, opts.NodeSize)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, cos.NewErr(cos.ErrShmGetFailed, "%v", err)
	}
	if err := f.Truncate(int64(regionSize)); err != nil {
		f.Close()
		return nil, cos.NewErr(cos.ErrShmGetFailed, "%v", err)
	}
	region, err := unix.Mmap(int(f.Fd()), 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, cos.NewErr(cos.ErrShmGetFailed, "%v", err)
	}

	c := &Channel{f: f, region: region, head: header{region: region}, nodeSize: opts.NodeSize, nodeCount: n, dataOff: dataOff}
	c.initHead(opts)
	return c, nil
}

func (c *Channel) initHead(opts Options) {
	h := c.head
	storeU32(h.u32(offNodeSize), c.nodeSize)
	storeU32(h.u32(offNodeSizeLog2), uint32(log2(c.nodeSize)))
	storeU32(h.u32(offNodeCount), c.nodeCount)
	storeU32(h.u32(offProtectNodeCount), opts.ProtectNodeCount)
	storeU32(h.u32(offProtectMemorySize), opts.ProtectMemorySize)
	storeI64(h.i64(offWriteTimeoutMs), opts.WriteTimeout.Milliseconds())
	storeU32(h.u32(offWriteCur), 0)
	storeU32(h.u32(offReadCur), 0)
	storeU32(h.u32(offOperationSeq), 0)
	storeI64(h.i64(offFirstFailedWriteTime), 0)
	storeU32(h.u32(offBlockBadCount), 0)
	storeU32(h.u32(offBlockTimeoutCount), 0)
	storeU32(h.u32(offNodeBadCount), 0)
}

// Open attaches to an existing channel, reading its layout from the
// already-initialized head.
func Open(path string) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, cos.NewErr(cos.ErrShmNotFound, "%v", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cos.NewErr(cos.ErrShmNotFound, "%v", err)
	}
	region, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, cos.NewErr(cos.ErrShmGetFailed, "%v", err)
	}
	h := header{region: region}
	nodeSize := h.NodeSize()
	n := h.NodeCount()
	dataOff := cos.PageSize + int(n)*nodeHeadSize
	return &Channel{f: f, region: region, head: h, nodeSize: nodeSize, nodeCount: n, dataOff: dataOff}, nil
}

func (c *Channel) Close() error {
	if err := unix.Munmap(c.region); err != nil {
		return err
	}
	return c.f.Close()
}

func (c *Channel) NodeSize() uint32  { return c.nodeSize }
func (c *Channel) NodeCount() uint32 { return c.nodeCount }

func (c *Channel) nodeDataAt(i uint32) []byte {
	off := c.dataOff + int(i)*int(c.nodeSize)
	return c.region[off : off+int(c.nodeSize)]
}

// Send implements the producer protocol of spec §4.3, steps 1-8.
func (c *Channel) Send(payload []byte) error {
	needed := cos.DivCeil(blockHeaderSize+len(payload), int(c.nodeSize))
	if needed <= 0 {
		needed = 1
	}
	if uint32(needed) > c.nodeCount-c.head.ProtectNodeCount() {
		return cos.NewErr(cos.ErrBuffLim, "message needs %d nodes, ring has %d", needed, c.nodeCount)
	}

	seq := c.head.nextOperationSeq()

	start, ok := c.claim(uint32(needed))
	if !ok {
		return cos.NewErr(cos.ErrBuffLim, "ring full")
	}

	// step 4: zero block header ahead of the write.
	bh := blockHeader{p: c.nodeDataAt(start)[:blockHeaderSize]}
	bh.setBufferSize(0)
	bh.setFastCheck(0)

	// step 5: stamp each claimed node's operation_seq, detecting a writer
	// conflict on the way.
	for i := uint32(0); i < uint32(needed); i++ {
		idx := (start + i) % c.nodeCount
		nh := c.nodeHeadAt(idx)
		if !nh.casOperationSeq(0, seq) {
			nh.orFlag(flagWritten)
			return cos.NewErr(cos.ErrBadBlockSeqID, "node %d already claimed", idx)
		}
		if i == 0 {
			nh.setFlag(flagStartNode)
		} else {
			nh.setFlag(0)
		}
	}

	// step 6: copy payload, wrapping past the ring's end.
	c.writePayload(start, payload)

	// step 7: commit buffer_size/fast_check, then flip WRITTEN.
	bh.setBufferSize(uint32(len(payload)))
	bh.setFastCheck(cos.FastCheck(payload))
	startHead := c.nodeHeadAt(start)
	startHead.orFlag(flagWritten)

	// step 8: re-check for a race that slipped in after step 5.
	if startHead.OperationSeq() != seq {
		return cos.NewErr(cos.ErrBadBlockSeqID, "write-sequence conflict on node %d", start)
	}
	return nil
}

// claim runs the CAS loop of spec §4.3 step 3.
func (c *Channel) claim(nodeCount uint32) (start uint32, ok bool) {
	for {
		readCur := c.head.ReadCur()
		writeCur := c.head.WriteCur()
		avail := (readCur + c.nodeCount - writeCur - 1) % c.nodeCount
		if avail < c.head.ProtectNodeCount()+nodeCount {
			return 0, false
		}
		newWriteCur := (writeCur + nodeCount) % c.nodeCount
		if c.head.casWriteCur(writeCur, newWriteCur) {
			return writeCur, true
		}
	}
}

func (c *Channel) writePayload(startIdx uint32, payload []byte) {
	nd0 := c.nodeDataAt(startIdx)
	n := copy(nd0[blockHeaderSize:], payload)
	rem := payload[n:]
	idx := (startIdx + 1) % c.nodeCount
	for len(rem) > 0 {
		nd := c.nodeDataAt(idx)
		w := copy(nd, rem)
		rem = rem[w:]
		idx = (idx + 1) % c.nodeCount
	}
}

func (c *Channel) readPayload(startIdx uint32, totalLen int) []byte {
	out := make([]byte, totalLen)
	nd0 := c.nodeDataAt(startIdx)
	n := copy(out, nd0[blockHeaderSize:])
	idx := (startIdx + 1) % c.nodeCount
	for n < totalLen {
		nd := c.nodeDataAt(idx)
		n += copy(out[n:], nd)
		idx = (idx + 1) % c.nodeCount
	}
	return out
}

// Recv implements the consumer protocol of spec §4.3. It is not safe for
// concurrent callers (single-consumer, spec §5).
func (c *Channel) Recv(buf []byte) (int, error) {
	for {
		writeCur := c.head.WriteCur()
		readCur := c.head.ReadCur()
		if readCur == writeCur {
			return 0, cos.ErrNoData
		}

		idx := readCur
		nh := c.nodeHeadAt(idx)
		flag := nh.Flag()

		if flag&flagStartNode == 0 {
			c.head.setReadCur((idx + 1) % c.nodeCount)
			c.head.incNodeBadCount()
			continue
		}
		if flag&flagWritten == 0 {
			fft := c.head.firstFailedWritingTime()
			now := time.Now().UnixMilli()
			if fft == 0 {
				c.head.setFirstFailedWritingTime(now)
				return 0, cos.ErrNoData
			}
			if now-fft > c.head.WriteTimeoutMs() {
				c.head.setReadCur((idx + 1) % c.nodeCount)
				c.head.incBlockBadCount()
				c.head.incBlockTimeoutCount()
				c.head.setFirstFailedWritingTime(0)
				continue
			}
			return 0, cos.ErrNoData
		}

		bh := blockHeader{p: c.nodeDataAt(idx)[:blockHeaderSize]}
		bufSize := bh.BufferSize()
		maxPayload := uint32(c.nodeCount)*c.nodeSize - c.head.ProtectMemorySize()
		if bufSize == 0 || bufSize > maxPayload {
			c.head.setReadCur((idx + 1) % c.nodeCount)
			c.head.incBlockBadCount()
			continue
		}
		if int(bufSize) > len(buf) {
			return int(bufSize), cos.NewErr(cos.ErrBuffLim, "caller buffer too small: need %d", bufSize)
		}

		expected := cos.DivCeil(blockHeaderSize+int(bufSize), int(c.nodeSize))
		seq := nh.OperationSeq()
		count := 0
		walk := idx
		for walk != writeCur {
			wn := c.nodeHeadAt(walk)
			if wn.OperationSeq() != seq {
				break
			}
			wn.clear()
			count++
			walk = (walk + 1) % c.nodeCount
		}
		if count != expected {
			c.head.setReadCur((idx + 1) % c.nodeCount)
			c.head.incBlockBadCount()
			continue
		}

		payload := c.readPayload(idx, int(bufSize))
		if cos.FastCheck(payload) != bh.FastCheck() {
			c.head.setReadCur(walk)
			c.head.incBlockBadCount()
			continue
		}

		c.head.setFirstFailedWritingTime(0)
		c.head.setReadCur(walk)
		return copy(buf, payload), nil
	}
}

func log2(n uint32) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
