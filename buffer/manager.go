package buffer

import (
	"container/list"

	"github.com/atbus-go/atbus/cmn/cos"
)

// Manager is the buffer manager of spec §4.2: a double-ended queue of
// blocks running in one of two modes.
//
//   - dynamic (the default): every push heap-allocates one Block; pushes
//     and pops form a doubly-linked sequence.
//   - static: a single arena []byte managed as a circular region, with a
//     parallel ring of block descriptors. Placement is first-fit against
//     the arena's current live span (see placeBack/placeFront below).
//
// Manager is not safe for concurrent use, matching spec §5's "buffer
// managers ... are owned by exactly one node (their owning thread)".
type Manager struct {
	static bool

	// dynamic mode
	dyn         list.List // of *Block
	limitSize   int
	limitNumber int

	// static mode
	arena      []byte
	byteHead   int // offset of first live byte
	byteTail   int // offset one past the last live byte (next write point when !wrapped)
	wrapped    bool
	entries    []staticEntry // ring, capacity len(entries); live range is [head,tail)
	head, tail int
	maxBlocks  int
}

type staticEntry struct {
	blk *Block
	off int
	cap int
}

var (
	ErrNoData  = cos.NewErr(cos.ErrNoData, "buffer manager is empty")
	ErrBuffLim = cos.NewErr(cos.ErrBuffLim, "buffer manager limit reached")
)

// SetLimit sets the dynamic-mode byte/count limits; 0 means unlimited.
// Spec §4.2: dynamic only, must be called before the first push.
func (m *Manager) SetLimit(maxBytes, maxBlocks int) {
	m.limitSize, m.limitNumber = maxBytes, maxBlocks
}

// SetMode switches the manager to static mode with the given arena size and
// block-count capacity, discarding any data already present; pass
// maxBlocks==0 to switch back to (and reset) dynamic mode.
func (m *Manager) SetMode(totalBytes, maxBlocks int) {
	m.Reset()
	if maxBlocks <= 0 {
		m.static = false
		return
	}
	m.static = true
	m.arena = make([]byte, totalBytes)
	// one slot is always kept empty as a head==tail disambiguator.
	m.entries = make([]staticEntry, maxBlocks+1)
	m.maxBlocks = maxBlocks
	m.head, m.tail = 0, 0
	m.byteHead, m.byteTail, m.wrapped = 0, 0, false
}

func (m *Manager) Reset() {
	m.dyn.Init()
	m.arena = nil
	m.entries = nil
	m.head, m.tail = 0, 0
	m.byteHead, m.byteTail, m.wrapped = 0, 0, false
}

func (m *Manager) Empty() bool {
	if m.static {
		return m.head == m.tail
	}
	return m.dyn.Len() == 0
}

// CostSize is the sum of outstanding (live) block sizes (P3a).
func (m *Manager) CostSize() (n int) {
	if m.static {
		m.rangeStatic(func(e *staticEntry) { n += e.blk.Size() })
		return
	}
	for e := m.dyn.Front(); e != nil; e = e.Next() {
		n += e.Value.(*Block).Size()
	}
	return
}

// CostNumber is the outstanding (live) block count (P3b).
func (m *Manager) CostNumber() int {
	if m.static {
		return m.liveCount()
	}
	return m.dyn.Len()
}

func (m *Manager) liveCount() int {
	if m.tail >= m.head {
		return m.tail - m.head
	}
	return len(m.entries) - m.head + m.tail
}

func (m *Manager) rangeStatic(f func(*staticEntry)) {
	i := m.head
	for i != m.tail {
		f(&m.entries[i])
		i = (i + 1) % len(m.entries)
	}
}

// Front returns the oldest live block's data, or ErrNoData if empty.
func (m *Manager) Front() ([]byte, error) {
	if m.Empty() {
		return nil, ErrNoData
	}
	if m.static {
		return m.entries[m.head].blk.Data(), nil
	}
	return m.dyn.Front().Value.(*Block).Data(), nil
}

// Back returns the newest live block's data, or ErrNoData if empty.
func (m *Manager) Back() ([]byte, error) {
	if m.Empty() {
		return nil, ErrNoData
	}
	if m.static {
		last := (m.tail - 1 + len(m.entries)) % len(m.entries)
		return m.entries[last].blk.Data(), nil
	}
	return m.dyn.Back().Value.(*Block).Data(), nil
}

// PushBack reserves s bytes at the tail of the deque and returns a slice
// the caller may write into; the slice remains valid until the
// corresponding Pop.
func (m *Manager) PushBack(s int) ([]byte, error) {
	if m.static {
		return m.staticPushBack(s)
	}
	return m.dynamicPush(s, true)
}

// PushFront mirrors PushBack at the head of the deque.
func (m *Manager) PushFront(s int) ([]byte, error) {
	if m.static {
		return m.staticPushFront(s)
	}
	return m.dynamicPush(s, false)
}

// PopBack removes s bytes from the newest live block. If freeBlock (default
// true) and the block empties out, its slot is released.
func (m *Manager) PopBack(s int, freeBlock ...bool) error {
	free := len(freeBlock) == 0 || freeBlock[0]
	if m.Empty() {
		return ErrNoData
	}
	if m.static {
		last := (m.tail - 1 + len(m.entries)) % len(m.entries)
		e := &m.entries[last]
		e.blk.PopBack(s)
		if free && e.blk.Empty() {
			m.tail = last
			m.reindexByteRangeAfterFree()
		}
		return nil
	}
	back := m.dyn.Back()
	blk := back.Value.(*Block)
	blk.PopBack(s)
	if free && blk.Empty() {
		m.dyn.Remove(back)
	}
	return nil
}

// PopFront removes s bytes from the oldest live block. If freeBlock
// (default true) and the block empties out, its slot is released.
func (m *Manager) PopFront(s int, freeBlock ...bool) error {
	free := len(freeBlock) == 0 || freeBlock[0]
	if m.Empty() {
		return ErrNoData
	}
	if m.static {
		e := &m.entries[m.head]
		e.blk.PopFront(s)
		if free && e.blk.Empty() {
			m.head = (m.head + 1) % len(m.entries)
			m.reindexByteRangeAfterFree()
		}
		return nil
	}
	front := m.dyn.Front()
	blk := front.Value.(*Block)
	blk.PopFront(s)
	if free && blk.Empty() {
		m.dyn.Remove(front)
	}
	return nil
}

// reindexByteRangeAfterFree restores byteHead/byteTail/wrapped from the
// current live entry range (spec §4.2(d): "when the live range becomes
// empty, head and tail reset to 0").
func (m *Manager) reindexByteRangeAfterFree() {
	if m.head == m.tail {
		m.byteHead, m.byteTail, m.wrapped = 0, 0, false
		return
	}
	m.byteHead = m.entries[m.head].off
	last := (m.tail - 1 + len(m.entries)) % len(m.entries)
	le := &m.entries[last]
	m.byteTail = le.off + le.cap
	// wrapped iff the live span crosses the arena's physical end, i.e. the
	// tail-most entry's offset is numerically before the head-most one.
	m.wrapped = le.off < m.byteHead
}

//
// dynamic mode
//

func (m *Manager) dynamicPush(s int, back bool) ([]byte, error) {
	if m.limitNumber > 0 && m.dyn.Len() >= m.limitNumber {
		return nil, ErrBuffLim
	}
	if m.limitSize > 0 && m.CostSize()+s > m.limitSize {
		return nil, ErrBuffLim
	}
	blk := NewBlock(s)
	if back {
		m.dyn.PushBack(blk)
	} else {
		m.dyn.PushFront(blk)
	}
	return blk.Data(), nil
}

//
// static mode
//

func (m *Manager) staticFull() bool { return (m.tail+1)%len(m.entries) == m.head }

func (m *Manager) staticPushBack(s int) ([]byte, error) {
	if m.liveCount() >= m.maxBlocks || m.staticFull() {
		return nil, ErrBuffLim
	}
	off, ok := m.placeBack(s)
	if !ok {
		return nil, ErrBuffLim
	}
	m.entries[m.tail] = staticEntry{blk: Wrap(m.arena[off : off+s]), off: off, cap: s}
	m.tail = (m.tail + 1) % len(m.entries)
	return m.entries[(m.tail-1+len(m.entries))%len(m.entries)].blk.Data(), nil
}

func (m *Manager) staticPushFront(s int) ([]byte, error) {
	if m.liveCount() >= m.maxBlocks || m.staticFull() {
		return nil, ErrBuffLim
	}
	off, ok := m.placeFront(s)
	if !ok {
		return nil, ErrBuffLim
	}
	m.head = (m.head - 1 + len(m.entries)) % len(m.entries)
	m.entries[m.head] = staticEntry{blk: Wrap(m.arena[off : off+s]), off: off, cap: s}
	return m.entries[m.head].blk.Data(), nil
}

// placeBack implements spec §4.2's first-fit policy for appending to the
// tail of the live span.
func (m *Manager) placeBack(s int) (off int, ok bool) {
	arenaCap := len(m.arena)
	if m.liveCount() == 0 {
		if s > arenaCap {
			return 0, false
		}
		m.byteHead, m.byteTail, m.wrapped = 0, s, false
		return 0, true
	}
	if !m.wrapped {
		if m.byteTail+s <= arenaCap {
			off = m.byteTail
			m.byteTail += s
			return off, true
		}
		if s <= m.byteHead {
			m.byteTail = s
			m.wrapped = true
			return 0, true
		}
		return 0, false
	}
	// wrapped: live occupies [byteHead,cap) U [0,byteTail); gap is
	// [byteTail,byteHead).
	if m.byteTail+s <= m.byteHead {
		off = m.byteTail
		m.byteTail += s
		return off, true
	}
	return 0, false
}

// placeFront mirrors placeBack for prepending to the head of the live span.
func (m *Manager) placeFront(s int) (off int, ok bool) {
	arenaCap := len(m.arena)
	if m.liveCount() == 0 {
		if s > arenaCap {
			return 0, false
		}
		off = arenaCap - s
		m.byteHead, m.byteTail, m.wrapped = off, arenaCap, false
		return off, true
	}
	if !m.wrapped {
		if s <= m.byteHead {
			off = m.byteHead - s
			m.byteHead = off
			return off, true
		}
		if m.byteTail+s <= arenaCap {
			off = arenaCap - s
			m.byteHead = off
			m.wrapped = true
			return off, true
		}
		return 0, false
	}
	// wrapped: gap is [byteTail,byteHead); fit just before head.
	if m.byteTail+s <= m.byteHead {
		off = m.byteHead - s
		m.byteHead = off
		return off, true
	}
	return 0, false
}
