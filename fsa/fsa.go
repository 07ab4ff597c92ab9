// Package fsa implements the fixed-size-allocator tier: six segregated
// pools whose free lists are singly linked LIFO stacks threaded through the
// first word of each free slot. Pools never grow; a full pool simply
// reports a miss and the dispatcher falls through to the coalesce tier.
package fsa

import (
	"math/bits"
	"unsafe"

	"github.com/memkit/tieralloc/memutils"
)

const (
	// PoolCount is the number of segregated pools.
	PoolCount = 6
	// MaxBlockSize is the largest request the tier serves.
	MaxBlockSize = 512
)

// Sizes lists the block size of each pool, ascending.
var Sizes = [PoolCount]uintptr{16, 32, 64, 128, 256, 512}

// SizeClass maps an 8-byte-aligned request size to a pool index. Sizes above
// MaxBlockSize return PoolCount, meaning the tier does not serve them.
func SizeClass(alignedSize uintptr) int {
	if alignedSize < Sizes[0] {
		return 0
	}
	if alignedSize > MaxBlockSize {
		return PoolCount
	}

	// 16 -> 0, 17..32 -> 1, 33..64 -> 2, ..., 257..512 -> 5
	return bits.Len(uint(alignedSize-1)) - 4
}

// Pool manages one run of equally sized slots. The free list head lives in
// the pool; each free slot stores the address of the next free slot in its
// first word, so a pool carries no per-slot metadata while slots are live.
type Pool struct {
	blockSize  uintptr
	base       uintptr
	size       uintptr
	freeHead   uintptr
	usedBlocks int
}

func (p *Pool) init(blockSize, base, size uintptr) {
	memutils.DebugCheckPow2(blockSize, "fsa block size")

	p.blockSize = blockSize
	p.base = base
	p.size = size
	p.freeHead = 0
	p.usedBlocks = 0

	// Threading in ascending address order leaves the highest slot on top
	// of the stack, so the list runs through memory in descending order.
	count := size / blockSize
	for i := uintptr(0); i < count; i++ {
		slot := base + i*blockSize
		*(*uintptr)(unsafe.Pointer(slot)) = p.freeHead
		p.freeHead = slot
	}
}

// Alloc pops the head of the free list, or returns nil when the pool is full.
func (p *Pool) Alloc() unsafe.Pointer {
	if p.freeHead == 0 {
		return nil
	}

	slot := p.freeHead
	p.freeHead = *(*uintptr)(unsafe.Pointer(slot))
	p.usedBlocks++
	return unsafe.Pointer(slot)
}

// Free pushes the slot back onto the free list.
func (p *Pool) Free(slot uintptr) {
	*(*uintptr)(unsafe.Pointer(slot)) = p.freeHead
	p.freeHead = slot
	p.usedBlocks--
}

func (p *Pool) contains(addr uintptr) bool {
	return addr >= p.base && addr < p.base+p.size
}

// BlockSize returns the slot size of the pool.
func (p *Pool) BlockSize() int { return int(p.blockSize) }

// Capacity returns the total number of slots in the pool.
func (p *Pool) Capacity() int { return int(p.size / p.blockSize) }

// UsedBlocks returns how many slots are currently handed out.
func (p *Pool) UsedBlocks() int { return p.usedBlocks }

// FreeBlocks walks the free list and counts its members.
func (p *Pool) FreeBlocks() int {
	count := 0
	for slot := p.freeHead; slot != 0; slot = *(*uintptr)(unsafe.Pointer(slot)) {
		count++
	}
	return count
}

// Tier is the set of six pools carved out of one sub-range of the arena.
type Tier struct {
	pools [PoolCount]Pool
	start uintptr
	end   uintptr
}

// NewTier splits [base, base+size) evenly into PoolCount pools and threads
// every slot of every pool onto its free list.
func NewTier(base, size uintptr) *Tier {
	t := &Tier{
		start: base,
		end:   base + size,
	}

	perPool := memutils.AlignUp(size/PoolCount, uintptr(memutils.Alignment))

	cur := base
	for i := range t.pools {
		cur = memutils.AlignUp(cur, uintptr(memutils.Alignment))

		poolSize := perPool
		if cur+poolSize > t.end {
			poolSize = t.end - cur
		}

		t.pools[i].init(Sizes[i], cur, poolSize)
		cur += poolSize
	}

	return t
}

// Contains reports whether addr falls inside the tier's arena sub-range.
func (t *Tier) Contains(addr uintptr) bool {
	return addr >= t.start && addr < t.end
}

// Alloc serves one slot from the pool of the given size class, or nil when
// that pool has no free slots.
func (t *Tier) Alloc(class int) unsafe.Pointer {
	return t.pools[class].Alloc()
}

// Free classifies the pointer back to its pool by scanning the six pool
// bounds and pushes it onto that pool's free list. The scan is preferred
// over deriving the index from the pointer arithmetic because it stays
// correct even if the pools are not exactly equal in size.
func (t *Tier) Free(addr uintptr) (blockSize int, ok bool) {
	for i := range t.pools {
		if t.pools[i].contains(addr) {
			t.pools[i].Free(addr)
			return t.pools[i].BlockSize(), true
		}
	}
	return 0, false
}

// Pool exposes the pool at the given class index for inspection.
func (t *Tier) Pool(class int) *Pool {
	return &t.pools[class]
}
