// Package coalesce implements the boundary-tag tier: best-fit allocation
// from three size-segregated free lists over 32 MiB regions, splitting on
// allocation and merging with immediate physical neighbors on free. All of
// its metadata (block headers, the free-node pool, the region descriptor
// table) lives inside the reserved arena.
package coalesce

import (
	"fmt"
	"unsafe"

	"github.com/memkit/tieralloc/arena"
	"github.com/memkit/tieralloc/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// Tier owns the region descriptor table, the free-node pool and the three
// free lists. Free lists are kept sorted by block size ascending, so the
// first node satisfying a request is the best fit.
type Tier struct {
	arena   *arena.Arena
	logger  *slog.Logger
	regions []regionDesc
	nodes   nodePool
	lists   [ListCount]int32
}

// NewTier carves the tier's metadata (descriptor table, then the free-node
// pool) from the front of the arena. No region is commissioned yet; call
// Prime once the rest of the arena layout has been carved.
func NewTier(a *arena.Arena, logger *slog.Logger) (*Tier, error) {
	tableAddr, err := a.Carve(uintptr(arena.MaxRegions) * unsafe.Sizeof(regionDesc{}))
	if err != nil {
		return nil, errors.Wrap(err, "carving the region descriptor table")
	}

	t := &Tier{
		arena:   a,
		logger:  logger,
		regions: unsafe.Slice((*regionDesc)(unsafe.Pointer(tableAddr)), arena.MaxRegions),
		lists:   [ListCount]int32{noNode, noNode, noNode},
	}
	for i := range t.regions {
		t.regions[i] = regionDesc{}
	}

	t.nodes, err = newNodePool(a)
	if err != nil {
		return nil, errors.Wrap(err, "carving the free-node pool")
	}

	return t, nil
}

// Prime commissions one region of each type.
func (t *Tier) Prime() error {
	for typ := RegionSmall; typ <= RegionLarge; typ++ {
		region := t.allocateRegion(typ)
		if region == nil {
			return errors.Errorf("failed to commission the initial %s region", typ)
		}
		t.initializeRegion(region)
	}
	return nil
}

// Contains reports whether addr falls inside any commissioned region.
func (t *Tier) Contains(addr uintptr) bool {
	return t.regionFor(addr) != nil
}

// Allocate serves an 8-byte-aligned request below LargeAllocThreshold.
// It best-fits within the list of the request's size class, walks larger
// lists on a miss, and commissions one more region of the requested type
// before giving up. Returns nil when no block can be produced.
func (t *Tier) Allocate(alignedSize uintptr) unsafe.Pointer {
	if alignedSize == 0 || alignedSize >= LargeAllocThreshold {
		return nil
	}

	memutils.DebugValidate(t)

	totalSize := memutils.AlignUp(alignedSize+headerSize, uintptr(memutils.Alignment)) + uintptr(memutils.DebugMargin)
	regionType := regionTypeFor(alignedSize)
	listIndex := int(regionType)

	block := t.bestFit(totalSize, listIndex)
	for i := listIndex + 1; block == 0 && i < ListCount; i++ {
		block = t.bestFit(totalSize, i)
	}

	if block == 0 {
		region := t.allocateRegion(regionType)
		if region == nil {
			return nil
		}
		t.initializeRegion(region)

		block = t.bestFit(totalSize, listIndex)
		for i := listIndex + 1; block == 0 && i < ListCount; i++ {
			block = t.bestFit(totalSize, i)
		}
	}

	if block == 0 {
		return nil
	}

	header := headerAt(block)
	if header.freeNode != noNode {
		t.removeFromList(header.freeNode)
	}
	header.setFree(false)

	remaining := header.currentSize - totalSize
	if remaining >= headerSize+memutils.Alignment && remaining >= splitFloor(regionType) {
		alignedNewSize := memutils.AlignDown(remaining, uintptr(memutils.Alignment))
		t.split(block, totalSize, alignedNewSize, remaining)
	}

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(unsafe.Pointer(block), int(headerAt(block).currentSize)-memutils.DebugMargin)
	}

	return unsafe.Pointer(payloadAddr(block))
}

// split carves the tail of the chosen block into a new free block placed at
// the high address. The allocated block absorbs the unusable slack
// remaining-alignedNewSize so that the new header stays 8-byte aligned.
// Skipped entirely when the node pool is exhausted.
func (t *Tier) split(block, totalSize, alignedNewSize, remaining uintptr) {
	if alignedNewSize < headerSize+memutils.Alignment {
		return
	}
	if t.nodes.exhausted() {
		return
	}

	header := headerAt(block)
	header.currentSize = totalSize + (remaining - alignedNewSize)

	newBlock := block + header.currentSize
	if newBlock&(memutils.Alignment-1) != 0 {
		panic(fmt.Sprintf("split produced a misaligned block at %#x", newBlock))
	}

	newHeader := headerAt(newBlock)
	*newHeader = blockHeader{
		currentSize: alignedNewSize,
		prevSize:    header.currentSize,
		freeNode:    noNode,
		free:        1,
	}

	if region := t.regionFor(block); region != nil {
		if next := t.nextBlock(newBlock, region); next != 0 {
			headerAt(next).prevSize = alignedNewSize
		}
	}

	index := t.nodes.alloc()
	if index != noNode {
		t.nodes.at(index).header = newBlock
		t.addToList(index, listIndexFor(alignedNewSize-headerSize))
	}
}

// Free releases the block whose payload is at p and merges it with free
// physical neighbors inside its region. It returns the user bytes of the
// block as it was freed, or 0 for a double free or a pointer that does not
// resolve to a live block.
func (t *Tier) Free(p uintptr) uintptr {
	if p < headerSize || p&(memutils.Alignment-1) != 0 {
		return 0
	}

	block := blockAddr(p)
	region := t.regionFor(block)
	if region == nil {
		return 0
	}

	header := headerAt(block)
	if header.isFree() || header.currentSize < headerSize+memutils.Alignment {
		return 0
	}

	memutils.DebugValidate(t)
	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(unsafe.Pointer(block), int(header.currentSize)-memutils.DebugMargin) {
		panic(fmt.Sprintf("memory corruption detected past the payload of block at %#x", block))
	}

	userSize := header.currentSize - headerSize - uintptr(memutils.DebugMargin)
	header.setFree(true)

	if prev := t.prevBlock(block); prev != 0 && blockInRegion(prev, region) && headerAt(prev).isFree() {
		if prevNode := headerAt(prev).freeNode; prevNode != noNode {
			t.removeFromList(prevNode)
		}
		t.merge(prev, block, region)
		block = prev
	}

	if next := t.nextBlock(block, region); next != 0 && headerAt(next).isFree() {
		if nextNode := headerAt(next).freeNode; nextNode != noNode {
			t.removeFromList(nextNode)
		}
		t.merge(block, next, region)
	}

	index := t.nodes.alloc()
	if index != noNode {
		t.nodes.at(index).header = block
		t.addToList(index, listIndexFor(headerAt(block).currentSize-headerSize))
	}

	return userSize
}

// merge folds second into first. The two blocks must be physically
// adjacent; second's node, if any, must already be unlinked.
func (t *Tier) merge(first, second uintptr, region *regionDesc) {
	firstHeader := headerAt(first)
	secondHeader := headerAt(second)

	if first+firstHeader.currentSize != second {
		panic(fmt.Sprintf("cannot merge non-adjacent blocks at %#x and %#x", first, second))
	}

	firstHeader.currentSize += secondHeader.currentSize

	if next := t.nextBlock(first, region); next != 0 {
		headerAt(next).prevSize = firstHeader.currentSize
	}

	*secondHeader = blockHeader{freeNode: noNode}
}

func (t *Tier) nextBlock(block uintptr, region *regionDesc) uintptr {
	end := block + headerAt(block).currentSize
	if end >= region.end {
		return 0
	}
	return end
}

func (t *Tier) prevBlock(block uintptr) uintptr {
	prevSize := headerAt(block).prevSize
	if prevSize == 0 {
		return 0
	}
	return block - prevSize
}

// bestFit scans the list for the first free block of at least totalSize
// bytes. The list is sorted ascending, so the first hit is the best fit and
// the scan exits early.
func (t *Tier) bestFit(totalSize uintptr, listIndex int) uintptr {
	for index := t.lists[listIndex]; index != noNode; index = t.nodes.at(index).next {
		node := t.nodes.at(index)
		if node.header == 0 {
			continue
		}
		header := headerAt(node.header)
		if header.isFree() && header.currentSize >= totalSize {
			return node.header
		}
	}
	return 0
}

// addToList inserts the node into the list keeping it sorted by block size
// ascending; equal sizes keep insertion order.
func (t *Tier) addToList(index int32, listIndex int32) {
	node := t.nodes.at(index)
	node.listIndex = listIndex

	size := headerAt(node.header).currentSize

	prev := noNode
	cur := t.lists[listIndex]
	for cur != noNode {
		curNode := t.nodes.at(cur)
		if headerAt(curNode.header).currentSize > size {
			break
		}
		prev = cur
		cur = curNode.next
	}

	if prev == noNode {
		t.lists[listIndex] = index
	} else {
		t.nodes.at(prev).next = index
	}
	node.prev = prev
	node.next = cur

	if cur != noNode {
		t.nodes.at(cur).prev = index
	}

	headerAt(node.header).freeNode = index
}

// removeFromList unlinks the node; its pool slot is not reused.
func (t *Tier) removeFromList(index int32) {
	node := t.nodes.at(index)

	if node.prev != noNode {
		t.nodes.at(node.prev).next = node.next
	} else {
		t.lists[node.listIndex] = node.next
	}
	if node.next != noNode {
		t.nodes.at(node.next).prev = node.prev
	}

	node.prev = noNode
	node.next = noNode

	if node.header != 0 {
		headerAt(node.header).freeNode = noNode
	}
}

// FreeListCounts returns the length of each free list.
func (t *Tier) FreeListCounts() [ListCount]int {
	var counts [ListCount]int
	for i := range t.lists {
		for index := t.lists[i]; index != noNode; index = t.nodes.at(index).next {
			counts[i]++
		}
	}
	return counts
}

// NodesUsed returns how many free nodes have been drawn from the pool and
// the pool's capacity.
func (t *Tier) NodesUsed() (used, capacity int) {
	return t.nodes.used, len(t.nodes.nodes)
}

// Validate walks every commissioned region and every free list and checks
// the structural invariants: physical adjacency via prevSize, region sizes
// adding up, the block/node back-references, and the sort order of the
// lists. It is expensive and meant for tests and debug builds.
func (t *Tier) Validate() error {
	for i := range t.regions {
		region := &t.regions[i]
		if !region.used {
			continue
		}

		start := memutils.AlignUp(region.start, uintptr(memutils.Alignment))
		cur := start
		var prevSize uintptr
		for cur < region.end {
			header := headerAt(cur)
			if header.currentSize == 0 {
				break
			}
			if header.currentSize&(memutils.Alignment-1) != 0 {
				return errors.Errorf("region %d: block at offset %d has misaligned size %d", i, cur-region.start, header.currentSize)
			}
			if header.prevSize != prevSize {
				return errors.Errorf("region %d: block at offset %d records prev size %d, expected %d", i, cur-region.start, header.prevSize, prevSize)
			}
			if header.isFree() && header.freeNode != noNode {
				node := t.nodes.at(header.freeNode)
				if node.header != cur {
					return errors.Errorf("region %d: block at offset %d is linked to a node that points elsewhere", i, cur-region.start)
				}
			}
			if !header.isFree() && header.freeNode != noNode {
				return errors.Errorf("region %d: taken block at offset %d still holds a free node", i, cur-region.start)
			}

			prevSize = header.currentSize
			cur += header.currentSize
		}
		if cur != region.end {
			return errors.Errorf("region %d: blocks cover %d bytes of %d", i, cur-start, region.end-start)
		}
	}

	for listIndex := range t.lists {
		var lastSize uintptr
		for index := t.lists[listIndex]; index != noNode; index = t.nodes.at(index).next {
			node := t.nodes.at(index)
			if node.listIndex != int32(listIndex) {
				return errors.Errorf("list %d: node %d records list index %d", listIndex, index, node.listIndex)
			}
			header := headerAt(node.header)
			if !header.isFree() {
				return errors.Errorf("list %d: node %d links a block that is not free", listIndex, index)
			}
			if header.currentSize < lastSize {
				return errors.Errorf("list %d: sizes are not ascending at node %d", listIndex, index)
			}
			lastSize = header.currentSize
			if node.next != noNode && t.nodes.at(node.next).prev != index {
				return errors.Errorf("list %d: broken back link after node %d", listIndex, index)
			}
		}
	}

	return nil
}
