package coalesce

import (
	"unsafe"

	"github.com/memkit/tieralloc/arena"
)

// freeNode links a free block into one of the segregated lists. Links are
// indices into the node pool rather than pointers; noNode stands for nil.
type freeNode struct {
	next      int32
	prev      int32
	header    uintptr
	listIndex int32
	_         int32
}

const nodeSize = unsafe.Sizeof(freeNode{})

// nodePool is a bump-allocated array of free nodes carved from the arena's
// metadata area. Nodes are never released individually; removal from a free
// list only unlinks the node, and the slot is not reused.
type nodePool struct {
	nodes []freeNode
	used  int
}

func newNodePool(a *arena.Arena) (nodePool, error) {
	capacity := int(a.UsableSize() / 10 / nodeSize)
	if capacity < 10000 {
		capacity = 10000
	}

	addr, err := a.Carve(uintptr(capacity) * nodeSize)
	if err != nil {
		return nodePool{}, err
	}

	return nodePool{
		nodes: unsafe.Slice((*freeNode)(unsafe.Pointer(addr)), capacity),
	}, nil
}

func (p *nodePool) alloc() int32 {
	if p.used >= len(p.nodes) {
		return noNode
	}

	index := int32(p.used)
	p.used++

	node := &p.nodes[index]
	node.next = noNode
	node.prev = noNode
	node.header = 0
	node.listIndex = 0

	return index
}

func (p *nodePool) at(index int32) *freeNode {
	return &p.nodes[index]
}

func (p *nodePool) exhausted() bool {
	return p.used >= len(p.nodes)
}
