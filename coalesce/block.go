package coalesce

import "unsafe"

// blockHeader is the inline prefix of every coalesce block. It contains no
// Go pointers, so the garbage collector never inspects arena memory: the
// back-reference to the free list is an index into the node pool, noNode
// when the block is not linked.
type blockHeader struct {
	currentSize uintptr
	prevSize    uintptr
	freeNode    int32
	free        uint32
}

const headerSize = unsafe.Sizeof(blockHeader{})

const noNode int32 = -1

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func (h *blockHeader) isFree() bool {
	return h.free != 0
}

func (h *blockHeader) setFree(free bool) {
	if free {
		h.free = 1
	} else {
		h.free = 0
	}
}

// payloadAddr returns the user pointer of the block at addr.
func payloadAddr(addr uintptr) uintptr {
	return addr + headerSize
}

// blockAddr returns the header address of the block whose payload is at p.
func blockAddr(p uintptr) uintptr {
	return p - headerSize
}
