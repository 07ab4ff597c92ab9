package tieralloc

import (
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/memkit/tieralloc/arena"
	"github.com/memkit/tieralloc/memutils"
	"golang.org/x/sys/unix"
)

type largeAlloc struct {
	mapping []byte
	size    int
}

// passthrough forwards oversized requests to the host system: one private
// anonymous mapping per allocation. The registry keeps the mapping slice so
// the exact range can be unmapped again on free.
type passthrough struct {
	registry *swiss.Map[uintptr, largeAlloc]
}

func (t *passthrough) init() {
	t.registry = swiss.NewMap[uintptr, largeAlloc](16)
}

func (t *passthrough) reset() {
	t.registry = nil
}

func (t *passthrough) alloc(alignedSize uintptr) unsafe.Pointer {
	mappedSize := memutils.AlignUp(alignedSize, uintptr(arena.PageSize))

	mapping, err := unix.Mmap(-1, 0, int(mappedSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&mapping[0]))
	t.registry.Put(addr, largeAlloc{mapping: mapping, size: int(alignedSize)})
	return unsafe.Pointer(addr)
}

func (t *passthrough) free(addr uintptr) (size int, ok bool) {
	entry, ok := t.registry.Get(addr)
	if !ok {
		return 0, false
	}

	t.registry.Delete(addr)
	_ = unix.Munmap(entry.mapping)
	return entry.size, true
}

func (t *passthrough) count() int {
	if t.registry == nil {
		return 0
	}
	return t.registry.Count()
}
