// Package arena reserves the single contiguous virtual address range that
// backs the whole allocator and carves it into the metadata area, the FSA
// arena and the pool of coalesce region slots. The first and last page of
// the reservation are guard pages: any stray dereference into them traps.
package arena

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/memkit/tieralloc/memutils"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the only system page size the allocator supports. Map
	// refuses to initialize on systems with a different page size.
	PageSize = 4096

	// RegionSize is the byte length of one coalesce region slot.
	RegionSize = 32 << 20
	// MaxRegions bounds how many region slots can ever be commissioned.
	MaxRegions = 16
	// FSAArenaSize is the byte length of the sub-range backing the six
	// fixed-size pools.
	FSAArenaSize = 24 << 20
	// MetadataSize is the space set aside for the region descriptor table,
	// the free-node pool and other interior metadata.
	MetadataSize = 64 << 20

	// TotalSize is the full reservation, guard pages included.
	TotalSize = MaxRegions*RegionSize + FSAArenaSize + MetadataSize + 2*PageSize

	usableSize = TotalSize - 2*PageSize
)

var (
	ErrPageSize  = cerrors.New("system page size is not supported")
	ErrExhausted = cerrors.New("arena space exhausted")
)

// Arena is one mapped reservation plus a bump offset over its usable range.
// Carve hands out sub-ranges front to back; carved space is never returned.
type Arena struct {
	mapping []byte
	base    uintptr
	offset  uintptr
	mapped  bool
}

// Map reserves TotalSize bytes of private anonymous memory and installs the
// head and tail guard pages. On any failure the reservation is released and
// an error is returned; no partial state survives.
func Map() (*Arena, error) {
	if pageSize := unix.Getpagesize(); pageSize != PageSize {
		return nil, cerrors.Wrapf(ErrPageSize, "system page size is %d, allocator requires %d", pageSize, PageSize)
	}

	mapping, err := unix.Mmap(-1, 0, TotalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to reserve the arena")
	}

	if err = unix.Mprotect(mapping[:PageSize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mapping)
		return nil, cerrors.Wrap(err, "failed to protect the head guard page")
	}
	if err = unix.Mprotect(mapping[TotalSize-PageSize:], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mapping)
		return nil, cerrors.Wrap(err, "failed to protect the tail guard page")
	}

	return &Arena{
		mapping: mapping,
		base:    uintptr(unsafe.Pointer(&mapping[0])),
		mapped:  true,
	}, nil
}

// Unmap releases the whole reservation. It is safe to call more than once.
func (a *Arena) Unmap() error {
	if !a.mapped {
		return nil
	}
	a.mapped = false
	a.base = 0
	a.offset = 0

	mapping := a.mapping
	a.mapping = nil
	if err := unix.Munmap(mapping); err != nil {
		return cerrors.Wrap(err, "failed to unmap the arena")
	}
	return nil
}

// UsableStart returns the first address past the head guard page.
func (a *Arena) UsableStart() uintptr {
	return a.base + PageSize
}

// UsableSize returns the byte length between the guard pages.
func (a *Arena) UsableSize() uintptr {
	return usableSize
}

// Offset returns the current bump offset within the usable range.
func (a *Arena) Offset() uintptr {
	return a.offset
}

// Remaining returns how many bytes Carve can still hand out.
func (a *Arena) Remaining() uintptr {
	return usableSize - memutils.AlignUp(a.offset, uintptr(memutils.Alignment))
}

// Carve bump-allocates size bytes from the usable range. The returned
// address is 8-byte aligned. Carved memory is zeroed (fresh anonymous
// pages) and is never reclaimed until Unmap.
func (a *Arena) Carve(size uintptr) (uintptr, error) {
	if !a.mapped {
		return 0, cerrors.Wrap(ErrExhausted, "arena is not mapped")
	}

	offset := memutils.AlignUp(a.offset, uintptr(memutils.Alignment))
	if offset+size > usableSize {
		return 0, cerrors.Wrapf(ErrExhausted, "carve of %d bytes at offset %d exceeds usable size %d", size, offset, uintptr(usableSize))
	}

	a.offset = offset + size
	return a.UsableStart() + offset, nil
}
