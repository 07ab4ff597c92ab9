// Package tieralloc is a process-local memory allocator serving requests of
// arbitrary size from a single pre-reserved virtual-memory arena. Requests
// are routed by size across three tiers: six fixed-size pools for small
// requests, a coalescing best-fit allocator over 32 MiB regions for medium
// requests, and a pass-through to the host system for requests of 10 MiB
// and above.
//
// The allocator is single-threaded: no public operation may run
// concurrently with another. Callers that need concurrency should wrap the
// allocator in a mutex of their own.
package tieralloc

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/memkit/tieralloc/arena"
	"github.com/memkit/tieralloc/coalesce"
	"github.com/memkit/tieralloc/fsa"
	"github.com/memkit/tieralloc/memutils"
	"golang.org/x/exp/slog"
)

// Allocator is the front door. The zero value is not usable; construct
// with New and call Init before the first allocation.
type Allocator struct {
	logger      *slog.Logger
	arena       *arena.Arena
	fsa         *fsa.Tier
	coalesce    *coalesce.Tier
	large       passthrough
	stats       memutils.Statistics
	initialized bool
}

// New creates an allocator that logs through the provided logger, or
// slog.Default when nil. The arena is not reserved until Init.
func New(logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{logger: logger}
}

// Init reserves the arena, carves the metadata layout and the FSA arena,
// and primes one coalesce region of each type. It fails when the system
// page size is not 4 KiB, the reservation fails, or the layout does not
// fit; on failure no state is retained and Init may be retried.
func (a *Allocator) Init() error {
	if a.initialized {
		return nil
	}

	mapped, err := arena.Map()
	if err != nil {
		return cerrors.Wrap(err, "tieralloc: initialization failed")
	}

	coalesceTier, err := coalesce.NewTier(mapped, a.logger)
	if err != nil {
		_ = mapped.Unmap()
		return cerrors.Wrap(err, "tieralloc: metadata layout does not fit")
	}

	fsaBase, err := mapped.Carve(arena.FSAArenaSize)
	if err != nil {
		_ = mapped.Unmap()
		return cerrors.Wrap(err, "tieralloc: no room for the FSA arena")
	}
	fsaTier := fsa.NewTier(fsaBase, arena.FSAArenaSize)

	if err = coalesceTier.Prime(); err != nil {
		_ = mapped.Unmap()
		return cerrors.Wrap(err, "tieralloc: priming the initial regions failed")
	}

	a.arena = mapped
	a.fsa = fsaTier
	a.coalesce = coalesceTier
	a.large.init()
	a.stats.Clear()
	a.stats.RegionCount = coalesceTier.RegionsCount()
	a.initialized = true
	return nil
}

// Destroy unmaps the arena and resets all state. Outstanding pass-through
// mappings are not released; like host-heap allocations, they outlive the
// allocator. Safe to call on an uninitialized instance.
func (a *Allocator) Destroy() error {
	if !a.initialized {
		return nil
	}

	if a.stats.TotalAllocations != a.stats.TotalFrees {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "memory leak detected at destroy",
			slog.Int("fsaAllocs", a.stats.FSAAllocations),
			slog.Int("coalesceAllocs", a.stats.CoalesceAllocations),
			slog.Int("largeAllocs", a.stats.LargeAllocations),
			slog.Int("currentAllocated", a.stats.CurrentAllocated))
	}

	err := a.arena.Unmap()

	a.arena = nil
	a.fsa = nil
	a.coalesce = nil
	a.large.reset()
	a.stats.Clear()
	a.initialized = false

	if err != nil {
		return cerrors.Wrap(err, "tieralloc: destroy failed")
	}
	return nil
}

// Alloc returns an 8-byte-aligned pointer to size bytes, or nil when
// size is zero, the allocator is uninitialized, or no tier can satisfy
// the request.
func (a *Allocator) Alloc(size int) unsafe.Pointer {
	if !a.initialized || size <= 0 {
		return nil
	}

	alignedSize := memutils.AlignUp(uintptr(size), uintptr(memutils.Alignment))

	if alignedSize >= coalesce.LargeAllocThreshold {
		p := a.large.alloc(alignedSize)
		if p != nil {
			a.stats.LargeAllocations++
			a.stats.RecordAlloc(int(alignedSize))
		}
		return p
	}

	if class := fsa.SizeClass(alignedSize); class < fsa.PoolCount {
		if p := a.fsa.Alloc(class); p != nil {
			a.stats.FSAAllocations++
			a.stats.RecordAlloc(int(fsa.Sizes[class]))
			return p
		}
	}

	if p := a.coalesce.Allocate(alignedSize); p != nil {
		a.stats.CoalesceAllocations++
		a.stats.RecordAlloc(size)
		a.stats.RegionCount = a.coalesce.RegionsCount()
		return p
	}

	return nil
}

// Free releases a pointer previously returned by Alloc. The pointer is
// classified back to its tier by address range. nil is a no-op; a double
// free of a coalesce-tier or pass-through pointer is a no-op, while the FSA
// pools keep no per-slot state and do not detect one; a pointer this
// allocator never produced is ignored with a warning.
func (a *Allocator) Free(p unsafe.Pointer) {
	if !a.initialized || p == nil {
		return
	}

	addr := uintptr(p)

	if a.fsa.Contains(addr) {
		if blockSize, ok := a.fsa.Free(addr); ok {
			a.stats.RecordFree(blockSize)
		}
		return
	}

	if a.coalesce.Contains(addr) {
		if freed := a.coalesce.Free(addr); freed != 0 {
			a.stats.RecordFree(int(freed))
		}
		return
	}

	if size, ok := a.large.free(addr); ok {
		a.stats.RecordFree(size)
		return
	}

	a.logger.LogAttrs(context.Background(), slog.LevelWarn, "free of a pointer this allocator does not own",
		slog.Uint64("addr", uint64(addr)))
}

// Stats returns a copy of the running counters.
func (a *Allocator) Stats() memutils.Statistics {
	return a.stats
}

// Validate runs the coalesce tier's structural checks. Meant for tests.
func (a *Allocator) Validate() error {
	if !a.initialized {
		return nil
	}
	return a.coalesce.Validate()
}
