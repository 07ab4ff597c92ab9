package coalesce

import (
	"context"

	"github.com/memkit/tieralloc/arena"
	"github.com/memkit/tieralloc/memutils"
	"golang.org/x/exp/slog"
)

// RegionType classifies a region (and the requests it serves) by size.
type RegionType uint8

const (
	RegionSmall RegionType = iota
	RegionMedium
	RegionLarge
)

var regionTypeMapping = map[RegionType]string{
	RegionSmall:  "SMALL",
	RegionMedium: "MEDIUM",
	RegionLarge:  "LARGE",
}

func (t RegionType) String() string {
	return regionTypeMapping[t]
}

const (
	// SmallRegionMax is the largest user size served from a SMALL region.
	SmallRegionMax = 10 << 10
	// MediumRegionMax is the largest user size served from a MEDIUM region.
	MediumRegionMax = 1 << 20
	// LargeAllocThreshold is the first size the coalesce tier refuses;
	// requests at or above it go to the host allocator instead.
	LargeAllocThreshold = 10 << 20

	// ListCount is the number of size-segregated free lists.
	ListCount = 3
)

// regionDesc describes one 32 MiB slot of the arena. Descriptors live in
// the arena's metadata area and hold no Go pointers.
type regionDesc struct {
	start uintptr
	end   uintptr
	used  bool
	typ   RegionType
}

func regionTypeFor(userSize uintptr) RegionType {
	if userSize <= SmallRegionMax {
		return RegionSmall
	}
	if userSize <= MediumRegionMax {
		return RegionMedium
	}
	return RegionLarge
}

func listIndexFor(userSize uintptr) int32 {
	return int32(regionTypeFor(userSize))
}

// Carve schedules. SMALL and MEDIUM regions are cut into uniform blocks;
// LARGE regions prefer the largest cut that still fits the remaining bytes.
var (
	splitSmall  = memutils.AlignUp(uintptr(4<<10)+headerSize, uintptr(memutils.Alignment))
	splitMedium = memutils.AlignUp(uintptr(64<<10)+headerSize, uintptr(memutils.Alignment))

	largeSplits = [...]uintptr{
		memutils.AlignUp(uintptr(10<<20)+headerSize, uintptr(memutils.Alignment)),
		memutils.AlignUp(uintptr(5<<20)+headerSize, uintptr(memutils.Alignment)),
		memutils.AlignUp(uintptr(2<<20)+headerSize, uintptr(memutils.Alignment)),
		memutils.AlignUp(uintptr(1<<20)+headerSize, uintptr(memutils.Alignment)),
		memutils.AlignUp(uintptr(512<<10)+headerSize, uintptr(memutils.Alignment)),
	}
)

func optimalSplitSize(typ RegionType, remaining uintptr) uintptr {
	switch typ {
	case RegionSmall:
		return splitSmall
	case RegionMedium:
		return splitMedium
	default:
		for _, split := range largeSplits {
			if remaining >= split {
				return split
			}
		}
		return largeSplits[len(largeSplits)-1]
	}
}

// minimum block payload that a split may leave behind
func splitFloor(typ RegionType) uintptr {
	if typ == RegionLarge {
		return largeSplits[3]
	}
	return splitSmall
}

// allocateRegion commissions the first inert descriptor slot, backing it
// with RegionSize bytes bumped off the arena. Returns nil when every slot
// is used or the arena has no room left.
func (t *Tier) allocateRegion(typ RegionType) *regionDesc {
	for i := range t.regions {
		if t.regions[i].used {
			continue
		}

		start, err := t.arena.Carve(arena.RegionSize)
		if err != nil {
			return nil
		}

		t.regions[i] = regionDesc{
			start: start,
			end:   start + arena.RegionSize,
			used:  true,
			typ:   typ,
		}
		return &t.regions[i]
	}
	return nil
}

// initializeRegion carves the region into a cascade of free blocks sized to
// its type and indexes each of them. If the node pool runs dry mid-carve,
// the rest of the region is left un-indexed.
func (t *Tier) initializeRegion(region *regionDesc) {
	cur := memutils.AlignUp(region.start, uintptr(memutils.Alignment))
	remaining := region.end - cur

	var prevSize uintptr
	for remaining > headerSize+memutils.Alignment {
		target := optimalSplitSize(region.typ, remaining)

		blockSize := target
		if blockSize > remaining {
			blockSize = memutils.AlignUp(remaining, uintptr(memutils.Alignment))
		}
		if blockSize < headerSize+memutils.Alignment {
			break
		}

		if !t.carveBlock(cur, blockSize, prevSize) {
			t.logger.LogAttrs(context.Background(), slog.LevelWarn, "free-node pool exhausted while carving region",
				slog.String("regionType", region.typ.String()),
				slog.Uint64("offset", uint64(cur-region.start)))
			return
		}

		prevSize = blockSize
		cur += blockSize
		remaining -= blockSize

		// Once a LARGE region has produced a block of at least 5 MiB, a
		// tail smaller than that becomes one final block instead of a
		// descending cascade of fragments.
		if region.typ == RegionLarge && prevSize >= largeSplits[1] {
			if remaining < largeSplits[1] && remaining >= headerSize+memutils.Alignment {
				lastSize := memutils.AlignUp(remaining, uintptr(memutils.Alignment))
				if !t.carveBlock(cur, lastSize, prevSize) {
					t.logger.LogAttrs(context.Background(), slog.LevelWarn, "free-node pool exhausted while carving region tail",
						slog.String("regionType", region.typ.String()),
						slog.Uint64("size", uint64(lastSize)))
				}
				return
			}
		}
	}

	if remaining >= headerSize+memutils.Alignment {
		blockSize := memutils.AlignUp(remaining, uintptr(memutils.Alignment))
		if !t.carveBlock(cur, blockSize, prevSize) {
			t.logger.LogAttrs(context.Background(), slog.LevelWarn, "free-node pool exhausted while carving region tail",
				slog.String("regionType", region.typ.String()),
				slog.Uint64("size", uint64(blockSize)))
		}
	}
}

// carveBlock stamps a free block header at addr and links it into the list
// matching its payload size. Returns false when no node could be drawn.
func (t *Tier) carveBlock(addr, size, prevSize uintptr) bool {
	header := headerAt(addr)
	*header = blockHeader{
		currentSize: size,
		prevSize:    prevSize,
		freeNode:    noNode,
		free:        1,
	}

	index := t.nodes.alloc()
	if index == noNode {
		return false
	}

	t.nodes.at(index).header = addr
	t.addToList(index, listIndexFor(size-headerSize))
	return true
}

func (t *Tier) regionFor(addr uintptr) *regionDesc {
	for i := range t.regions {
		if t.regions[i].used && addr >= t.regions[i].start && addr < t.regions[i].end {
			return &t.regions[i]
		}
	}
	return nil
}

func blockInRegion(addr uintptr, region *regionDesc) bool {
	return addr >= region.start && addr < region.end
}

// RegionInfo is a read-only view of one commissioned region.
type RegionInfo struct {
	Index int
	Type  RegionType
	Start uintptr
	End   uintptr
}

// Regions lists every commissioned region in slot order.
func (t *Tier) Regions() []RegionInfo {
	var infos []RegionInfo
	for i := range t.regions {
		if !t.regions[i].used {
			continue
		}
		infos = append(infos, RegionInfo{
			Index: i,
			Type:  t.regions[i].typ,
			Start: t.regions[i].start,
			End:   t.regions[i].end,
		})
	}
	return infos
}

// RegionsCount returns the number of commissioned regions.
func (t *Tier) RegionsCount() int {
	count := 0
	for i := range t.regions {
		if t.regions[i].used {
			count++
		}
	}
	return count
}

// RegionsCountByType returns commissioned region counts per type.
func (t *Tier) RegionsCountByType() [ListCount]int {
	var counts [ListCount]int
	for i := range t.regions {
		if t.regions[i].used {
			counts[t.regions[i].typ]++
		}
	}
	return counts
}

// BlockInfo is a read-only view of one block inside a region.
type BlockInfo struct {
	Offset   uintptr
	Size     uintptr
	PrevSize uintptr
	Free     bool
}

// VisitRegionBlocks walks the physical block chain of the region at the
// given slot index, calling visit for each block front to back.
func (t *Tier) VisitRegionBlocks(index int, visit func(info BlockInfo) error) error {
	region := &t.regions[index]
	if !region.used {
		return nil
	}

	cur := memutils.AlignUp(region.start, uintptr(memutils.Alignment))
	for cur < region.end {
		header := headerAt(cur)
		if header.currentSize == 0 {
			break
		}

		err := visit(BlockInfo{
			Offset:   cur - region.start,
			Size:     header.currentSize,
			PrevSize: header.prevSize,
			Free:     header.isFree(),
		})
		if err != nil {
			return err
		}

		cur += header.currentSize
	}
	return nil
}
