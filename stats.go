package tieralloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memkit/tieralloc/arena"
	"github.com/memkit/tieralloc/coalesce"
	"github.com/memkit/tieralloc/fsa"
	"github.com/memkit/tieralloc/memutils"
)

// DumpStat renders the aggregate counters, per-pool occupancy and per-list
// free-block counts as a JSON document.
func (a *Allocator) DumpStat() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Initialized").Bool(a.initialized)
	if !a.initialized {
		obj.End()
		return string(writer.Bytes())
	}

	general := obj.Name("General").Object()
	general.Name("TotalAllocations").Int(a.stats.TotalAllocations)
	general.Name("TotalFrees").Int(a.stats.TotalFrees)
	general.Name("CurrentAllocated").Int(a.stats.CurrentAllocated)
	general.Name("PeakAllocated").Int(a.stats.PeakAllocated)
	general.Name("FSAAllocations").Int(a.stats.FSAAllocations)
	general.Name("CoalesceAllocations").Int(a.stats.CoalesceAllocations)
	general.Name("LargeAllocations").Int(a.stats.LargeAllocations)
	general.Name("LiveLargeAllocations").Int(a.large.count())
	general.End()

	byType := a.coalesce.RegionsCountByType()
	regions := obj.Name("Regions").Object()
	regions.Name("Used").Int(a.coalesce.RegionsCount())
	regions.Name("Total").Int(arena.MaxRegions)
	regions.Name("Small").Int(byType[coalesce.RegionSmall])
	regions.Name("Medium").Int(byType[coalesce.RegionMedium])
	regions.Name("Large").Int(byType[coalesce.RegionLarge])
	regions.End()

	pools := obj.Name("FSAPools").Array()
	for class := 0; class < fsa.PoolCount; class++ {
		pool := a.fsa.Pool(class)
		poolObj := pools.Object()
		poolObj.Name("BlockSize").Int(pool.BlockSize())
		poolObj.Name("UsedBlocks").Int(pool.UsedBlocks())
		poolObj.Name("TotalBlocks").Int(pool.Capacity())
		poolObj.End()
	}
	pools.End()

	listCounts := a.coalesce.FreeListCounts()
	lists := obj.Name("CoalesceFreeLists").Object()
	lists.Name("Small").Int(listCounts[coalesce.RegionSmall])
	lists.Name("Medium").Int(listCounts[coalesce.RegionMedium])
	lists.Name("Large").Int(listCounts[coalesce.RegionLarge])
	lists.End()

	used, capacity := a.coalesce.NodesUsed()
	nodes := obj.Name("FreeNodes").Object()
	nodes.Name("Used").Int(used)
	nodes.Name("Capacity").Int(capacity)
	nodes.End()

	obj.End()
	return string(writer.Bytes())
}

// DumpBlocks walks every commissioned region and renders each block's
// offset, size, free flag and physical-previous size as a JSON document,
// followed by a summary of the walk.
func (a *Allocator) DumpBlocks() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Initialized").Bool(a.initialized)
	if !a.initialized {
		obj.End()
		return string(writer.Bytes())
	}

	var detailed memutils.DetailedStatistics
	detailed.Clear()

	regions := obj.Name("Regions").Array()
	for _, info := range a.coalesce.Regions() {
		regionObj := regions.Object()
		regionObj.Name("Index").Int(info.Index)
		regionObj.Name("Type").String(info.Type.String())
		regionObj.Name("Size").Int(int(info.End - info.Start))

		detailed.BlockCount++
		detailed.BlockBytes += int(info.End - info.Start)

		blocks := regionObj.Name("Blocks").Array()
		_ = a.coalesce.VisitRegionBlocks(info.Index, func(block coalesce.BlockInfo) error {
			blockObj := blocks.Object()
			blockObj.Name("Offset").Int(int(block.Offset))
			blockObj.Name("Size").Int(int(block.Size))
			blockObj.Name("Free").Bool(block.Free)
			blockObj.Name("PrevSize").Int(int(block.PrevSize))
			blockObj.End()

			if block.Free {
				detailed.AddUnusedRange(int(block.Size))
			} else {
				detailed.AddAllocation(int(block.Size))
			}
			return nil
		})
		blocks.End()
		regionObj.End()
	}
	regions.End()

	summary := obj.Name("Summary").Object()
	summary.Name("RegionCount").Int(detailed.BlockCount)
	summary.Name("RegionBytes").Int(detailed.BlockBytes)
	summary.Name("AllocatedBlocks").Int(detailed.AllocationCount)
	summary.Name("AllocatedBytes").Int(detailed.AllocationBytes)
	summary.Name("FreeBlocks").Int(detailed.UnusedRangeCount)
	summary.Name("AllocationSizeMin").Int(detailed.AllocationSizeMin)
	summary.Name("AllocationSizeMax").Int(detailed.AllocationSizeMax)
	summary.Name("UnusedRangeSizeMin").Int(detailed.UnusedRangeSizeMin)
	summary.Name("UnusedRangeSizeMax").Int(detailed.UnusedRangeSizeMax)
	summary.End()

	obj.End()
	return string(writer.Bytes())
}
