package memutils_test

import (
	"testing"

	"github.com/memkit/tieralloc/memutils"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 8, memutils.AlignUp(8, 8))
	require.Equal(t, 16, memutils.AlignUp(9, 8))
	require.Equal(t, uintptr(4096), memutils.AlignUp(uintptr(1), uintptr(4096)))
	require.Equal(t, uintptr(8192), memutils.AlignUp(uintptr(4097), uintptr(4096)))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(7, 8))
	require.Equal(t, 8, memutils.AlignDown(8, 8))
	require.Equal(t, 8, memutils.AlignDown(15, 8))
	require.Equal(t, uintptr(4096), memutils.AlignDown(uintptr(8191), uintptr(4096)))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(256, "value"))
	require.NoError(t, memutils.CheckPow2(uintptr(4096), "value"))

	err := memutils.CheckPow2(257, "value")
	require.Error(t, err)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestStatisticsRecord(t *testing.T) {
	var stats memutils.Statistics
	stats.Clear()

	stats.RecordAlloc(100)
	stats.RecordAlloc(50)
	require.Equal(t, 2, stats.TotalAllocations)
	require.Equal(t, 150, stats.CurrentAllocated)
	require.Equal(t, 150, stats.PeakAllocated)

	stats.RecordFree(100)
	require.Equal(t, 1, stats.TotalFrees)
	require.Equal(t, 50, stats.CurrentAllocated)
	require.Equal(t, 150, stats.PeakAllocated)

	stats.RecordAlloc(25)
	require.Equal(t, 150, stats.PeakAllocated)
}

func TestDetailedStatistics(t *testing.T) {
	var detailed memutils.DetailedStatistics
	detailed.Clear()

	detailed.AddAllocation(100)
	detailed.AddAllocation(700)
	detailed.AddUnusedRange(64)

	require.Equal(t, 2, detailed.AllocationCount)
	require.Equal(t, 800, detailed.AllocationBytes)
	require.Equal(t, 100, detailed.AllocationSizeMin)
	require.Equal(t, 700, detailed.AllocationSizeMax)
	require.Equal(t, 1, detailed.UnusedRangeCount)
	require.Equal(t, 64, detailed.UnusedRangeSizeMin)
	require.Equal(t, 64, detailed.UnusedRangeSizeMax)
}
