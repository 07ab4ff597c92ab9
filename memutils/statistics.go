package memutils

import "math"

// Statistics is the running counter set maintained by the allocator and its
// tiers. CurrentAllocated tracks live bytes, PeakAllocated is a monotonic
// high-water mark.
type Statistics struct {
	TotalAllocations    int
	TotalFrees          int
	FSAAllocations      int
	CoalesceAllocations int
	LargeAllocations    int
	CurrentAllocated    int
	PeakAllocated       int
	RegionCount         int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// RecordAlloc counts one successful allocation of the given number of bytes.
func (s *Statistics) RecordAlloc(bytes int) {
	s.TotalAllocations++
	s.CurrentAllocated += bytes
	if s.CurrentAllocated > s.PeakAllocated {
		s.PeakAllocated = s.CurrentAllocated
	}
}

// RecordFree counts one successful free of the given number of bytes.
func (s *Statistics) RecordFree(bytes int) {
	s.TotalFrees++
	s.CurrentAllocated -= bytes
}

// DetailedStatistics accumulates per-block information during a full walk of
// the coalesce regions. Min fields start at math.MaxInt so that the first
// sample always lowers them.
type DetailedStatistics struct {
	BlockCount         int
	AllocationCount    int
	BlockBytes         int
	AllocationBytes    int
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}
