package fsa_test

import (
	"testing"
	"unsafe"

	"github.com/memkit/tieralloc/fsa"
	"github.com/memkit/tieralloc/memutils"
	"github.com/stretchr/testify/require"
)

// newTier backs a tier with an ordinary heap buffer; the tier only cares
// that the base is 8-byte aligned.
func newTier(t *testing.T, size uintptr) (*fsa.Tier, uintptr) {
	buf := make([]byte, size+memutils.Alignment)
	base := memutils.AlignUp(uintptr(unsafe.Pointer(&buf[0])), uintptr(memutils.Alignment))

	t.Cleanup(func() {
		// keep the backing buffer alive for the duration of the test
		_ = buf
	})

	return fsa.NewTier(base, size), base
}

func TestSizeClass(t *testing.T) {
	cases := []struct {
		alignedSize uintptr
		class       int
	}{
		{8, 0},
		{16, 0},
		{24, 1},
		{32, 1},
		{40, 2},
		{64, 2},
		{72, 3},
		{128, 3},
		{136, 4},
		{256, 4},
		{264, 5},
		{512, 5},
		{520, fsa.PoolCount},
		{1 << 20, fsa.PoolCount},
	}

	for _, c := range cases {
		require.Equal(t, c.class, fsa.SizeClass(c.alignedSize), "aligned size %d", c.alignedSize)
	}
}

func TestPoolAllocFree(t *testing.T) {
	tier, base := newTier(t, 6*1024)

	pool := tier.Pool(0)
	capacity := pool.Capacity()
	require.NotZero(t, capacity)
	require.Equal(t, capacity, pool.FreeBlocks())

	p := tier.Alloc(0)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%8)
	require.Zero(t, (uintptr(p)-base)%16)
	require.Equal(t, 1, pool.UsedBlocks())
	require.Equal(t, capacity-1, pool.FreeBlocks())

	blockSize, ok := tier.Free(uintptr(p))
	require.True(t, ok)
	require.Equal(t, 16, blockSize)
	require.Zero(t, pool.UsedBlocks())
	require.Equal(t, capacity, pool.FreeBlocks())
}

func TestPoolLIFO(t *testing.T) {
	tier, _ := newTier(t, 6*1024)

	first := tier.Alloc(0)
	second := tier.Alloc(0)
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.NotEqual(t, first, second)

	// threading left the highest slot on top of the stack, so consecutive
	// allocations walk the pool downward through memory
	require.Equal(t, uintptr(first)-16, uintptr(second))

	_, ok := tier.Free(uintptr(second))
	require.True(t, ok)

	third := tier.Alloc(0)
	require.Equal(t, second, third)
}

func TestPoolExhaustion(t *testing.T) {
	tier, _ := newTier(t, 6*64)

	pool := tier.Pool(5)
	require.Zero(t, pool.Capacity())
	require.Nil(t, tier.Alloc(5))

	pool = tier.Pool(0)
	capacity := pool.Capacity()
	var allocs []unsafe.Pointer
	for i := 0; i < capacity; i++ {
		p := tier.Alloc(0)
		require.NotNil(t, p)
		allocs = append(allocs, p)
	}
	require.Nil(t, tier.Alloc(0))

	for _, p := range allocs {
		_, ok := tier.Free(uintptr(p))
		require.True(t, ok)
	}
	require.Equal(t, capacity, pool.FreeBlocks())
}

func TestTierFreeClassification(t *testing.T) {
	tier, _ := newTier(t, 6*4096)

	var pointers [fsa.PoolCount]unsafe.Pointer
	for class := 0; class < fsa.PoolCount; class++ {
		pointers[class] = tier.Alloc(class)
		require.NotNil(t, pointers[class])
	}

	for class := 0; class < fsa.PoolCount; class++ {
		blockSize, ok := tier.Free(uintptr(pointers[class]))
		require.True(t, ok)
		require.Equal(t, int(fsa.Sizes[class]), blockSize)
	}

	_, ok := tier.Free(0x1000)
	require.False(t, ok)
}

func TestAccountingInvariant(t *testing.T) {
	tier, _ := newTier(t, 6*1024)

	for class := 0; class < fsa.PoolCount; class++ {
		pool := tier.Pool(class)
		require.Equal(t, pool.Capacity(), pool.UsedBlocks()+pool.FreeBlocks())
	}

	p := tier.Alloc(1)
	require.NotNil(t, p)
	pool := tier.Pool(1)
	require.Equal(t, pool.Capacity(), pool.UsedBlocks()+pool.FreeBlocks())
}
