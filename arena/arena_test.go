package arena_test

import (
	"testing"
	"unsafe"

	"github.com/memkit/tieralloc/arena"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func ptrOf(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func mapArena(t *testing.T) *arena.Arena {
	if unix.Getpagesize() != arena.PageSize {
		t.Skipf("allocator requires a %d-byte page size", arena.PageSize)
	}

	a, err := arena.Map()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.Unmap())
	})
	return a
}

func TestMapLayout(t *testing.T) {
	a := mapArena(t)

	require.NotZero(t, a.UsableStart())
	require.Zero(t, a.UsableStart()%arena.PageSize)
	require.Equal(t, uintptr(arena.TotalSize-2*arena.PageSize), a.UsableSize())
	require.Zero(t, a.Offset())
}

func TestCarveAlignment(t *testing.T) {
	a := mapArena(t)

	first, err := a.Carve(10)
	require.NoError(t, err)
	require.Equal(t, a.UsableStart(), first)

	second, err := a.Carve(24)
	require.NoError(t, err)
	require.Equal(t, first+16, second)
	require.Zero(t, second%8)
	require.Equal(t, a.UsableSize()-40, a.Remaining())

	// carved memory is writable
	*(*uint64)(ptrOf(second)) = 0xABCD
	require.Equal(t, uint64(0xABCD), *(*uint64)(ptrOf(second)))
}

func TestCarveExhaustion(t *testing.T) {
	a := mapArena(t)

	_, err := a.Carve(a.UsableSize() + 1)
	require.Error(t, err)
	require.ErrorIs(t, err, arena.ErrExhausted)

	// the failed carve must not consume space
	addr, err := a.Carve(a.UsableSize())
	require.NoError(t, err)
	require.Equal(t, a.UsableStart(), addr)

	_, err = a.Carve(1)
	require.ErrorIs(t, err, arena.ErrExhausted)
}

func TestUnmapIdempotent(t *testing.T) {
	if unix.Getpagesize() != arena.PageSize {
		t.Skipf("allocator requires a %d-byte page size", arena.PageSize)
	}

	a, err := arena.Map()
	require.NoError(t, err)

	require.NoError(t, a.Unmap())
	require.NoError(t, a.Unmap())

	_, err = a.Carve(8)
	require.ErrorIs(t, err, arena.ErrExhausted)
}
