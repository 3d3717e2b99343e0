package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAligns(t *testing.T) {
	a := New(0, 1<<20)
	addr, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), addr)

	addr2, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), addr2, "second allocation should land on the next aligned slot")
}

func TestAllocateBestFit(t *testing.T) {
	a := New(0, 4096)
	// Carve out three allocations, free the middle one, then request a
	// size that both the 256-byte middle hole and the larger free tail
	// fit; best-fit must pick the smaller middle hole.
	p1, err := a.Allocate(512)
	require.NoError(t, err)
	_, err = a.Allocate(256)
	require.NoError(t, err)
	p3, err := a.Allocate(512)
	require.NoError(t, err)
	_ = p1
	_ = p3

	p2 := p1 + 512
	a.Deallocate(p2)
	addr, err := a.Allocate(200)
	require.NoError(t, err)
	assert.Equal(t, p2, addr, "best-fit should reuse the freed middle hole")
}

func TestDeallocateMergesNeighbors(t *testing.T) {
	a := New(0, 4096)
	p1, err := a.Allocate(512)
	require.NoError(t, err)
	p2, err := a.Allocate(512)
	require.NoError(t, err)
	p3, err := a.Allocate(512)
	require.NoError(t, err)

	a.Deallocate(p1)
	a.Deallocate(p2)
	a.Deallocate(p3)

	assert.Equal(t, 1, a.NodeCount(), "merging every free neighbor should leave a single node")
	info := a.FragmentationInfo()
	assert.Equal(t, uint64(4096), info.TotalFree)
}

func TestDeallocateUnknownAddressIsNoop(t *testing.T) {
	a := New(0, 4096)
	assert.False(t, a.Deallocate(9999))
}

func TestBackwardAllocateSplitsFromTop(t *testing.T) {
	a := New(0, 4096)
	addr, err := a.BackwardAllocate(512)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096-512), addr)

	// The remaining free space should still be allocatable from the bottom.
	addr2, err := a.Allocate(512)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), addr2)
}

func TestAllocateOOM(t *testing.T) {
	a := New(0, 1024)
	_, err := a.Allocate(2048)
	assert.Error(t, err, "an allocation larger than the arena must fail")
}

func TestFragmentationRatio(t *testing.T) {
	a := New(0, 1000)
	_, err := a.Allocate(100)
	require.NoError(t, err)

	info := a.FragmentationInfo()
	require.Equal(t, 1, info.Count)
	assert.Zero(t, info.Ratio, "a single free node has no fragmentation")
}

func TestCompactCoalescesWithoutRelocating(t *testing.T) {
	a := New(0, 4096)
	p1, err := a.Allocate(512)
	require.NoError(t, err)
	p2, err := a.Allocate(512)
	require.NoError(t, err)
	p3, err := a.Allocate(512)
	require.NoError(t, err)

	a.Deallocate(p1)
	a.Deallocate(p3)
	before := a.NodeCount()
	a.Compact()
	after := a.NodeCount()
	assert.LessOrEqual(t, after, before, "Compact must not grow the node count")

	addr, err := a.Allocate(10)
	require.NoError(t, err)
	assert.NotEqual(t, p2, addr, "compact must not relocate the still-busy middle allocation")
}

func TestUsedSizeInvariant(t *testing.T) {
	a := New(0, 4096)
	p1, err := a.Allocate(300)
	require.NoError(t, err)
	_, err = a.Allocate(500)
	require.NoError(t, err)
	assert.Equal(t, align(300)+align(500), a.UsedSize())

	a.Deallocate(p1)
	assert.Equal(t, align(500), a.UsedSize())
}
