package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindPlacementMostFreeCapacity(t *testing.T) {
	nodes := []*Node{
		{ID: "n1", Status: NodeActive, CapacityMB: 4096, UsedMB: 3000},
		{ID: "n2", Status: NodeActive, CapacityMB: 8192, UsedMB: 1000},
	}
	id, ok := FindPlacement(nodes, 100)
	assert.True(t, ok)
	assert.Equal(t, "n2", id)
}

func TestFindPlacementTieBreaksByID(t *testing.T) {
	nodes := []*Node{
		{ID: "n2", Status: NodeActive, CapacityMB: 4096, UsedMB: 2096},
		{ID: "n1", Status: NodeActive, CapacityMB: 4096, UsedMB: 2096},
	}
	id, ok := FindPlacement(nodes, 100)
	assert.True(t, ok)
	assert.Equal(t, "n1", id)
}

func TestFindPlacementExcludesNonActive(t *testing.T) {
	nodes := []*Node{
		{ID: "n1", Status: NodeReturning, CapacityMB: 8192, UsedMB: 0},
		{ID: "n2", Status: NodeRecovering, CapacityMB: 8192, UsedMB: 0},
	}
	_, ok := FindPlacement(nodes, 100)
	assert.False(t, ok)
}

func TestFindPlacementNoCapacity(t *testing.T) {
	nodes := []*Node{
		{ID: "n1", Status: NodeActive, CapacityMB: 4096, UsedMB: 4050},
	}
	_, ok := FindPlacement(nodes, 100)
	assert.False(t, ok)
}
