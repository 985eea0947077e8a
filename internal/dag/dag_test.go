package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleTaskNoDependencies(t *testing.T) {
	d, err := Build([]Node{{ID: 1, Status: StatusTodo}})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, d.Ready(map[int]bool{}))
	assert.Equal(t, []int{1}, d.TopoSort())
}

func TestTwoNodeCycleFailsClosed(t *testing.T) {
	_, err := Build([]Node{
		{ID: 1, Status: StatusTodo, DependsOn: []int{2}},
		{ID: 2, Status: StatusTodo, DependsOn: []int{1}},
	})
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Path, 1)
	assert.Contains(t, cycleErr.Path, 2)
}

func TestMissingDependencyFailsClosed(t *testing.T) {
	_, err := Build([]Node{{ID: 1, Status: StatusTodo, DependsOn: []int{99}}})
	require.Error(t, err)

	var missingErr *MissingDependencyError
	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, 99, missingErr.Missing)
}

// TestDiamondDependencyReadyFrontier mirrors the parallel-dispatch scenario
// from spec.md §8 scenario 5: 1<-2, 1<-3, 2<-4, 3<-5, 4<-6, 5<-7, (6,7)<-8.
func TestDiamondDependencyReadyFrontier(t *testing.T) {
	d, err := Build([]Node{
		{ID: 1, Status: StatusTodo},
		{ID: 2, Status: StatusTodo, DependsOn: []int{1}},
		{ID: 3, Status: StatusTodo, DependsOn: []int{1}},
		{ID: 4, Status: StatusTodo, DependsOn: []int{2}},
		{ID: 5, Status: StatusTodo, DependsOn: []int{3}},
		{ID: 6, Status: StatusTodo, DependsOn: []int{4}},
		{ID: 7, Status: StatusTodo, DependsOn: []int{5}},
		{ID: 8, Status: StatusTodo, DependsOn: []int{6, 7}},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, d.Ready(map[int]bool{}))
	assert.Equal(t, []int{2, 3}, d.Ready(map[int]bool{1: true}))
	assert.NotContains(t, d.Ready(map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true}), 8)
	assert.Contains(t, d.Ready(map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true}), 8)
}

func TestTopoSortTieBreaksByAscendingID(t *testing.T) {
	d, err := Build([]Node{
		{ID: 3, Status: StatusTodo},
		{ID: 1, Status: StatusTodo},
		{ID: 2, Status: StatusTodo},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, d.TopoSort())
}

func TestReadyExcludesTerminalStatuses(t *testing.T) {
	d, err := Build([]Node{
		{ID: 1, Status: StatusDone},
		{ID: 2, Status: StatusArchived},
		{ID: 3, Status: StatusTodo, DependsOn: []int{1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, d.Ready(map[int]bool{1: true}))
}
