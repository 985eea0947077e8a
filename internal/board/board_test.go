package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNonArchivedDone(t *testing.T) {
	p := Phase{Tasks: []Task{
		{ID: 1, Status: StatusDone},
		{ID: 2, Status: StatusArchived},
	}}
	assert.True(t, p.NonArchivedDone())

	p.Tasks = append(p.Tasks, Task{ID: 3, Status: StatusTodo})
	assert.False(t, p.NonArchivedDone())
}

func TestMilestoneTaskRequiresDoneAndTag(t *testing.T) {
	p := Phase{Tasks: []Task{
		{ID: 1, Status: StatusTodo, Tags: []string{MilestoneTag}},
		{ID: 2, Status: StatusDone, Tags: []string{"feature"}},
	}}
	_, ok := p.MilestoneTask()
	assert.False(t, ok)

	p.Tasks[0].Status = StatusDone
	got, ok := p.MilestoneTask()
	assert.True(t, ok)
	assert.Equal(t, 1, got.ID)
}

func TestDoneIDs(t *testing.T) {
	p := Phase{Tasks: []Task{
		{ID: 1, Status: StatusDone},
		{ID: 2, Status: StatusTodo},
		{ID: 3, Status: StatusDone},
	}}
	ids := p.DoneIDs()
	assert.True(t, ids[1])
	assert.False(t, ids[2])
	assert.True(t, ids[3])
}
