package episode

import (
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
)

// TaskBatch is the set of trajectory slots played concurrently in an episode: contiguous groups
// of nWay slots belong to the same task.
//
// isDone is monotonic (false to true), except for the re-seed step of the match (see reseed).
// numDone always equals the number of true entries in isDone.
type TaskBatch struct {
	nWay    int
	states  []*state.State
	plies   []int
	isDone  []bool
	numDone int

	// tasks has one entry per group of nWay slots, nil if the task was already finished when the batch was built.
	tasks []*Task
}

// Size returns the number of slots.
func (b *TaskBatch) Size() int { return len(b.states) }

// NumTasks returns the number of tasks (groups of nWay slots).
func (b *TaskBatch) NumTasks() int { return len(b.tasks) }

// TaskOf returns the task index and the line (index within the task) of the slot.
func (b *TaskBatch) TaskOf(slot int) (taskIdx, line int) {
	return slot / b.nWay, slot % b.nWay
}

// liveView returns the live slots, in ascending order.
func (b *TaskBatch) liveView() []int {
	live := make([]int, 0, b.Size()-b.numDone)
	for slot, done := range b.isDone {
		if !done {
			live = append(live, slot)
		}
	}
	return live
}

// markDone marks the slot as done, and updates numDone.
func (b *TaskBatch) markDone(slot int) error {
	if b.isDone[slot] {
		return errors.Errorf("slot %d marked as done twice", slot)
	}
	b.isDone[slot] = true
	b.numDone++
	return nil
}

// reseed fills the just finished slot with the first live slot after it in the same task: that slot is marked
// as done and its state and ply are moved into slot, which becomes live again.
//
// It returns false, and changes nothing, if there are no live slots after slot in the task.
func (b *TaskBatch) reseed(slot int) bool {
	taskIdx, _ := b.TaskOf(slot)
	end := (taskIdx + 1) * b.nWay
	for source := slot + 1; source < end; source++ {
		if b.isDone[source] {
			continue
		}
		b.isDone[source] = true
		b.isDone[slot] = false
		b.states[slot] = b.states[source]
		b.plies[slot] = b.plies[source]
		return true
	}
	return false
}

// clone returns a copy of the batch sharing the tasks: states are not deep copied, since transitions never
// modify them in place.
func (b *TaskBatch) clone() *TaskBatch {
	return &TaskBatch{
		nWay:    b.nWay,
		states:  append([]*state.State(nil), b.states...),
		plies:   append([]int(nil), b.plies...),
		isDone:  append([]bool(nil), b.isDone...),
		numDone: b.numDone,
		tasks:   b.tasks,
	}
}
