package episode

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
)

// Memory is one training example collected from an N-way line of a task: the corrected
// policy the line started with, and the outcome of playing it out.
type Memory struct {
	Policy []float32

	// Result from the perspective of the task's StartingPlayer: +1 win, -1 loss, 0 draw.
	Result float32
}

// Task is a root state replicated across N-way lines, with the memories collected from each line.
type Task struct {
	ID uuid.UUID

	// State is the root state of the task.
	State *state.State

	// StartingPlayer of the match this task belongs to, fixed for the whole match.
	StartingPlayer int

	// ImprovedPolicy for the root state, the policy target used for training.
	ImprovedPolicy []float32

	// Memories are only filled when the episode is finalized: during the episode they are kept in slots.
	Memories []Memory

	// slots hold one entry per N-way line, while the episode is running.
	slots []memorySlot
}

// memorySlot is an optional memory: absent for lines that were already done when the task was built.
// A present slot must be resolved (have its result recorded) before the episode is finalized.
type memorySlot struct {
	present, resolved bool
	memory            Memory
}

// newTask creates a task for the given root state, with no memory slots yet.
func newTask(root *state.State, startingPlayer int, nWay int) *Task {
	return &Task{
		ID:             uuid.New(),
		State:          root.Clone(),
		StartingPlayer: startingPlayer,
		slots:          make([]memorySlot, 0, nWay),
	}
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	if t == nil {
		return "<nil task>"
	}
	return fmt.Sprintf("Task(%s, starting=%d, %d memories)", t.ID, t.StartingPlayer, len(t.Memories))
}

// addPresent adds a memory slot with the given starting policy.
func (t *Task) addPresent(policy []float32) {
	t.slots = append(t.slots, memorySlot{present: true, memory: Memory{Policy: policy}})
}

// addAbsent adds the sentinel slot for a line that was already done.
func (t *Task) addAbsent() {
	t.slots = append(t.slots, memorySlot{})
}

// resolve records the result of the given line.
func (t *Task) resolve(line int, result float32) error {
	if line < 0 || line >= len(t.slots) {
		return errors.Errorf("%s: line %d out of range (%d slots)", t, line, len(t.slots))
	}
	slot := &t.slots[line]
	if !slot.present {
		return errors.Errorf("%s: result %g recorded for line %d, which was already done when the task was built",
			t, result, line)
	}
	slot.memory.Result = result
	slot.resolved = true
	return nil
}

// finalize strips the absent slots and moves the present ones to Memories.
// It returns an error if a present slot was never resolved.
func (t *Task) finalize() error {
	t.Memories = make([]Memory, 0, len(t.slots))
	for line, slot := range t.slots {
		if !slot.present {
			continue
		}
		if !slot.resolved {
			return errors.Errorf("%s: line %d finished the episode without a result", t, line)
		}
		t.Memories = append(t.Memories, slot.memory)
	}
	t.slots = nil
	return nil
}
