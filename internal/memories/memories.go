// Package memories implements the experience store: a bounded FIFO of the tasks finalized by the
// self-play episodes, from which the trainer samples its minibatches.
package memories

import (
	"math/rand/v2"

	"github.com/janpfeifer/metaqp/internal/episode"
	"k8s.io/klog/v2"
)

// Store of finalized tasks, oldest first, bounded to MaxTasks. It implements episode.TaskRecorder.
//
// It is not safe for concurrent use.
type Store struct {
	maxTasks int
	tasks    []*episode.Task

	// Evicted counts the tasks dropped to keep the store within its capacity.
	Evicted int
}

// Assert Store is an episode.TaskRecorder.
var _ episode.TaskRecorder = (*Store)(nil)

// New creates an empty store holding up to maxTasks tasks.
func New(maxTasks int) *Store {
	if maxTasks <= 0 {
		klog.Fatalf("memories.New: maxTasks=%d must be > 0", maxTasks)
	}
	return &Store{maxTasks: maxTasks}
}

// MaxTasks returns the capacity of the store.
func (s *Store) MaxTasks() int { return s.maxTasks }

// Len returns the number of tasks stored.
func (s *Store) Len() int { return len(s.tasks) }

// NumMemories returns the total number of memories of the stored tasks.
func (s *Store) NumMemories() (count int) {
	for _, task := range s.tasks {
		count += len(task.Memories)
	}
	return
}

// Tasks returns the stored tasks, oldest first. The returned slice must not be modified.
func (s *Store) Tasks() []*episode.Task { return s.tasks }

// Append implements episode.TaskRecorder: it appends the tasks and, if over capacity, evicts the oldest ones.
func (s *Store) Append(tasks ...*episode.Task) {
	s.tasks = append(s.tasks, tasks...)
	if overflow := len(s.tasks) - s.maxTasks; overflow > 0 {
		// Copy to a new slice, so the evicted tasks can be garbage collected.
		s.tasks = append([]*episode.Task(nil), s.tasks[overflow:]...)
		s.Evicted += overflow
		klog.V(2).Infof("Experience store evicted %d oldest tasks", overflow)
	}
}

// Sample returns n distinct tasks drawn uniformly, or all of them (shuffled) if the store has fewer than n.
func (s *Store) Sample(n int, rng *rand.Rand) []*episode.Task {
	n = min(n, len(s.tasks))
	sample := make([]*episode.Task, n)
	for ii, idx := range rng.Perm(len(s.tasks))[:n] {
		sample[ii] = s.tasks[idx]
	}
	return sample
}
