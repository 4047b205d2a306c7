package memories

import (
	"math/rand/v2"
	"testing"

	"github.com/google/uuid"
	"github.com/janpfeifer/metaqp/internal/episode"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTasks(n int) []*episode.Task {
	tasks := make([]*episode.Task, n)
	for ii := range tasks {
		s := state.New(state.Shape{Channels: 3, Rows: 1, Cols: 3}, 2)
		s.Data[0] = float32(ii)
		tasks[ii] = &episode.Task{
			ID:             uuid.New(),
			State:          s,
			StartingPlayer: ii % 2,
			ImprovedPolicy: []float32{0.5, 0.5, 0},
			Memories: []episode.Memory{
				{Policy: []float32{1, 0, 0}, Result: 1},
				{Policy: []float32{0, 1, 0}, Result: -1},
			},
		}
	}
	return tasks
}

func TestStoreFIFO(t *testing.T) {
	store := New(3)
	tasks := makeTasks(5)
	store.Append(tasks[:2]...)
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 4, store.NumMemories())

	store.Append(tasks[2:]...)
	require.Equal(t, 3, store.Len())
	assert.Equal(t, tasks[2:], store.Tasks(), "oldest tasks are evicted first")
	assert.Equal(t, 2, store.Evicted)
}

func TestStoreSample(t *testing.T) {
	store := New(10)
	store.Append(makeTasks(6)...)
	rng := rand.New(rand.NewPCG(42, 0))
	sample := store.Sample(4, rng)
	require.Len(t, sample, 4)
	seen := make(map[uuid.UUID]bool)
	for _, task := range sample {
		assert.False(t, seen[task.ID], "sampled task twice")
		seen[task.ID] = true
	}
	assert.Len(t, store.Sample(100, rng), 6)
	assert.Empty(t, New(1).Sample(3, rng))
}

func TestDBSaveAndLoad(t *testing.T) {
	for _, dir := range []string{"", t.TempDir()} {
		db, err := OpenDB(dir)
		require.NoError(t, err)

		store := New(10)
		tasks := makeTasks(4)
		store.Append(tasks...)
		require.NoError(t, db.Save(store))

		// Saving again replaces the previous contents.
		store.Append(makeTasks(1)...)
		require.NoError(t, db.Save(store))

		loaded, err := db.Load(10)
		require.NoError(t, err)
		require.Equal(t, 5, loaded.Len())
		for ii, task := range tasks {
			got := loaded.Tasks()[ii]
			assert.Equal(t, task.ID, got.ID)
			assert.Equal(t, task.State, got.State)
			assert.Equal(t, task.StartingPlayer, got.StartingPlayer)
			assert.Equal(t, task.ImprovedPolicy, got.ImprovedPolicy)
			assert.Equal(t, task.Memories, got.Memories)
		}

		// Loading into a smaller store keeps only the newest.
		small, err := db.Load(2)
		require.NoError(t, err)
		assert.Equal(t, 2, small.Len())
		assert.Equal(t, loaded.Tasks()[3:], small.Tasks(), "dir=%q", dir)
		require.NoError(t, db.Close())
	}
}

func TestDBInterruptedSave(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenDB(dir)
	require.NoError(t, err)
	store := New(10)
	store.Append(makeTasks(3)...)
	require.NoError(t, db.Save(store))

	// A save that wrote the next generation but never switched to it leaves the saved tasks in place.
	gen, err := db.generation()
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)
	partial := New(10)
	partial.Append(makeTasks(1)...)
	require.NoError(t, db.writeGeneration(gen+1, partial))
	require.NoError(t, db.Close())

	db, err = OpenDB(dir)
	require.NoError(t, err)
	loaded, err := db.Load(10)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())
	for ii, task := range store.Tasks() {
		assert.Equal(t, task.ID, loaded.Tasks()[ii].ID)
	}

	// The next save overwrites the leftovers.
	store.Append(makeTasks(2)...)
	require.NoError(t, db.Save(store))
	loaded, err = db.Load(10)
	require.NoError(t, err)
	require.Equal(t, 5, loaded.Len())
	assert.Equal(t, store.Tasks()[4].ID, loaded.Tasks()[4].ID)
	require.NoError(t, db.Close())
}
