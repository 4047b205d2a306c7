package state_test

import (
	"testing"

	. "github.com/janpfeifer/metaqp/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testShape = Shape{Channels: 3, Rows: 2, Cols: 3}

func TestShape(t *testing.T) {
	assert.Equal(t, 18, testShape.Size())
	assert.Equal(t, 6, testShape.PlaneSize())
	assert.Equal(t, "[3 x 2 x 3]", testShape.String())
}

func TestCloneIsDeep(t *testing.T) {
	s := New(testShape, 2)
	s.Set(0, 1, 2, 1)
	s2 := s.Clone()
	require.Equal(t, s, s2)
	require.NotSame(t, s, s2)

	s2.Set(0, 1, 2, 0)
	assert.Equal(t, float32(1), s.At(0, 1, 2), "changing the clone must not change the original")
	assert.NotEqual(t, s, s2)
}

func TestCurrentPlayer(t *testing.T) {
	s := New(testShape, 2)
	assert.Equal(t, 0, s.CurrentPlayer())
	s.SetCurrentPlayer(1)
	assert.Equal(t, 1, s.CurrentPlayer())
	for _, v := range s.Plane(2) {
		assert.Equal(t, float32(1), v)
	}
	// Other planes untouched.
	for _, v := range s.Plane(0) {
		assert.Equal(t, float32(0), v)
	}
}

func TestLeading(t *testing.T) {
	s := New(testShape, 2)
	s.Set(1, 0, 0, 1)
	s.SetCurrentPlayer(1)
	view := s.Leading(2)
	assert.Equal(t, Shape{Channels: 2, Rows: 2, Cols: 3}, view.Shape)
	assert.Equal(t, -1, view.PlayerChannel)
	assert.Len(t, view.Data, 12)
	assert.Equal(t, float32(1), view.At(1, 0, 0))
	assert.Panics(t, func() { s.Leading(4) })
	assert.Panics(t, func() { view.CurrentPlayer() })
}

func TestFlatBatch(t *testing.T) {
	s0 := New(testShape, 2)
	s1 := New(testShape, 2)
	s1.SetCurrentPlayer(1)
	flat := FlatBatch([]*State{s0, s1})
	require.Len(t, flat, 2*testShape.Size())
	assert.Equal(t, float32(0), flat[testShape.Size()-1])
	assert.Equal(t, float32(1), flat[2*testShape.Size()-1])
	assert.Nil(t, FlatBatch(nil))
}
