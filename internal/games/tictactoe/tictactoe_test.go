package tictactoe

import (
	"testing"

	"github.com/janpfeifer/metaqp/internal/games"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialState(t *testing.T) {
	g := New()
	s := g.InitialState(1)
	assert.Equal(t, 1, s.CurrentPlayer())
	assert.Len(t, g.LegalActions(s.Leading(LegalityChannels)), 9)
}

func TestPlayToWin(t *testing.T) {
	g := New()
	s := g.InitialState(0)
	// X: 0, 1, 2 (top row); O: 3, 4.
	var reward float32
	var isTerminal bool
	var err error
	for ii, action := range []int{0, 3, 1, 4} {
		s, reward, isTerminal, err = g.TransitionAndEvaluate(s, action)
		require.NoError(t, err)
		require.False(t, isTerminal, "move #%d", ii)
		require.Equal(t, float32(0), reward)
	}
	assert.Equal(t, 0, s.CurrentPlayer())
	assert.Equal(t, []int{2, 5, 6, 7, 8}, g.LegalActions(s.Leading(LegalityChannels)))

	s, reward, isTerminal, err = g.TransitionAndEvaluate(s, 2)
	require.NoError(t, err)
	assert.True(t, isTerminal)
	assert.Equal(t, float32(1), reward)
	assert.Equal(t, 0, s.CurrentPlayer(), "terminal state keeps the mover as current player")
	assert.Empty(t, g.LegalActions(s.Leading(LegalityChannels)))
	assert.Equal(t, "XXX\nOO.\n...\n", g.Render(s))
}

func TestDraw(t *testing.T) {
	g := New()
	s := g.InitialState(0)
	// X O X / X O O / O X X
	moves := []int{0, 1, 2, 4, 3, 5, 7, 6, 8}
	var reward float32
	var isTerminal bool
	var err error
	for ii, action := range moves {
		s, reward, isTerminal, err = g.TransitionAndEvaluate(s, action)
		require.NoError(t, err)
		require.Equal(t, ii == len(moves)-1, isTerminal, "move #%d", ii)
	}
	assert.Equal(t, float32(0), reward)
}

func TestIllegalActions(t *testing.T) {
	g := New()
	s := g.InitialState(0)
	next, _, _, err := g.TransitionAndEvaluate(s, 4)
	require.NoError(t, err)
	_, _, _, err = g.TransitionAndEvaluate(next, 4)
	require.ErrorIs(t, err, games.ErrIllegalAction)
	_, _, _, err = g.TransitionAndEvaluate(next, 9)
	require.ErrorIs(t, err, games.ErrIllegalAction)
	// Original state not modified.
	assert.Equal(t, float32(0), s.Plane(0)[4])
}

func TestLegalActionsAfterMove(t *testing.T) {
	g := New()
	s := g.InitialState(0)
	s, _, _, _ = g.TransitionAndEvaluate(s, 0)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, g.LegalActions(s.Leading(LegalityChannels)))
}
