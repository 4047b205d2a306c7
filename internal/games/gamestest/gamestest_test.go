package gamestest

import (
	"testing"

	"github.com/janpfeifer/metaqp/internal/games"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	g := NewCounter(3, 2, -1)
	s := g.InitialState(1)
	assert.Equal(t, 1, s.CurrentPlayer())
	assert.Equal(t, []int{0, 1, 2}, g.LegalActions(s))

	next, reward, isTerminal, err := g.TransitionAndEvaluate(s, 2)
	require.NoError(t, err)
	assert.False(t, isTerminal)
	assert.Zero(t, reward)
	assert.Equal(t, 0, next.CurrentPlayer())
	assert.Equal(t, 1, g.Moves(next))
	assert.Equal(t, 0, g.Moves(s), "input state not modified")

	final, reward, isTerminal, err := g.TransitionAndEvaluate(next, 0)
	require.NoError(t, err)
	assert.True(t, isTerminal)
	assert.Equal(t, float32(-1), reward)
	assert.Equal(t, 0, final.CurrentPlayer(), "terminal state keeps the mover")

	_, _, _, err = g.TransitionAndEvaluate(s, 3)
	require.ErrorIs(t, err, games.ErrIllegalAction)
}

func TestFailOnMove(t *testing.T) {
	g := NewTerminating(2)
	g.FailOnMove = 1
	_, _, _, err := g.TransitionAndEvaluate(g.InitialState(0), 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, games.ErrIllegalAction)
}

func TestRepeat(t *testing.T) {
	g := NewRepeat(3, 4)
	s := g.InitialState(0)
	assert.Equal(t, -1, g.LastAction(s))

	s, reward, isTerminal, err := g.TransitionAndEvaluate(s, 2)
	require.NoError(t, err)
	assert.False(t, isTerminal)
	assert.Zero(t, reward)
	assert.Equal(t, 2, g.LastAction(s))
	assert.Equal(t, 1, s.CurrentPlayer())

	// Repeating the previous action wins.
	final, reward, isTerminal, err := g.TransitionAndEvaluate(s, 2)
	require.NoError(t, err)
	assert.True(t, isTerminal)
	assert.Equal(t, float32(1), reward)
	assert.True(t, g.IsOver(final))
	assert.Equal(t, 1, final.CurrentPlayer())
	_, _, _, err = g.TransitionAndEvaluate(final, 1)
	require.ErrorIs(t, err, games.ErrIllegalAction)

	// Action 0 wins right away.
	_, reward, isTerminal, err = g.TransitionAndEvaluate(g.InitialState(1), 0)
	require.NoError(t, err)
	assert.True(t, isTerminal)
	assert.Equal(t, float32(1), reward)

	// Draw after Length moves.
	s = g.InitialState(0)
	for ii, action := range []int{1, 2, 1, 2} {
		s, reward, isTerminal, err = g.TransitionAndEvaluate(s, action)
		require.NoError(t, err)
		assert.Equal(t, ii == 3, isTerminal)
	}
	assert.Zero(t, reward)
	assert.False(t, g.IsOver(g.InitialState(0)))
}
