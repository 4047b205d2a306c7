// Package gamestest provides trivial games.Game implementations to test the scheduler and trainers.
package gamestest

import (
	"fmt"

	"github.com/janpfeifer/metaqp/internal/games"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
)

// Counter is a game with no strategy: every action is legal, and the game ends after Length moves.
//
// Channel 0 counts the moves played so far (every cell holds the count), the last channel is the player marker.
// On the final move it returns Reward (from the perspective of the mover, which stays as the current player).
type Counter struct {
	Board      state.Shape
	Actions    int
	Length     int
	Reward     float32
	FailOnMove int // If > 0, the move with this number (1-based) returns an error.
}

var _ games.Game = (*Counter)(nil)

// NewTerminating returns a Counter game that ends on the first move with a win for the mover.
func NewTerminating(numActions int) *Counter {
	return &Counter{
		Board:   state.Shape{Channels: 3, Rows: 1, Cols: numActions},
		Actions: numActions,
		Length:  1,
		Reward:  1,
	}
}

// NewCounter returns a Counter game that ends after length moves, with the given final reward.
func NewCounter(numActions, length int, reward float32) *Counter {
	g := NewTerminating(numActions)
	g.Length = length
	g.Reward = reward
	return g
}

// String implements games.Game.
func (g *Counter) String() string {
	return fmt.Sprintf("counter(actions=%d,length=%d,reward=%g)", g.Actions, g.Length, g.Reward)
}

// Shape implements games.Game.
func (g *Counter) Shape() state.Shape { return g.Board }

// PlayerChannel implements games.Game.
func (g *Counter) PlayerChannel() int { return g.Board.Channels - 1 }

// NumActions implements games.Game.
func (g *Counter) NumActions() int { return g.Actions }

// InitialState implements games.Game.
func (g *Counter) InitialState(startingPlayer int) *state.State {
	s := state.New(g.Board, g.PlayerChannel())
	s.SetCurrentPlayer(startingPlayer)
	return s
}

// LegalActions implements games.Game: all actions are always legal.
func (g *Counter) LegalActions(_ *state.State) []int {
	actions := make([]int, g.Actions)
	for ii := range actions {
		actions[ii] = ii
	}
	return actions
}

// Moves returns the number of moves played to reach s.
func (g *Counter) Moves(s *state.State) int {
	return int(s.Data[0])
}

// TransitionAndEvaluate implements games.Game.
func (g *Counter) TransitionAndEvaluate(s *state.State, action int) (next *state.State, reward float32, isTerminal bool, err error) {
	if action < 0 || action >= g.Actions {
		return nil, 0, false, errors.Wrapf(games.ErrIllegalAction, "action %d out of range", action)
	}
	moves := g.Moves(s) + 1
	if g.FailOnMove > 0 && moves == g.FailOnMove {
		return nil, 0, false, errors.Errorf("counter game configured to fail on move %d", moves)
	}
	next = s.Clone()
	plane := next.Plane(0)
	for ii := range plane {
		plane[ii] = float32(moves)
	}
	if moves >= g.Length {
		return next, g.Reward, true, nil
	}
	next.SetCurrentPlayer(1 - s.CurrentPlayer())
	return next, 0, false, nil
}

// Repeat is a game where every action is legal, and the game ends with a win for the mover when it plays
// action 0 or repeats the previous action. Otherwise it ends in a draw after Length moves.
//
// Channel 0 holds the number of moves, channel 1 the previous action plus one (0 before the first move),
// channel 2 is set once the game is over, and the last channel is the player marker.
type Repeat struct {
	Actions int
	Length  int
}

var _ games.Game = (*Repeat)(nil)

// NewRepeat returns a Repeat game with numActions actions, that ends in a draw after length moves.
func NewRepeat(numActions, length int) *Repeat {
	return &Repeat{Actions: numActions, Length: length}
}

// String implements games.Game.
func (g *Repeat) String() string {
	return fmt.Sprintf("repeat(actions=%d,length=%d)", g.Actions, g.Length)
}

// Shape implements games.Game.
func (g *Repeat) Shape() state.Shape { return state.Shape{Channels: 4, Rows: 1, Cols: g.Actions} }

// PlayerChannel implements games.Game.
func (g *Repeat) PlayerChannel() int { return 3 }

// NumActions implements games.Game.
func (g *Repeat) NumActions() int { return g.Actions }

// InitialState implements games.Game.
func (g *Repeat) InitialState(startingPlayer int) *state.State {
	s := state.New(g.Shape(), g.PlayerChannel())
	s.SetCurrentPlayer(startingPlayer)
	return s
}

// LegalActions implements games.Game: all actions are always legal.
func (g *Repeat) LegalActions(_ *state.State) []int {
	actions := make([]int, g.Actions)
	for ii := range actions {
		actions[ii] = ii
	}
	return actions
}

// Moves returns the number of moves played to reach s.
func (g *Repeat) Moves(s *state.State) int { return int(s.Data[0]) }

// LastAction returns the previous action, or -1 if no move was played yet.
func (g *Repeat) LastAction(s *state.State) int { return int(s.Plane(1)[0]) - 1 }

// IsOver returns whether s is a terminal state.
func (g *Repeat) IsOver(s *state.State) bool { return s.Plane(2)[0] != 0 }

// TransitionAndEvaluate implements games.Game.
func (g *Repeat) TransitionAndEvaluate(s *state.State, action int) (next *state.State, reward float32, isTerminal bool, err error) {
	if action < 0 || action >= g.Actions {
		return nil, 0, false, errors.Wrapf(games.ErrIllegalAction, "action %d out of range", action)
	}
	if g.IsOver(s) {
		return nil, 0, false, errors.Wrap(games.ErrIllegalAction, "game is over")
	}
	moves := g.Moves(s) + 1
	won := action == 0 || action == g.LastAction(s)
	next = s.Clone()
	for channel, value := range []float32{float32(moves), float32(action + 1)} {
		plane := next.Plane(channel)
		for ii := range plane {
			plane[ii] = value
		}
	}
	if won || moves >= g.Length {
		plane := next.Plane(2)
		for ii := range plane {
			plane[ii] = 1
		}
		if won {
			reward = 1
		}
		return next, reward, true, nil
	}
	next.SetCurrentPlayer(1 - s.CurrentPlayer())
	return next, 0, false, nil
}
