// Package games defines the contract between the self-play scheduler and the game being learned.
//
// Games are pluggable: the scheduler only enumerates legal actions and applies actions through
// the Game interface, it never looks into the board representation beyond the player marker.
package games

import (
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
)

// NumPlayers supported: two-players, alternating turns.
const NumPlayers = 2

// Game implemented by the games that can be trained.
type Game interface {
	// Shape of the states of the game.
	Shape() state.Shape

	// PlayerChannel is the channel of the state holding the current player marker.
	PlayerChannel() int

	// NumActions is the size of the fixed action set: policies are vectors of this length.
	NumActions() int

	// InitialState returns a new board in the starting position, with the given player to move.
	InitialState(startingPlayer int) *state.State

	// LegalActions returns the indices of the legal actions for the given board.
	//
	// board is the legality-relevant leading channels of a state (see state.State.Leading): it doesn't
	// necessarily include the player channel, and it must not be modified.
	LegalActions(board *state.State) []int

	// TransitionAndEvaluate applies action to s and returns the next state, the reward and whether the game is over.
	//
	// s is not modified. The reward is given from the perspective of the player marked as current in next:
	// terminal states keep the player who made the last move as the current player, so a winning move
	// returns a positive reward.
	//
	// It returns an error if the action is not valid for s: this is a contract violation by the caller.
	TransitionAndEvaluate(s *state.State, action int) (next *state.State, reward float32, isTerminal bool, err error)

	// String returns the name of the game.
	String() string
}

// ErrIllegalAction is returned (wrapped) by TransitionAndEvaluate when the action is not legal.
var ErrIllegalAction = errors.New("illegal action")
