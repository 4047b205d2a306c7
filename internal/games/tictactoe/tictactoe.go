// Package tictactoe implements games.Game for tic-tac-toe on a configurable square board.
//
// A state has 3 channels: the stones of player 0, the stones of player 1, and the player to move.
// The first 2 channels are all that is needed to enumerate legal actions.
package tictactoe

import (
	"fmt"
	"strings"

	"github.com/janpfeifer/metaqp/internal/games"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
)

const (
	// NumChannels of the state: one plane per player plus the player to move.
	NumChannels = 3

	// PlayerChannel holds the current player marker.
	PlayerChannel = 2

	// LegalityChannels are the leading channels needed to enumerate the legal actions.
	LegalityChannels = 2

	// DefaultSize of the board.
	DefaultSize = 3
)

// Game of tic-tac-toe with Size x Size board, and WinLength stones in a line to win.
type Game struct {
	Size, WinLength int
}

// Assert Game implements games.Game.
var _ games.Game = (*Game)(nil)

// New creates the classic 3x3 tic-tac-toe.
func New() *Game {
	return &Game{Size: DefaultSize, WinLength: DefaultSize}
}

// String implements games.Game.
func (g *Game) String() string {
	return fmt.Sprintf("tictactoe(%dx%d,win=%d)", g.Size, g.Size, g.WinLength)
}

// Shape implements games.Game.
func (g *Game) Shape() state.Shape {
	return state.Shape{Channels: NumChannels, Rows: g.Size, Cols: g.Size}
}

// PlayerChannel implements games.Game.
func (g *Game) PlayerChannel() int { return PlayerChannel }

// NumActions implements games.Game: one action per cell.
func (g *Game) NumActions() int { return g.Size * g.Size }

// InitialState implements games.Game.
func (g *Game) InitialState(startingPlayer int) *state.State {
	s := state.New(g.Shape(), PlayerChannel)
	s.SetCurrentPlayer(startingPlayer)
	return s
}

// LegalActions implements games.Game: every empty cell, unless the game is already decided.
func (g *Game) LegalActions(board *state.State) []int {
	if g.winner(board) >= 0 {
		return nil
	}
	actions := make([]int, 0, g.NumActions())
	p0, p1 := board.Plane(0), board.Plane(1)
	for action := range g.NumActions() {
		if p0[action] == 0 && p1[action] == 0 {
			actions = append(actions, action)
		}
	}
	return actions
}

// TransitionAndEvaluate implements games.Game.
//
// The player marker is flipped only if the game continues. A winning move gets reward +1 and a draw 0.
func (g *Game) TransitionAndEvaluate(s *state.State, action int) (next *state.State, reward float32, isTerminal bool, err error) {
	if action < 0 || action >= g.NumActions() {
		return nil, 0, false, errors.Wrapf(games.ErrIllegalAction, "action %d out of range for %s", action, g)
	}
	if g.winner(s) >= 0 {
		return nil, 0, false, errors.Wrapf(games.ErrIllegalAction, "action %d played on a finished game", action)
	}
	if s.Plane(0)[action] != 0 || s.Plane(1)[action] != 0 {
		return nil, 0, false, errors.Wrapf(games.ErrIllegalAction, "cell %d is already taken", action)
	}
	player := s.CurrentPlayer()
	next = s.Clone()
	next.Plane(player)[action] = 1

	if g.winner(next) == player {
		return next, 1, true, nil
	}
	if g.isFull(next) {
		return next, 0, true, nil
	}
	next.SetCurrentPlayer(1 - player)
	return next, 0, false, nil
}

func (g *Game) isFull(s *state.State) bool {
	p0, p1 := s.Plane(0), s.Plane(1)
	for ii := range p0 {
		if p0[ii] == 0 && p1[ii] == 0 {
			return false
		}
	}
	return true
}

// winner returns the player with WinLength stones in a line, or -1 if there is none.
func (g *Game) winner(s *state.State) int {
	directions := [][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}
	for player := range games.NumPlayers {
		plane := s.Plane(player)
		at := func(row, col int) bool {
			if row < 0 || row >= g.Size || col < 0 || col >= g.Size {
				return false
			}
			return plane[row*g.Size+col] != 0
		}
		for row := range g.Size {
			for col := range g.Size {
				if !at(row, col) {
					continue
				}
				for _, dir := range directions {
					count := 1
					for count < g.WinLength && at(row+count*dir[0], col+count*dir[1]) {
						count++
					}
					if count >= g.WinLength {
						return player
					}
				}
			}
		}
	}
	return -1
}

// Render the board as text, with "X" for player 0 and "O" for player 1.
func (g *Game) Render(s *state.State) string {
	var sb strings.Builder
	p0, p1 := s.Plane(0), s.Plane(1)
	for row := range g.Size {
		for col := range g.Size {
			idx := row*g.Size + col
			switch {
			case p0[idx] != 0:
				sb.WriteString("X")
			case p1[idx] != 0:
				sb.WriteString("O")
			default:
				sb.WriteString(".")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
