// Package state defines the game position representation used by the self-play scheduler and the models:
// a fixed shape tensor of float32 laid out as channels x rows x cols.
//
// The game itself is opaque to this package: it only knows where the current player marker
// is stored (one of the channels, every cell holding the player number).
package state

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// Shape of a state tensor.
type Shape struct {
	Channels, Rows, Cols int
}

// Size returns the total number of values in a state with this shape.
func (s Shape) Size() int {
	return s.Channels * s.Rows * s.Cols
}

// PlaneSize is the number of values of one channel.
func (s Shape) PlaneSize() int {
	return s.Rows * s.Cols
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("[%d x %d x %d]", s.Channels, s.Rows, s.Cols)
}

// State is one game position.
//
// States are owned by whoever holds them: they are cloned, never aliased, when replicated.
type State struct {
	Shape Shape

	// Data in channel-major order (CHW): Data[(c*Rows+r)*Cols+col].
	Data []float32

	// PlayerChannel is the index of the channel holding the current player marker.
	// A negative value means the state has no player marker (e.g. a view with only the leading channels).
	PlayerChannel int
}

// New creates a zero state with the given shape.
func New(shape Shape, playerChannel int) *State {
	if playerChannel >= shape.Channels {
		exceptions.Panicf("state.New: player channel %d out of range for shape %s", playerChannel, shape)
	}
	return &State{
		Shape:         shape,
		Data:          make([]float32, shape.Size()),
		PlayerChannel: playerChannel,
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	return &State{
		Shape:         s.Shape,
		Data:          slices.Clone(s.Data),
		PlayerChannel: s.PlayerChannel,
	}
}

// Index in Data of the given position.
func (s *State) Index(channel, row, col int) int {
	return (channel*s.Shape.Rows+row)*s.Shape.Cols + col
}

// At returns the value at the given position.
func (s *State) At(channel, row, col int) float32 {
	return s.Data[s.Index(channel, row, col)]
}

// Set the value at the given position.
func (s *State) Set(channel, row, col int, value float32) {
	s.Data[s.Index(channel, row, col)] = value
}

// Plane returns the slice of Data with the values of the given channel.
// It shares the underlying storage.
func (s *State) Plane(channel int) []float32 {
	planeSize := s.Shape.PlaneSize()
	return s.Data[channel*planeSize : (channel+1)*planeSize]
}

// CurrentPlayer returns the player (0 or 1) marked in the player channel.
func (s *State) CurrentPlayer() int {
	if s.PlayerChannel < 0 {
		exceptions.Panicf("state %s has no player channel", s.Shape)
	}
	return int(s.At(s.PlayerChannel, 0, 0))
}

// SetCurrentPlayer stamps the player number on every cell of the player channel.
func (s *State) SetCurrentPlayer(player int) {
	if s.PlayerChannel < 0 {
		exceptions.Panicf("state %s has no player channel", s.Shape)
	}
	plane := s.Plane(s.PlayerChannel)
	for ii := range plane {
		plane[ii] = float32(player)
	}
}

// Leading returns a read-only view of the first n channels of the state.
//
// Because of the CHW layout it doesn't copy the data: it must not be modified.
// If the player channel is not part of the view, the view's PlayerChannel is -1.
func (s *State) Leading(n int) *State {
	if n <= 0 || n > s.Shape.Channels {
		exceptions.Panicf("state.Leading(%d) out of range for shape %s", n, s.Shape)
	}
	shape := Shape{Channels: n, Rows: s.Shape.Rows, Cols: s.Shape.Cols}
	playerChannel := s.PlayerChannel
	if playerChannel >= n {
		playerChannel = -1
	}
	return &State{
		Shape:         shape,
		Data:          s.Data[:shape.Size():shape.Size()],
		PlayerChannel: playerChannel,
	}
}

// String implements fmt.Stringer, printing the state plane by plane.
func (s *State) String() string {
	if s == nil {
		return "<nil state>"
	}
	var out []byte
	out = fmt.Appendf(out, "State%s", s.Shape)
	for c := range s.Shape.Channels {
		out = fmt.Appendf(out, "\n  #%d:", c)
		for r := range s.Shape.Rows {
			out = fmt.Appendf(out, " %v", s.Data[s.Index(c, r, 0):s.Index(c, r, 0)+s.Shape.Cols])
		}
	}
	return string(out)
}

// FlatBatch concatenates the data of the given states in one flat slice, shaped [len(states), shape.Size()].
// All states must have the same shape.
func FlatBatch(states []*State) []float32 {
	if len(states) == 0 {
		return nil
	}
	size := states[0].Shape.Size()
	flat := make([]float32, 0, len(states)*size)
	for ii, s := range states {
		if s.Shape != states[0].Shape {
			exceptions.Panicf("state.FlatBatch: state #%d has shape %s, expected %s", ii, s.Shape, states[0].Shape)
		}
		flat = append(flat, s.Data...)
	}
	return flat
}
