package apps

import (
	"context"
	"fmt"

	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/core/value"
)

// TicTacToe state and action encodings.
const (
	TicTacToeStateEncoding  = "tuple(address[2] players, uint256 turnNum, uint256 winner, uint256[3][3] board)"
	TicTacToeActionEncoding = "tuple(uint8 actionType, uint256 playX, uint256 playY)"
)

// Winner values.
const (
	TicTacToeNoWinner  uint64 = 0
	TicTacToePlayerOne uint64 = 1
	TicTacToePlayerTwo uint64 = 2
	TicTacToeDraw      uint64 = 3
)

const ticTacToePlay = 0

// TicTacToe is a two player game whose outcome uses the two party fixed
// outcome interpreter: player one is the first address of the interpreter
// params.
type TicTacToe struct{}

// NewTicTacToeState returns an empty board for two players.
func NewTicTacToeState(players [2]value.Value) value.Value {
	row := value.Array(value.Uint64(0), value.Uint64(0), value.Uint64(0))
	return value.Tuple(
		value.F("players", value.Array(players[0], players[1])),
		value.F("turnNum", value.Uint64(0)),
		value.F("winner", value.Uint64(TicTacToeNoWinner)),
		value.F("board", value.Array(row, row, row)),
	)
}

// ApplyAction places the mark of the player whose turn it is and settles
// the winner when a line is completed or the board is full.
func (TicTacToe) ApplyAction(_ context.Context, _ *types.AppInstance, state, action value.Value) (value.Value, error) {
	winner, _ := state.Field("winner")
	if winner.Uint64() != TicTacToeNoWinner {
		return value.Null(), fmt.Errorf("%w: game is over", chanerrors.ErrInvalidAction)
	}
	kind, _ := action.Field("actionType")
	if kind.Uint64() != ticTacToePlay {
		return value.Null(), fmt.Errorf("%w: unknown action type %d", chanerrors.ErrInvalidAction, kind.Uint64())
	}
	x, _ := action.Field("playX")
	y, _ := action.Field("playY")
	if x.Uint64() > 2 || y.Uint64() > 2 {
		return value.Null(), fmt.Errorf("%w: square (%d,%d) is off the board", chanerrors.ErrInvalidAction, x.Uint64(), y.Uint64())
	}
	board, _ := state.Field("board")
	row := board.Index(int(x.Uint64()))
	if row.Index(int(y.Uint64())).Uint64() != 0 {
		return value.Null(), fmt.Errorf("%w: square (%d,%d) is taken", chanerrors.ErrInvalidAction, x.Uint64(), y.Uint64())
	}
	turn, _ := state.Field("turnNum")
	mark := turn.Uint64()%2 + 1
	board = board.WithIndex(int(x.Uint64()), row.WithIndex(int(y.Uint64()), value.Uint64(mark)))
	next := state.
		WithField("board", board).
		WithField("turnNum", value.Uint64(turn.Uint64()+1)).
		WithField("winner", value.Uint64(ticTacToeWinner(board)))
	return next, nil
}

func ticTacToeWinner(board value.Value) uint64 {
	cell := func(x, y int) uint64 { return board.Index(x).Index(y).Uint64() }
	lines := [][3][2]int{
		{{0, 0}, {0, 1}, {0, 2}}, {{1, 0}, {1, 1}, {1, 2}}, {{2, 0}, {2, 1}, {2, 2}},
		{{0, 0}, {1, 0}, {2, 0}}, {{0, 1}, {1, 1}, {2, 1}}, {{0, 2}, {1, 2}, {2, 2}},
		{{0, 0}, {1, 1}, {2, 2}}, {{0, 2}, {1, 1}, {2, 0}},
	}
	for _, line := range lines {
		a := cell(line[0][0], line[0][1])
		if a != 0 && a == cell(line[1][0], line[1][1]) && a == cell(line[2][0], line[2][1]) {
			return a
		}
	}
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			if cell(x, y) == 0 {
				return TicTacToeNoWinner
			}
		}
	}
	return TicTacToeDraw
}

// ComputeOutcome maps the winner onto a two party fixed outcome.
func (TicTacToe) ComputeOutcome(_ context.Context, _ *types.AppInstance, state value.Value) ([]byte, error) {
	winner, _ := state.Field("winner")
	var outcome types.TwoPartyFixedOutcome
	switch winner.Uint64() {
	case TicTacToePlayerOne:
		outcome = types.SendToAddrOne
	case TicTacToePlayerTwo:
		outcome = types.SendToAddrTwo
	case TicTacToeDraw:
		outcome = types.SplitAndSendToBothAddrs
	default:
		return nil, fmt.Errorf("%w: game has no winner yet", chanerrors.ErrInvalidAction)
	}
	return value.Encode(types.TwoPartyFixedOutcomeEncoding, value.Uint64(uint64(outcome)))
}
