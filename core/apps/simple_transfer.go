package apps

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/core/value"
)

// SimpleTransferStateEncoding is the state of a single asset two party
// payment.
const SimpleTransferStateEncoding = "tuple(tuple(address to, uint256 amount)[2] coinTransfers)"

// SimpleTransfer has no actions; its outcome is its state.
type SimpleTransfer struct{}

// NewSimpleTransferState builds the state paying amounts to two parties.
func NewSimpleTransferState(to [2]common.Address, amounts [2]*big.Int) value.Value {
	transfer := func(i int) value.Value {
		return value.Tuple(value.F("to", value.Address(to[i])), value.F("amount", value.Uint(amounts[i])))
	}
	return value.Tuple(value.F("coinTransfers", value.Array(transfer(0), transfer(1))))
}

func (SimpleTransfer) ApplyAction(context.Context, *types.AppInstance, value.Value, value.Value) (value.Value, error) {
	return value.Null(), fmt.Errorf("%w: simple transfer app has no actions", chanerrors.ErrInvalidAction)
}

func (SimpleTransfer) ComputeOutcome(_ context.Context, _ *types.AppInstance, state value.Value) ([]byte, error) {
	transfers, ok := state.Field("coinTransfers")
	if !ok {
		return nil, fmt.Errorf("%w: missing coinTransfers", chanerrors.ErrInvalidAction)
	}
	return value.Encode(types.SingleAssetCoinTransferEncoding, transfers)
}
