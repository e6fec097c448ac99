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

// BalanceRefundStateEncoding is the state of the coin balance refund app.
const BalanceRefundStateEncoding = "tuple(address recipient, address multisig, uint256 threshold, address tokenAddress)"

// BalanceReader reports on-chain balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error)
}

// BalanceRefund pays whatever the multisig holds above the threshold to the
// recipient. It grants one party the right to deposit while installed.
type BalanceRefund struct {
	balances BalanceReader
}

// NewBalanceRefund binds the app to a balance source.
func NewBalanceRefund(balances BalanceReader) *BalanceRefund {
	return &BalanceRefund{balances: balances}
}

// NewBalanceRefundState builds the app state.
func NewBalanceRefundState(recipient, multisig common.Address, threshold *big.Int, token common.Address) value.Value {
	return value.Tuple(
		value.F("recipient", value.Address(recipient)),
		value.F("multisig", value.Address(multisig)),
		value.F("threshold", value.Uint(threshold)),
		value.F("tokenAddress", value.Address(token)),
	)
}

// BalanceRefundRecipient extracts the recipient from the app state.
func BalanceRefundRecipient(state value.Value) common.Address {
	recipient, _ := state.Field("recipient")
	return recipient.Address()
}

func (*BalanceRefund) ApplyAction(context.Context, *types.AppInstance, value.Value, value.Value) (value.Value, error) {
	return value.Null(), fmt.Errorf("%w: balance refund app has no actions", chanerrors.ErrInvalidAction)
}

// ComputeOutcome returns a multi asset coin transfer of the refund.
func (b *BalanceRefund) ComputeOutcome(ctx context.Context, _ *types.AppInstance, state value.Value) ([]byte, error) {
	if b.balances == nil {
		return nil, chanerrors.ErrChainProviderNotConfigured
	}
	multisig, _ := state.Field("multisig")
	token, _ := state.Field("tokenAddress")
	threshold, _ := state.Field("threshold")
	balance, err := b.balances.BalanceOf(ctx, multisig.Address(), token.Address())
	if err != nil {
		return nil, fmt.Errorf("apps: read multisig balance: %w", err)
	}
	refund := new(big.Int).Sub(balance, threshold.BigInt())
	if refund.Sign() < 0 {
		refund = new(big.Int)
	}
	transfer := value.Tuple(
		value.F("to", value.Address(BalanceRefundRecipient(state))),
		value.F("amount", value.Uint(refund)),
	)
	return value.Encode(types.MultiAssetCoinTransferEncoding, value.Array(value.Array(transfer)))
}
