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

// Resolver turns app outcomes into free balance increments.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a resolver over a logic registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Registry exposes the logic registry used for actions.
func (r *Resolver) Registry() *Registry { return r.registry }

// ComputeIncrements evaluates the app's outcome and returns how much each
// party's free balance grows when the app is uninstalled.
func (r *Resolver) ComputeIncrements(ctx context.Context, app *types.AppInstance) (types.TokenIndexedBalances, error) {
	outcome, err := r.registry.ComputeOutcome(ctx, app)
	if err != nil {
		return nil, err
	}
	return InterpretOutcome(app, outcome)
}

// InterpretOutcome applies the app's outcome type and interpreter params to
// an encoded outcome.
func InterpretOutcome(app *types.AppInstance, outcome []byte) (types.TokenIndexedBalances, error) {
	switch app.OutcomeType {
	case types.OutcomeTwoPartyFixed:
		return interpretTwoPartyFixed(app, outcome)
	case types.OutcomeSingleAssetTwoPartyCoinTransfer:
		return interpretSingleAsset(app, outcome)
	case types.OutcomeMultiAssetMultiPartyCoinTransfer:
		return interpretMultiAsset(app, outcome)
	}
	return nil, fmt.Errorf("%w: %q", chanerrors.ErrUnsupportedOutcome, app.OutcomeType)
}

func interpretTwoPartyFixed(app *types.AppInstance, outcome []byte) (types.TokenIndexedBalances, error) {
	params := app.InterpreterParams.TwoPartyFixedOutcome
	if params == nil {
		return nil, fmt.Errorf("%w: missing two party fixed outcome params", chanerrors.ErrUnsupportedOutcome)
	}
	decoded, err := value.Decode(types.TwoPartyFixedOutcomeEncoding, outcome)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	if params.Amount != nil {
		amount.Set(params.Amount)
	}
	out := types.TokenIndexedBalances{}
	switch types.TwoPartyFixedOutcome(decoded.Uint64()) {
	case types.SendToAddrOne:
		out.Add(params.TokenAddress, params.PlayerAddrs[0], amount)
		out.Add(params.TokenAddress, params.PlayerAddrs[1], new(big.Int))
	case types.SendToAddrTwo:
		out.Add(params.TokenAddress, params.PlayerAddrs[0], new(big.Int))
		out.Add(params.TokenAddress, params.PlayerAddrs[1], amount)
	case types.SplitAndSendToBothAddrs:
		half := new(big.Int).Div(amount, big.NewInt(2))
		out.Add(params.TokenAddress, params.PlayerAddrs[0], half)
		out.Add(params.TokenAddress, params.PlayerAddrs[1], new(big.Int).Sub(amount, half))
	default:
		return nil, fmt.Errorf("%w: two party outcome %d", chanerrors.ErrUnsupportedOutcome, decoded.Uint64())
	}
	return out, nil
}

func addTransfers(out types.TokenIndexedBalances, token common.Address, transfers value.Value, limit *big.Int) error {
	total := new(big.Int)
	for _, transfer := range transfers.Elems() {
		to, _ := transfer.Field("to")
		amount, _ := transfer.Field("amount")
		out.Add(token, to.Address(), amount.BigInt())
		total.Add(total, amount.BigInt())
	}
	if limit != nil && total.Cmp(limit) > 0 {
		return fmt.Errorf("%w: outcome pays %s of token %s, limit is %s", chanerrors.ErrUnsupportedOutcome, total, token.Hex(), limit)
	}
	return nil
}

func interpretSingleAsset(app *types.AppInstance, outcome []byte) (types.TokenIndexedBalances, error) {
	params := app.InterpreterParams.SingleAssetTwoPartyCoinTransfer
	if params == nil {
		return nil, fmt.Errorf("%w: missing single asset coin transfer params", chanerrors.ErrUnsupportedOutcome)
	}
	decoded, err := value.Decode(types.SingleAssetCoinTransferEncoding, outcome)
	if err != nil {
		return nil, err
	}
	out := types.TokenIndexedBalances{}
	if err := addTransfers(out, params.TokenAddress, decoded, params.Limit); err != nil {
		return nil, err
	}
	return out, nil
}

func interpretMultiAsset(app *types.AppInstance, outcome []byte) (types.TokenIndexedBalances, error) {
	params := app.InterpreterParams.MultiAssetMultiPartyCoinTransfer
	if params == nil {
		return nil, fmt.Errorf("%w: missing multi asset coin transfer params", chanerrors.ErrUnsupportedOutcome)
	}
	decoded, err := value.Decode(types.MultiAssetCoinTransferEncoding, outcome)
	if err != nil {
		return nil, err
	}
	if decoded.Len() > len(params.TokenAddresses) {
		return nil, fmt.Errorf("%w: outcome covers %d tokens, params name %d", chanerrors.ErrUnsupportedOutcome, decoded.Len(), len(params.TokenAddresses))
	}
	out := types.TokenIndexedBalances{}
	for i, transfers := range decoded.Elems() {
		var limit *big.Int
		if i < len(params.Limit) {
			limit = params.Limit[i]
		}
		if err := addTransfers(out, params.TokenAddresses[i], transfers, limit); err != nil {
			return nil, err
		}
	}
	return out, nil
}
