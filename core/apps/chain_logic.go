package apps

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"

	"statechannels/core/contracts"
	"statechannels/core/types"
	"statechannels/core/value"
)

// ChainLogic evaluates apps by calling their deployed definition contract.
type ChainLogic struct {
	caller ethereum.ContractCaller
}

// NewChainLogic wraps a contract caller such as an ethclient.Client.
func NewChainLogic(caller ethereum.ContractCaller) *ChainLogic {
	return &ChainLogic{caller: caller}
}

func (l *ChainLogic) call(ctx context.Context, app *types.AppInstance, method string, args ...interface{}) ([]byte, error) {
	input, err := contracts.App.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("apps: encode %s: %w", method, err)
	}
	to := app.Interface.Addr
	output, err := l.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("apps: call %s on %s: %w", method, to.Hex(), err)
	}
	unpacked, err := contracts.App.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("apps: decode %s: %w", method, err)
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("apps: %s returned %d values", method, len(unpacked))
	}
	raw, ok := unpacked[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("apps: %s returned %T", method, unpacked[0])
	}
	return raw, nil
}

// ApplyAction calls applyAction(encodedState, encodedAction).
func (l *ChainLogic) ApplyAction(ctx context.Context, app *types.AppInstance, state, action value.Value) (value.Value, error) {
	encodedState, err := value.Encode(app.Interface.StateEncoding, state)
	if err != nil {
		return value.Null(), err
	}
	encodedAction, err := app.EncodeAction(action)
	if err != nil {
		return value.Null(), err
	}
	raw, err := l.call(ctx, app, "applyAction", encodedState, encodedAction)
	if err != nil {
		return value.Null(), err
	}
	return value.Decode(app.Interface.StateEncoding, raw)
}

// ComputeOutcome calls computeOutcome(encodedState).
func (l *ChainLogic) ComputeOutcome(ctx context.Context, app *types.AppInstance, state value.Value) ([]byte, error) {
	encodedState, err := value.Encode(app.Interface.StateEncoding, state)
	if err != nil {
		return nil, err
	}
	return l.call(ctx, app, "computeOutcome", encodedState)
}
