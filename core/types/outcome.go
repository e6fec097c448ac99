package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/value"
)

// OutcomeType selects how an app's outcome is interpreted on-chain.
type OutcomeType string

const (
	OutcomeTwoPartyFixed                    OutcomeType = "TWO_PARTY_FIXED_OUTCOME"
	OutcomeSingleAssetTwoPartyCoinTransfer  OutcomeType = "SINGLE_ASSET_TWO_PARTY_COIN_TRANSFER"
	OutcomeMultiAssetMultiPartyCoinTransfer OutcomeType = "MULTI_ASSET_MULTI_PARTY_COIN_TRANSFER"
)

// Valid reports whether the outcome type is one of the known variants.
func (o OutcomeType) Valid() bool {
	switch o {
	case OutcomeTwoPartyFixed, OutcomeSingleAssetTwoPartyCoinTransfer, OutcomeMultiAssetMultiPartyCoinTransfer:
		return true
	}
	return false
}

// TwoPartyFixedOutcome is the value returned by apps using the two party
// fixed outcome interpreter.
type TwoPartyFixedOutcome uint8

const (
	SendToAddrOne TwoPartyFixedOutcome = iota
	SendToAddrTwo
	SplitAndSendToBothAddrs
)

// ABI descriptors of interpreter params and of the outcomes they interpret.
const (
	TwoPartyFixedOutcomeParamsEncoding    = "tuple(address[2] playerAddrs, uint256 amount, address tokenAddress)"
	SingleAssetCoinTransferParamsEncoding = "tuple(uint256 limit, address tokenAddress)"
	MultiAssetCoinTransferParamsEncoding  = "tuple(uint256[] limit, address[] tokenAddresses)"

	TwoPartyFixedOutcomeEncoding    = "uint256"
	SingleAssetCoinTransferEncoding = "tuple(address to, uint256 amount)[2]"
	MultiAssetCoinTransferEncoding  = "tuple(address to, uint256 amount)[][]"
)

type TwoPartyFixedOutcomeParams struct {
	PlayerAddrs  [2]common.Address `json:"playerAddrs"`
	Amount       *big.Int          `json:"amount"`
	TokenAddress common.Address    `json:"tokenAddress"`
}

type SingleAssetTwoPartyCoinTransferParams struct {
	Limit        *big.Int       `json:"limit"`
	TokenAddress common.Address `json:"tokenAddress"`
}

type MultiAssetMultiPartyCoinTransferParams struct {
	Limit          []*big.Int       `json:"limit"`
	TokenAddresses []common.Address `json:"tokenAddresses"`
}

// InterpreterParams holds the parameters of exactly one interpreter,
// matching the app's outcome type.
type InterpreterParams struct {
	TwoPartyFixedOutcome             *TwoPartyFixedOutcomeParams             `json:"twoPartyOutcomeInterpreterParams,omitempty"`
	SingleAssetTwoPartyCoinTransfer  *SingleAssetTwoPartyCoinTransferParams  `json:"singleAssetTwoPartyCoinTransferInterpreterParams,omitempty"`
	MultiAssetMultiPartyCoinTransfer *MultiAssetMultiPartyCoinTransferParams `json:"multiAssetMultiPartyCoinTransferInterpreterParams,omitempty"`
}

// Encode ABI-encodes the params selected by outcome.
func (p InterpreterParams) Encode(outcome OutcomeType) ([]byte, error) {
	switch outcome {
	case OutcomeTwoPartyFixed:
		params := p.TwoPartyFixedOutcome
		if params == nil {
			return nil, fmt.Errorf("types: missing two party fixed outcome params")
		}
		return value.Encode(TwoPartyFixedOutcomeParamsEncoding, value.Tuple(
			value.F("playerAddrs", value.Array(value.Address(params.PlayerAddrs[0]), value.Address(params.PlayerAddrs[1]))),
			value.F("amount", value.Uint(params.Amount)),
			value.F("tokenAddress", value.Address(params.TokenAddress)),
		))
	case OutcomeSingleAssetTwoPartyCoinTransfer:
		params := p.SingleAssetTwoPartyCoinTransfer
		if params == nil {
			return nil, fmt.Errorf("types: missing single asset coin transfer params")
		}
		return value.Encode(SingleAssetCoinTransferParamsEncoding, value.Tuple(
			value.F("limit", value.Uint(params.Limit)),
			value.F("tokenAddress", value.Address(params.TokenAddress)),
		))
	case OutcomeMultiAssetMultiPartyCoinTransfer:
		params := p.MultiAssetMultiPartyCoinTransfer
		if params == nil {
			return nil, fmt.Errorf("types: missing multi asset coin transfer params")
		}
		limits := make([]value.Value, len(params.Limit))
		for i, l := range params.Limit {
			limits[i] = value.Uint(l)
		}
		tokens := make([]value.Value, len(params.TokenAddresses))
		for i, t := range params.TokenAddresses {
			tokens[i] = value.Address(t)
		}
		return value.Encode(MultiAssetCoinTransferParamsEncoding, value.Tuple(
			value.F("limit", value.Array(limits...)),
			value.F("tokenAddresses", value.Array(tokens...)),
		))
	}
	return nil, fmt.Errorf("types: unknown outcome type %q", outcome)
}

// Clone returns a deep copy.
func (p InterpreterParams) Clone() InterpreterParams {
	var out InterpreterParams
	if src := p.TwoPartyFixedOutcome; src != nil {
		out.TwoPartyFixedOutcome = &TwoPartyFixedOutcomeParams{
			PlayerAddrs:  src.PlayerAddrs,
			Amount:       cloneBig(src.Amount),
			TokenAddress: src.TokenAddress,
		}
	}
	if src := p.SingleAssetTwoPartyCoinTransfer; src != nil {
		out.SingleAssetTwoPartyCoinTransfer = &SingleAssetTwoPartyCoinTransferParams{
			Limit:        cloneBig(src.Limit),
			TokenAddress: src.TokenAddress,
		}
	}
	if src := p.MultiAssetMultiPartyCoinTransfer; src != nil {
		limits := make([]*big.Int, len(src.Limit))
		for i, l := range src.Limit {
			limits[i] = cloneBig(l)
		}
		out.MultiAssetMultiPartyCoinTransfer = &MultiAssetMultiPartyCoinTransferParams{
			Limit:          limits,
			TokenAddresses: append([]common.Address{}, src.TokenAddresses...),
		}
	}
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
