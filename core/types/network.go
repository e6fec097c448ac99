package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// NetworkContext lists the deployed contracts a node's commitments target.
type NetworkContext struct {
	ChallengeRegistry                           common.Address `json:"challengeRegistry" toml:"ChallengeRegistry"`
	ConditionalTransactionDelegateTarget        common.Address `json:"conditionalTransactionDelegateTarget" toml:"ConditionalTransactionDelegateTarget"`
	MultiAssetMultiPartyCoinTransferInterpreter common.Address `json:"multiAssetMultiPartyCoinTransferInterpreter" toml:"MultiAssetMultiPartyCoinTransferInterpreter"`
	TwoPartyFixedOutcomeInterpreter             common.Address `json:"twoPartyFixedOutcomeInterpreter" toml:"TwoPartyFixedOutcomeInterpreter"`
	SingleAssetTwoPartyCoinTransferInterpreter  common.Address `json:"singleAssetTwoPartyCoinTransferInterpreter" toml:"SingleAssetTwoPartyCoinTransferInterpreter"`
	CoinBalanceRefundApp                        common.Address `json:"coinBalanceRefundApp" toml:"CoinBalanceRefundApp"`
	IdentityApp                                 common.Address `json:"identityApp" toml:"IdentityApp"`
	ProxyFactory                                common.Address `json:"proxyFactory" toml:"ProxyFactory"`
	MinimumViableMultisig                       common.Address `json:"minimumViableMultisig" toml:"MinimumViableMultisig"`
}

// InterpreterFor returns the outcome interpreter contract for an outcome type.
func (n NetworkContext) InterpreterFor(outcome OutcomeType) (common.Address, error) {
	switch outcome {
	case OutcomeTwoPartyFixed:
		return n.TwoPartyFixedOutcomeInterpreter, nil
	case OutcomeSingleAssetTwoPartyCoinTransfer:
		return n.SingleAssetTwoPartyCoinTransferInterpreter, nil
	case OutcomeMultiAssetMultiPartyCoinTransfer:
		return n.MultiAssetMultiPartyCoinTransferInterpreter, nil
	}
	return common.Address{}, fmt.Errorf("types: no interpreter for outcome type %q", outcome)
}

// Validate ensures every contract address is configured.
func (n NetworkContext) Validate() error {
	required := map[string]common.Address{
		"ChallengeRegistry":                           n.ChallengeRegistry,
		"ConditionalTransactionDelegateTarget":        n.ConditionalTransactionDelegateTarget,
		"MultiAssetMultiPartyCoinTransferInterpreter": n.MultiAssetMultiPartyCoinTransferInterpreter,
		"TwoPartyFixedOutcomeInterpreter":             n.TwoPartyFixedOutcomeInterpreter,
		"SingleAssetTwoPartyCoinTransferInterpreter":  n.SingleAssetTwoPartyCoinTransferInterpreter,
		"CoinBalanceRefundApp":                        n.CoinBalanceRefundApp,
		"IdentityApp":                                 n.IdentityApp,
		"ProxyFactory":                                n.ProxyFactory,
		"MinimumViableMultisig":                       n.MinimumViableMultisig,
	}
	for name, addr := range required {
		if addr == (common.Address{}) {
			return fmt.Errorf("types: network context %s not set", name)
		}
	}
	return nil
}
