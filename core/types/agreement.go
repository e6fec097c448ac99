package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SingleAssetTwoPartyIntermediaryAgreement records the funds an
// intermediary fronts in one leg of a virtual app.
type SingleAssetTwoPartyIntermediaryAgreement struct {
	TargetAppIdentityHash common.Hash    `json:"targetAppIdentityHash"`
	CapitalProvided       *big.Int       `json:"capitalProvided"`
	CapitalProvider       common.Address `json:"capitalProvider"`
	VirtualAppUser        common.Address `json:"virtualAppUser"`
	TokenAddress          common.Address `json:"tokenAddress"`
}

// Payout splits the capital locked in the leg between the user and the
// intermediary given the user's share of the virtual app outcome.
func (a SingleAssetTwoPartyIntermediaryAgreement) Payout(userShare *big.Int) TokenIndexedBalances {
	share := cloneBig(userShare)
	total := cloneBig(a.CapitalProvided)
	if share.Cmp(total) > 0 {
		share = new(big.Int).Set(total)
	}
	out := TokenIndexedBalances{}
	out.Add(a.TokenAddress, a.VirtualAppUser, share)
	out.Add(a.TokenAddress, a.CapitalProvider, new(big.Int).Sub(total, share))
	return out
}

func (a SingleAssetTwoPartyIntermediaryAgreement) clone() SingleAssetTwoPartyIntermediaryAgreement {
	out := a
	out.CapitalProvided = cloneBig(a.CapitalProvided)
	return out
}
