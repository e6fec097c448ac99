package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"statechannels/core/value"
	"statechannels/crypto"
)

// AppInstanceProposal is an app waiting for the counterparty to accept it.
type AppInstanceProposal struct {
	IdentityHash                 common.Hash     `json:"identityHash"`
	ProposedByIdentifier         string          `json:"proposedByIdentifier"`
	ProposedToIdentifier         string          `json:"proposedToIdentifier"`
	AppDefinition                common.Address  `json:"appDefinition"`
	StateEncoding                string          `json:"stateEncoding"`
	ActionEncoding               string          `json:"actionEncoding,omitempty"`
	InitialState                 value.Value     `json:"initialState"`
	InitiatorDeposit             *big.Int        `json:"initiatorDeposit"`
	InitiatorDepositTokenAddress common.Address  `json:"initiatorDepositTokenAddress"`
	ResponderDeposit             *big.Int        `json:"responderDeposit"`
	ResponderDepositTokenAddress common.Address  `json:"responderDepositTokenAddress"`
	DefaultTimeout               uint64          `json:"defaultTimeout"`
	Timeout                      uint64          `json:"timeout"`
	AppSeqNo                     uint32          `json:"appSeqNo"`
	OutcomeType                  OutcomeType     `json:"outcomeType"`
	Intermediaries               []string        `json:"intermediaries,omitempty"`
	Meta                         json.RawMessage `json:"meta,omitempty"`
	// UncappedOutcome lifts the payout limit of a multi asset outcome. Only
	// apps paying out funds that arrive on-chain, like the balance refund
	// app, are proposed this way.
	UncappedOutcome bool `json:"uncappedOutcome,omitempty"`
}

// Participants derives the app keys of both parties at the proposal's
// sequence number, in canonical order.
func (p *AppInstanceProposal) Participants() ([]common.Address, error) {
	return crypto.XKeysToSortedKthAddresses([]string{p.ProposedByIdentifier, p.ProposedToIdentifier}, p.AppSeqNo)
}

// ComputeIdentityHash derives the identity hash the installed app will have.
func (p *AppInstanceProposal) ComputeIdentityHash() (common.Hash, error) {
	participants, err := p.Participants()
	if err != nil {
		return common.Hash{}, err
	}
	return AppIdentity{
		Participants:   participants,
		AppDefinition:  p.AppDefinition,
		DefaultTimeout: p.DefaultTimeout,
	}.Hash()
}

// Interface returns the app interface named by the proposal.
func (p *AppInstanceProposal) Interface() AppInterface {
	return AppInterface{Addr: p.AppDefinition, StateEncoding: p.StateEncoding, ActionEncoding: p.ActionEncoding}
}

// FreeBalanceAddresses returns the index zero addresses of proposer and
// proposee, in that order.
func (p *AppInstanceProposal) FreeBalanceAddresses() (common.Address, common.Address, error) {
	initiator, err := crypto.DeriveSigningKey(p.ProposedByIdentifier, 0)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	responder, err := crypto.DeriveSigningKey(p.ProposedToIdentifier, 0)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return initiator.Address, responder.Address, nil
}

// Deposits returns the balances each party locks into the app.
func (p *AppInstanceProposal) Deposits() (TokenIndexedBalances, error) {
	initiator, responder, err := p.FreeBalanceAddresses()
	if err != nil {
		return nil, err
	}
	out := TokenIndexedBalances{}
	out.Add(p.InitiatorDepositTokenAddress, initiator, p.InitiatorDeposit)
	out.Add(p.ResponderDepositTokenAddress, responder, p.ResponderDeposit)
	return out, nil
}

// InterpreterParams derives the outcome interpreter params from the deposits.
func (p *AppInstanceProposal) InterpreterParams() (InterpreterParams, error) {
	initiatorDeposit, responderDeposit := cloneBig(p.InitiatorDeposit), cloneBig(p.ResponderDeposit)
	total := new(big.Int).Add(initiatorDeposit, responderDeposit)
	switch p.OutcomeType {
	case OutcomeTwoPartyFixed:
		if p.InitiatorDepositTokenAddress != p.ResponderDepositTokenAddress {
			return InterpreterParams{}, fmt.Errorf("types: two party fixed outcome requires a single token")
		}
		initiator, responder, err := p.FreeBalanceAddresses()
		if err != nil {
			return InterpreterParams{}, err
		}
		return InterpreterParams{TwoPartyFixedOutcome: &TwoPartyFixedOutcomeParams{
			PlayerAddrs:  [2]common.Address{initiator, responder},
			Amount:       total,
			TokenAddress: p.InitiatorDepositTokenAddress,
		}}, nil
	case OutcomeSingleAssetTwoPartyCoinTransfer:
		if p.InitiatorDepositTokenAddress != p.ResponderDepositTokenAddress {
			return InterpreterParams{}, fmt.Errorf("types: single asset coin transfer requires a single token")
		}
		return InterpreterParams{SingleAssetTwoPartyCoinTransfer: &SingleAssetTwoPartyCoinTransferParams{
			Limit:        total,
			TokenAddress: p.InitiatorDepositTokenAddress,
		}}, nil
	case OutcomeMultiAssetMultiPartyCoinTransfer:
		params := &MultiAssetMultiPartyCoinTransferParams{}
		if p.UncappedOutcome {
			initiatorDeposit, responderDeposit = new(big.Int).Set(math.MaxBig256), new(big.Int).Set(math.MaxBig256)
			total = new(big.Int).Set(math.MaxBig256)
		}
		if p.InitiatorDepositTokenAddress == p.ResponderDepositTokenAddress {
			params.Limit = []*big.Int{total}
			params.TokenAddresses = []common.Address{p.InitiatorDepositTokenAddress}
		} else {
			params.Limit = []*big.Int{initiatorDeposit, responderDeposit}
			params.TokenAddresses = []common.Address{p.InitiatorDepositTokenAddress, p.ResponderDepositTokenAddress}
		}
		return InterpreterParams{MultiAssetMultiPartyCoinTransfer: params}, nil
	}
	return InterpreterParams{}, fmt.Errorf("types: unknown outcome type %q", p.OutcomeType)
}

// ToAppInstance builds the instance that accepting the proposal installs.
func (p *AppInstanceProposal) ToAppInstance(multisig common.Address) (*AppInstance, error) {
	participants, err := p.Participants()
	if err != nil {
		return nil, err
	}
	params, err := p.InterpreterParams()
	if err != nil {
		return nil, err
	}
	return NewAppInstance(AppInstance{
		Multisig:          multisig,
		Participants:      participants,
		DefaultTimeout:    p.DefaultTimeout,
		Interface:         p.Interface(),
		AppSeqNo:          p.AppSeqNo,
		LatestState:       p.InitialState,
		LatestVersion:     0,
		LatestTimeout:     p.Timeout,
		OutcomeType:       p.OutcomeType,
		InterpreterParams: params,
		Meta:              p.Meta,
	})
}

func (p *AppInstanceProposal) clone() *AppInstanceProposal {
	out := *p
	out.InitiatorDeposit = cloneBig(p.InitiatorDeposit)
	out.ResponderDeposit = cloneBig(p.ResponderDeposit)
	out.Intermediaries = append([]string(nil), p.Intermediaries...)
	if p.Meta != nil {
		out.Meta = append(json.RawMessage{}, p.Meta...)
	}
	return &out
}
