package events

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/types"
	"statechannels/core/value"
)

// ChannelCreated is emitted once a setup run has been persisted.
type ChannelCreated struct {
	MultisigAddress  common.Address   `json:"multisigAddress"`
	Owners           []common.Address `json:"owners"`
	CounterpartyXpub string           `json:"counterpartyXpub"`
}

func (ChannelCreated) EventType() Kind { return KindChannelCreated }
func (ChannelCreated) payload() {}

type ProposeInstall struct {
	AppIdentityHash common.Hash                `json:"appIdentityHash"`
	Proposal        *types.AppInstanceProposal `json:"proposal"`
}

func (ProposeInstall) EventType() Kind { return KindProposeInstall }
func (ProposeInstall) payload() {}

type Install struct {
	AppIdentityHash common.Hash `json:"appIdentityHash"`
}

func (Install) EventType() Kind { return KindInstall }
func (Install) payload() {}

// InstallVirtual reports a virtual app routed through IntermediaryXpub.
type InstallVirtual struct {
	AppIdentityHash  common.Hash `json:"appIdentityHash"`
	IntermediaryXpub string      `json:"intermediaryXpub"`
}

func (InstallVirtual) EventType() Kind { return KindInstallVirtual }
func (InstallVirtual) payload() {}

// UpdateState carries the state an app moved to. Action is set when the
// state was produced by the app's transition function.
type UpdateState struct {
	AppIdentityHash common.Hash  `json:"appIdentityHash"`
	NewState        value.Value  `json:"newState"`
	VersionNumber   uint64       `json:"versionNumber"`
	Action          *value.Value `json:"action,omitempty"`
}

func (UpdateState) EventType() Kind { return KindUpdateState }
func (UpdateState) payload() {}

type Uninstall struct {
	AppIdentityHash common.Hash `json:"appIdentityHash"`
}

func (Uninstall) EventType() Kind { return KindUninstall }
func (Uninstall) payload() {}

type UninstallVirtual struct {
	AppIdentityHash  common.Hash `json:"appIdentityHash"`
	IntermediaryXpub string      `json:"intermediaryXpub"`
}

func (UninstallVirtual) EventType() Kind { return KindUninstallVirtual }
func (UninstallVirtual) payload() {}

type RejectInstall struct {
	AppIdentityHash common.Hash `json:"appIdentityHash"`
}

func (RejectInstall) EventType() Kind { return KindRejectInstall }
func (RejectInstall) payload() {}

// Transfer describes an on-chain movement of funds into or out of a
// channel multisig.
type Transfer struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	Recipient       common.Address `json:"recipient"`
	Amount          *big.Int       `json:"amount"`
	TokenAddress    common.Address `json:"tokenAddress"`
	TxHash          common.Hash    `json:"transactionHash"`
}

type DepositStarted Transfer

func (DepositStarted) EventType() Kind { return KindDepositStarted }
func (DepositStarted) payload() {}

type DepositConfirmed Transfer

func (DepositConfirmed) EventType() Kind { return KindDepositConfirmed }
func (DepositConfirmed) payload() {}

type WithdrawalStarted Transfer

func (WithdrawalStarted) EventType() Kind { return KindWithdrawalStarted }
func (WithdrawalStarted) payload() {}

type WithdrawalConfirmed Transfer

func (WithdrawalConfirmed) EventType() Kind { return KindWithdrawalConfirmed }
func (WithdrawalConfirmed) payload() {}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindChannelCreated:
		return decodeAs[ChannelCreated](kind, raw)
	case KindProposeInstall:
		return decodeAs[ProposeInstall](kind, raw)
	case KindInstall:
		return decodeAs[Install](kind, raw)
	case KindInstallVirtual:
		return decodeAs[InstallVirtual](kind, raw)
	case KindUpdateState:
		return decodeAs[UpdateState](kind, raw)
	case KindUninstall:
		return decodeAs[Uninstall](kind, raw)
	case KindUninstallVirtual:
		return decodeAs[UninstallVirtual](kind, raw)
	case KindRejectInstall:
		return decodeAs[RejectInstall](kind, raw)
	case KindDepositStarted:
		return decodeAs[DepositStarted](kind, raw)
	case KindDepositConfirmed:
		return decodeAs[DepositConfirmed](kind, raw)
	case KindWithdrawalStarted:
		return decodeAs[WithdrawalStarted](kind, raw)
	case KindWithdrawalConfirmed:
		return decodeAs[WithdrawalConfirmed](kind, raw)
	}
	return nil, fmt.Errorf("events: unknown event type %q", kind)
}

func decodeAs[T Payload](kind Kind, raw json.RawMessage) (Payload, error) {
	var data T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("events: decode %s: %w", kind, err)
		}
	}
	return data, nil
}
