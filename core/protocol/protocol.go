// Package protocol runs the multi-party handshakes that change channel
// state. Every run is a linear sequence of steps: compute and sign under the
// channel lock, exchange signatures with the counterparty without holding
// any lock, then re-read, verify and persist under the lock again.
package protocol

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	"statechannels/core/types"
	"statechannels/core/value"
)

// Name identifies a protocol on the wire.
type Name string

const (
	Setup               Name = "setup"
	Propose             Name = "propose"
	Install             Name = "install"
	Update              Name = "update"
	TakeAction          Name = "take-action"
	Uninstall           Name = "uninstall"
	InstallVirtualApp   Name = "install-virtual-app"
	UninstallVirtualApp Name = "uninstall-virtual-app"
	Withdraw            Name = "withdraw"
	RejectInstall       Name = "reject-install"
)

// Role is the part a node plays in a run.
type Role string

const (
	RoleInitiator    Role = "initiator"
	RoleResponder    Role = "responder"
	RoleIntermediary Role = "intermediary"
)

// DefaultMaxApps bounds the installed apps of a channel when no limit is
// configured.
const DefaultMaxApps = 64

// SetupParams creates the channel between two parties.
type SetupParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	InitiatorXpub   string         `json:"initiatorXpub"`
	ResponderXpub   string         `json:"responderXpub"`
}

// ProposeParams offers an app to the counterparty. AppSeqNo is assigned by
// the initiator.
type ProposeParams struct {
	MultisigAddress              common.Address    `json:"multisigAddress"`
	InitiatorXpub                string            `json:"initiatorXpub"`
	ResponderXpub                string            `json:"responderXpub"`
	AppDefinition                common.Address    `json:"appDefinition"`
	StateEncoding                string            `json:"stateEncoding"`
	ActionEncoding               string            `json:"actionEncoding,omitempty"`
	InitialState                 value.Value       `json:"initialState"`
	InitiatorDeposit             *big.Int          `json:"initiatorDeposit"`
	InitiatorDepositTokenAddress common.Address    `json:"initiatorDepositTokenAddress"`
	ResponderDeposit             *big.Int          `json:"responderDeposit"`
	ResponderDepositTokenAddress common.Address    `json:"responderDepositTokenAddress"`
	DefaultTimeout               uint64            `json:"defaultTimeout"`
	Timeout                      uint64            `json:"timeout"`
	OutcomeType                  types.OutcomeType `json:"outcomeType"`
	Meta                         json.RawMessage   `json:"meta,omitempty"`
	AppSeqNo                     uint32            `json:"appSeqNo"`
}

// InstallParams accepts a pending proposal.
type InstallParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	InitiatorXpub   string         `json:"initiatorXpub"`
	ResponderXpub   string         `json:"responderXpub"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
}

// UpdateParams replaces an app's state. A zero Timeout keeps the app's
// current state timeout.
type UpdateParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	InitiatorXpub   string         `json:"initiatorXpub"`
	ResponderXpub   string         `json:"responderXpub"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
	NewState        value.Value    `json:"newState"`
	Timeout         uint64         `json:"timeout,omitempty"`
}

// TakeActionParams advances an app through its transition function.
type TakeActionParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	InitiatorXpub   string         `json:"initiatorXpub"`
	ResponderXpub   string         `json:"responderXpub"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
	Action          value.Value    `json:"action"`
	Timeout         uint64         `json:"timeout,omitempty"`
}

// UninstallParams removes an app and pays out its outcome.
type UninstallParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	InitiatorXpub   string         `json:"initiatorXpub"`
	ResponderXpub   string         `json:"responderXpub"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
}

// InstallVirtualAppParams installs an app between initiator and responder
// through an intermediary both share a channel with. Deposits are in a
// single token.
type InstallVirtualAppParams struct {
	InitiatorXpub    string            `json:"initiatorXpub"`
	IntermediaryXpub string            `json:"intermediaryXpub"`
	ResponderXpub    string            `json:"responderXpub"`
	AppDefinition    common.Address    `json:"appDefinition"`
	StateEncoding    string            `json:"stateEncoding"`
	ActionEncoding   string            `json:"actionEncoding,omitempty"`
	InitialState     value.Value       `json:"initialState"`
	InitiatorDeposit *big.Int          `json:"initiatorDeposit"`
	ResponderDeposit *big.Int          `json:"responderDeposit"`
	TokenAddress     common.Address    `json:"tokenAddress"`
	DefaultTimeout   uint64            `json:"defaultTimeout"`
	Timeout          uint64            `json:"timeout"`
	OutcomeType      types.OutcomeType `json:"outcomeType"`
	Meta             json.RawMessage   `json:"meta,omitempty"`
	AppSeqNo         uint32            `json:"appSeqNo"`
}

// UninstallVirtualAppParams settles a virtual app in both legs.
type UninstallVirtualAppParams struct {
	InitiatorXpub         string      `json:"initiatorXpub"`
	IntermediaryXpub      string      `json:"intermediaryXpub"`
	ResponderXpub         string      `json:"responderXpub"`
	TargetAppIdentityHash common.Hash `json:"targetAppIdentityHash"`
}

// WithdrawParams moves part of the initiator's free balance out of the
// multisig.
type WithdrawParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	InitiatorXpub   string         `json:"initiatorXpub"`
	ResponderXpub   string         `json:"responderXpub"`
	Recipient       common.Address `json:"recipient"`
	Amount          *big.Int       `json:"amount"`
	TokenAddress    common.Address `json:"tokenAddress"`
}

// RejectInstallParams drops a pending proposal on both parties.
type RejectInstallParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	InitiatorXpub   string         `json:"initiatorXpub"`
	ResponderXpub   string         `json:"responderXpub"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
}

// Result is what a completed run hands back to its initiator.
type Result struct {
	ProcessID       string
	Channel         *types.StateChannel
	AppIdentityHash common.Hash
	Transaction     *commitment.MinimalTransaction
}

// Completion describes a finished run from the point of view of one party.
// Every party of a run is notified, whatever its role.
type Completion struct {
	Protocol        Name
	Role            Role
	ProcessID       string
	Initiator       string
	Channels        []*types.StateChannel
	AppIdentityHash common.Hash
	Params          interface{}
	Transaction     *commitment.MinimalTransaction
}

// Observer is notified after a run has been persisted.
type Observer interface {
	ProtocolCompleted(Completion)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Completion)

func (f ObserverFunc) ProtocolCompleted(c Completion) { f(c) }
