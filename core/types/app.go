package types

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"statechannels/core/value"
)

const appIdentityEncoding = "tuple(address[] participants, address appDefinition, uint256 defaultTimeout)"

// AppInterface describes the contract implementing an app and the ABI shape
// of its state and actions. ActionEncoding is empty for apps without actions.
type AppInterface struct {
	Addr           common.Address `json:"addr"`
	StateEncoding  string         `json:"stateEncoding"`
	ActionEncoding string         `json:"actionEncoding,omitempty"`
}

// AppIdentity is the on-chain identity of an app instance.
type AppIdentity struct {
	Participants   []common.Address `json:"participants"`
	AppDefinition  common.Address   `json:"appDefinition"`
	DefaultTimeout uint64           `json:"defaultTimeout"`
}

// Value returns the identity as an ABI tuple value.
func (id AppIdentity) Value() value.Value {
	participants := make([]value.Value, len(id.Participants))
	for i, p := range id.Participants {
		participants[i] = value.Address(p)
	}
	return value.Tuple(
		value.F("participants", value.Array(participants...)),
		value.F("appDefinition", value.Address(id.AppDefinition)),
		value.F("defaultTimeout", value.Uint64(id.DefaultTimeout)),
	)
}

// Hash returns keccak256(abi.encode(identity)).
func (id AppIdentity) Hash() (common.Hash, error) {
	encoded, err := value.Encode(appIdentityEncoding, id.Value())
	if err != nil {
		return common.Hash{}, fmt.Errorf("types: encode app identity: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// AppInstance is one app installed in a channel. Values are never modified
// after construction; the With* helpers return updated copies.
type AppInstance struct {
	Multisig          common.Address    `json:"multisigAddress"`
	Participants      []common.Address  `json:"participants"`
	DefaultTimeout    uint64            `json:"defaultTimeout"`
	Interface         AppInterface      `json:"appInterface"`
	AppSeqNo          uint32            `json:"appSeqNo"`
	LatestState       value.Value       `json:"latestState"`
	LatestVersion     uint64            `json:"latestVersionNumber"`
	LatestTimeout     uint64            `json:"latestTimeout"`
	OutcomeType       OutcomeType       `json:"outcomeType"`
	InterpreterParams InterpreterParams `json:"interpreterParams"`
	Meta              json.RawMessage   `json:"meta,omitempty"`

	identityHash common.Hash
}

// NewAppInstance validates the instance and fixes its identity hash.
func NewAppInstance(app AppInstance) (*AppInstance, error) {
	if len(app.Participants) == 0 {
		return nil, fmt.Errorf("types: app instance without participants")
	}
	if !app.OutcomeType.Valid() {
		return nil, fmt.Errorf("types: invalid outcome type %q", app.OutcomeType)
	}
	out := app.clone()
	hash, err := out.Identity().Hash()
	if err != nil {
		return nil, err
	}
	out.identityHash = hash
	return out, nil
}

// Identity returns the app's on-chain identity.
func (a *AppInstance) Identity() AppIdentity {
	return AppIdentity{
		Participants:   append([]common.Address{}, a.Participants...),
		AppDefinition:  a.Interface.Addr,
		DefaultTimeout: a.DefaultTimeout,
	}
}

// IdentityHash is the stable key of the instance.
func (a *AppInstance) IdentityHash() common.Hash {
	return a.identityHash
}

// EncodedState ABI-encodes the latest state.
func (a *AppInstance) EncodedState() ([]byte, error) {
	return value.Encode(a.Interface.StateEncoding, a.LatestState)
}

// StateHash is keccak256 of the encoded latest state.
func (a *AppInstance) StateHash() (common.Hash, error) {
	encoded, err := a.EncodedState()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// EncodeAction ABI-encodes an action for this app.
func (a *AppInstance) EncodeAction(action value.Value) ([]byte, error) {
	if a.Interface.ActionEncoding == "" {
		return nil, fmt.Errorf("types: app %s has no action encoding", a.identityHash.Hex())
	}
	return value.Encode(a.Interface.ActionEncoding, action)
}

// WithState returns a copy at the next version holding state.
func (a *AppInstance) WithState(state value.Value, timeout uint64) *AppInstance {
	out := a.clone()
	out.LatestState = state
	out.LatestVersion = a.LatestVersion + 1
	out.LatestTimeout = timeout
	return out
}

func (a *AppInstance) clone() *AppInstance {
	out := *a
	out.Participants = append([]common.Address{}, a.Participants...)
	out.InterpreterParams = a.InterpreterParams.Clone()
	if a.Meta != nil {
		out.Meta = append(json.RawMessage{}, a.Meta...)
	}
	return &out
}

// UnmarshalJSON restores the instance and recomputes its identity hash.
func (a *AppInstance) UnmarshalJSON(data []byte) error {
	type plain AppInstance
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	app, err := NewAppInstance(AppInstance(decoded))
	if err != nil {
		return err
	}
	*a = *app
	return nil
}
