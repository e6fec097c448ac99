package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// pair renders a map entry as a two element JSON array.
type pair[T any] struct {
	ID    common.Hash
	Value T
}

func (p pair[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{p.ID, p.Value})
}

func (p *pair[T]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("types: expected [id, value] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Value)
}

type stateChannelJSON struct {
	MultisigAddress        common.Address                                   `json:"multisigAddress"`
	UserNeuteredXpubs      []string                                         `json:"userNeuteredExtendedKeys"`
	AppInstances           []pair[*AppInstance]                             `json:"appInstances"`
	ProposedAppInstances   []pair[*AppInstanceProposal]                     `json:"proposedAppInstances"`
	FreeBalanceAppInstance *AppInstance                                     `json:"freeBalanceAppInstance"`
	Agreements             []pair[SingleAssetTwoPartyIntermediaryAgreement] `json:"singleAssetTwoPartyIntermediaryAgreements"`
	NumProposedApps        uint32                                           `json:"numProposedApps"`
}

// MarshalJSON writes the persisted layout. Maps become id ordered arrays of
// pairs; empty collections are written as empty arrays.
func (sc *StateChannel) MarshalJSON() ([]byte, error) {
	out := stateChannelJSON{
		MultisigAddress:        sc.multisigAddress,
		UserNeuteredXpubs:      append([]string{}, sc.userXpubs...),
		AppInstances:           []pair[*AppInstance]{},
		ProposedAppInstances:   []pair[*AppInstanceProposal]{},
		FreeBalanceAppInstance: sc.freeBalance,
		Agreements:             []pair[SingleAssetTwoPartyIntermediaryAgreement]{},
		NumProposedApps:        sc.numProposedApps,
	}
	for _, app := range sc.AppInstances() {
		out.AppInstances = append(out.AppInstances, pair[*AppInstance]{ID: app.IdentityHash(), Value: app})
	}
	for _, p := range sc.ProposedAppInstances() {
		out.ProposedAppInstances = append(out.ProposedAppInstances, pair[*AppInstanceProposal]{ID: p.IdentityHash, Value: p})
	}
	for _, a := range sc.IntermediaryAgreements() {
		out.Agreements = append(out.Agreements, pair[SingleAssetTwoPartyIntermediaryAgreement]{ID: a.TargetAppIdentityHash, Value: a})
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a channel written by MarshalJSON.
func (sc *StateChannel) UnmarshalJSON(data []byte) error {
	var in stateChannelJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.FreeBalanceAppInstance == nil {
		return fmt.Errorf("types: channel %s has no free balance", in.MultisigAddress.Hex())
	}
	restored := StateChannel{
		multisigAddress: in.MultisigAddress,
		userXpubs:       append([]string{}, in.UserNeuteredXpubs...),
		appInstances:    make(map[common.Hash]*AppInstance, len(in.AppInstances)),
		proposals:       make(map[common.Hash]*AppInstanceProposal, len(in.ProposedAppInstances)),
		freeBalance:     in.FreeBalanceAppInstance,
		agreements:      make(map[common.Hash]SingleAssetTwoPartyIntermediaryAgreement, len(in.Agreements)),
		numProposedApps: in.NumProposedApps,
	}
	for _, entry := range in.AppInstances {
		if entry.Value == nil || entry.Value.IdentityHash() != entry.ID {
			return fmt.Errorf("types: app instance entry %s does not match its identity", entry.ID.Hex())
		}
		restored.appInstances[entry.ID] = entry.Value
	}
	for _, entry := range in.ProposedAppInstances {
		if entry.Value == nil || entry.Value.IdentityHash != entry.ID {
			return fmt.Errorf("types: proposal entry %s does not match its identity", entry.ID.Hex())
		}
		restored.proposals[entry.ID] = entry.Value
	}
	for _, entry := range in.Agreements {
		if entry.Value.TargetAppIdentityHash != entry.ID {
			return fmt.Errorf("types: agreement entry %s does not match its target", entry.ID.Hex())
		}
		restored.agreements[entry.ID] = entry.Value
	}
	*sc = restored
	return nil
}

// Equal reports whether both channels serialise identically.
func (sc *StateChannel) Equal(other *StateChannel) bool {
	if sc == nil || other == nil {
		return sc == other
	}
	a, errA := json.Marshal(sc)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
