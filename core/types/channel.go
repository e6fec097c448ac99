package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	chanerrors "statechannels/core/errors"
	"statechannels/core/value"
	"statechannels/crypto"
)

// StateChannel is the off-chain ledger between a fixed set of parties. A
// StateChannel is never modified after it is built: every mutator returns a
// new channel and leaves the receiver untouched.
type StateChannel struct {
	multisigAddress common.Address
	userXpubs       []string
	appInstances    map[common.Hash]*AppInstance
	proposals       map[common.Hash]*AppInstanceProposal
	freeBalance     *AppInstance
	agreements      map[common.Hash]SingleAssetTwoPartyIntermediaryAgreement
	numProposedApps uint32
}

// SetupChannel builds a fresh channel whose free balance tracks zero ether
// for every party.
func SetupChannel(freeBalanceAppDefinition, multisig common.Address, xpubs []string) (*StateChannel, error) {
	if len(xpubs) < 2 {
		return nil, fmt.Errorf("%w: a channel needs at least two parties", chanerrors.ErrInvalidParams)
	}
	owners, err := MultisigOwners(xpubs)
	if err != nil {
		return nil, err
	}
	fb, err := NewAppInstance(AppInstance{
		Multisig:       multisig,
		Participants:   owners,
		DefaultTimeout: FreeBalanceDefaultTimeout,
		Interface: AppInterface{
			Addr:          freeBalanceAppDefinition,
			StateEncoding: FreeBalanceStateEncoding,
		},
		AppSeqNo:      0,
		LatestState:   NewFreeBalanceState(owners).Value(),
		LatestTimeout: FreeBalanceDefaultTimeout,
		OutcomeType:   OutcomeMultiAssetMultiPartyCoinTransfer,
		InterpreterParams: InterpreterParams{
			MultiAssetMultiPartyCoinTransfer: &MultiAssetMultiPartyCoinTransferParams{},
		},
	})
	if err != nil {
		return nil, err
	}
	return &StateChannel{
		multisigAddress: multisig,
		userXpubs:       append([]string{}, xpubs...),
		appInstances:    map[common.Hash]*AppInstance{},
		proposals:       map[common.Hash]*AppInstanceProposal{},
		freeBalance:     fb,
		agreements:      map[common.Hash]SingleAssetTwoPartyIntermediaryAgreement{},
		numProposedApps: 1,
	}, nil
}

func (sc *StateChannel) clone() *StateChannel {
	out := &StateChannel{
		multisigAddress: sc.multisigAddress,
		userXpubs:       append([]string{}, sc.userXpubs...),
		appInstances:    make(map[common.Hash]*AppInstance, len(sc.appInstances)),
		proposals:       make(map[common.Hash]*AppInstanceProposal, len(sc.proposals)),
		freeBalance:     sc.freeBalance,
		agreements:      make(map[common.Hash]SingleAssetTwoPartyIntermediaryAgreement, len(sc.agreements)),
		numProposedApps: sc.numProposedApps,
	}
	// Instances and proposals are immutable so sharing pointers is safe.
	for id, app := range sc.appInstances {
		out.appInstances[id] = app
	}
	for id, p := range sc.proposals {
		out.proposals[id] = p
	}
	for id, a := range sc.agreements {
		out.agreements[id] = a
	}
	return out
}

// MultisigAddress is the channel key.
func (sc *StateChannel) MultisigAddress() common.Address { return sc.multisigAddress }

// UserXpubs returns the parties' extended public keys in setup order.
func (sc *StateChannel) UserXpubs() []string { return append([]string{}, sc.userXpubs...) }

// NumProposedApps is the next app sequence number.
func (sc *StateChannel) NumProposedApps() uint32 { return sc.numProposedApps }

// NumActiveApps counts installed apps, excluding the free balance.
func (sc *StateChannel) NumActiveApps() int { return len(sc.appInstances) }

// FreeBalance returns the free balance app instance.
func (sc *StateChannel) FreeBalance() *AppInstance { return sc.freeBalance }

// FreeBalanceState decodes the current free balance.
func (sc *StateChannel) FreeBalanceState() (FreeBalanceState, error) {
	return FreeBalanceStateFromValue(sc.freeBalance.LatestState)
}

// MultisigOwners returns the sorted index zero addresses of the parties.
func (sc *StateChannel) MultisigOwners() ([]common.Address, error) {
	return MultisigOwners(sc.userXpubs)
}

// SigningKeysFor returns the sorted app keys of the parties at seq.
func (sc *StateChannel) SigningKeysFor(seq uint32) ([]common.Address, error) {
	return crypto.XKeysToSortedKthAddresses(sc.userXpubs, seq)
}

// HasParty reports whether xpub is one of the channel's parties.
func (sc *StateChannel) HasParty(xpub string) bool {
	for _, x := range sc.userXpubs {
		if x == xpub {
			return true
		}
	}
	return false
}

// Counterparty returns the other party of a two party channel.
func (sc *StateChannel) Counterparty(xpub string) (string, error) {
	if len(sc.userXpubs) != 2 || !sc.HasParty(xpub) {
		return "", fmt.Errorf("%w: %s in channel %s", chanerrors.ErrNotAParticipant, xpub, sc.multisigAddress.Hex())
	}
	if sc.userXpubs[0] == xpub {
		return sc.userXpubs[1], nil
	}
	return sc.userXpubs[0], nil
}

func sortedHashes(ids []common.Hash) []common.Hash {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i].Bytes(), ids[j].Bytes()) < 0 })
	return ids
}

// AppInstances returns the installed apps ordered by identity hash.
func (sc *StateChannel) AppInstances() []*AppInstance {
	ids := make([]common.Hash, 0, len(sc.appInstances))
	for id := range sc.appInstances {
		ids = append(ids, id)
	}
	out := make([]*AppInstance, 0, len(ids))
	for _, id := range sortedHashes(ids) {
		out = append(out, sc.appInstances[id])
	}
	return out
}

// IsAppInstalled reports whether id is installed (the free balance counts).
func (sc *StateChannel) IsAppInstalled(id common.Hash) bool {
	if id == sc.freeBalance.IdentityHash() {
		return true
	}
	_, ok := sc.appInstances[id]
	return ok
}

// GetAppInstance returns an installed app or the free balance.
func (sc *StateChannel) GetAppInstance(id common.Hash) (*AppInstance, error) {
	if id == sc.freeBalance.IdentityHash() {
		return sc.freeBalance, nil
	}
	app, ok := sc.appInstances[id]
	if !ok {
		return nil, chanerrors.NewAppNotFound(id, sc.multisigAddress)
	}
	return app, nil
}

// GetAppInstanceBySeqNo finds an installed app by sequence number.
func (sc *StateChannel) GetAppInstanceBySeqNo(seq uint32) (*AppInstance, bool) {
	for _, app := range sc.appInstances {
		if app.AppSeqNo == seq {
			return app, true
		}
	}
	return nil, false
}

// ProposedAppInstances returns the pending proposals ordered by identity hash.
func (sc *StateChannel) ProposedAppInstances() []*AppInstanceProposal {
	ids := make([]common.Hash, 0, len(sc.proposals))
	for id := range sc.proposals {
		ids = append(ids, id)
	}
	out := make([]*AppInstanceProposal, 0, len(ids))
	for _, id := range sortedHashes(ids) {
		out = append(out, sc.proposals[id])
	}
	return out
}

// HasProposal reports whether id is pending.
func (sc *StateChannel) HasProposal(id common.Hash) bool {
	_, ok := sc.proposals[id]
	return ok
}

// GetProposal returns a pending proposal.
func (sc *StateChannel) GetProposal(id common.Hash) (*AppInstanceProposal, error) {
	p, ok := sc.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in channel %s", chanerrors.ErrNoProposedAppInstance, id.Hex(), sc.multisigAddress.Hex())
	}
	return p, nil
}

// IntermediaryAgreements returns the agreements ordered by target app.
func (sc *StateChannel) IntermediaryAgreements() []SingleAssetTwoPartyIntermediaryAgreement {
	ids := make([]common.Hash, 0, len(sc.agreements))
	for id := range sc.agreements {
		ids = append(ids, id)
	}
	out := make([]SingleAssetTwoPartyIntermediaryAgreement, 0, len(ids))
	for _, id := range sortedHashes(ids) {
		out = append(out, sc.agreements[id].clone())
	}
	return out
}

// GetIntermediaryAgreement returns the agreement for a virtual app.
func (sc *StateChannel) GetIntermediaryAgreement(target common.Hash) (SingleAssetTwoPartyIntermediaryAgreement, bool) {
	a, ok := sc.agreements[target]
	return a.clone(), ok
}

// ReserveAppSeqNo hands out the next sequence number.
func (sc *StateChannel) ReserveAppSeqNo() (*StateChannel, uint32) {
	out := sc.clone()
	seq := out.numProposedApps
	out.numProposedApps++
	return out, seq
}

// IsAppSeqNoAvailable reports whether seq has not been handed out yet.
func (sc *StateChannel) IsAppSeqNoAvailable(seq uint32) bool {
	return seq >= sc.numProposedApps
}

func (sc *StateChannel) bumpCounter(seq uint32) {
	if seq+1 > sc.numProposedApps {
		sc.numProposedApps = seq + 1
	}
}

// AddProposal records a proposal (proposeApp).
func (sc *StateChannel) AddProposal(p *AppInstanceProposal) (*StateChannel, error) {
	if p.InitialState.IsNull() {
		return nil, chanerrors.ErrNullInitialState
	}
	if sc.IsAppInstalled(p.IdentityHash) {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrAppAlreadyInstalled, p.IdentityHash.Hex())
	}
	if sc.HasProposal(p.IdentityHash) {
		return nil, fmt.Errorf("%w: %d", chanerrors.ErrProposalConflict, p.AppSeqNo)
	}
	out := sc.clone()
	out.proposals[p.IdentityHash] = p.clone()
	out.bumpCounter(p.AppSeqNo)
	return out, nil
}

// RemoveProposal drops a proposal (rejectProposal). Removing an unknown id
// returns the receiver unchanged.
func (sc *StateChannel) RemoveProposal(id common.Hash) *StateChannel {
	if !sc.HasProposal(id) {
		return sc
	}
	out := sc.clone()
	delete(out.proposals, id)
	return out
}

func (sc *StateChannel) withFreeBalance(state FreeBalanceState) *StateChannel {
	out := sc.clone()
	out.freeBalance = sc.freeBalance.WithState(state.Value(), sc.freeBalance.LatestTimeout)
	return out
}

// SetFreeBalance replaces the free balance state, bumping its version.
func (sc *StateChannel) SetFreeBalance(state FreeBalanceState) *StateChannel {
	return sc.withFreeBalance(state)
}

// InstallApp adds app, locking amounts from the free balance. A matching
// proposal is consumed.
func (sc *StateChannel) InstallApp(app *AppInstance, amounts TokenIndexedBalances) (*StateChannel, error) {
	id := app.IdentityHash()
	if sc.IsAppInstalled(id) {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrAppAlreadyInstalled, id.Hex())
	}
	fb, err := sc.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	locked, err := fb.Lock(sc.multisigAddress, id, amounts)
	if err != nil {
		return nil, err
	}
	out := sc.withFreeBalance(locked)
	out.appInstances[id] = app
	delete(out.proposals, id)
	out.bumpCounter(app.AppSeqNo)
	return out, nil
}

// UninstallApp removes an installed app and credits amounts to the free balance.
func (sc *StateChannel) UninstallApp(id common.Hash, amounts TokenIndexedBalances) (*StateChannel, error) {
	if id == sc.freeBalance.IdentityHash() {
		return nil, chanerrors.ErrCannotUninstallFreeBalance
	}
	if _, ok := sc.appInstances[id]; !ok {
		return nil, chanerrors.NewAppNotFound(id, sc.multisigAddress)
	}
	fb, err := sc.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	out := sc.withFreeBalance(fb.Release(id, amounts))
	delete(out.appInstances, id)
	return out, nil
}

// SetState replaces an installed app with a newer version of itself.
func (sc *StateChannel) SetState(id common.Hash, state value.Value, timeout uint64) (*StateChannel, error) {
	app, ok := sc.appInstances[id]
	if !ok {
		if id == sc.freeBalance.IdentityHash() {
			return nil, fmt.Errorf("%w: the free balance is updated with SetFreeBalance", chanerrors.ErrInvalidParams)
		}
		return nil, chanerrors.NewAppNotFound(id, sc.multisigAddress)
	}
	out := sc.clone()
	out.appInstances[id] = app.WithState(state, timeout)
	return out, nil
}

// AddIntermediaryAgreement locks one leg of a virtual app against target.
func (sc *StateChannel) AddIntermediaryAgreement(target common.Hash, agreement SingleAssetTwoPartyIntermediaryAgreement, amounts TokenIndexedBalances) (*StateChannel, error) {
	if _, ok := sc.agreements[target]; ok {
		return nil, fmt.Errorf("%w: agreement for %s", chanerrors.ErrAppAlreadyInstalled, target.Hex())
	}
	fb, err := sc.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	locked, err := fb.Lock(sc.multisigAddress, target, amounts)
	if err != nil {
		return nil, err
	}
	out := sc.withFreeBalance(locked)
	out.agreements[target] = agreement.clone()
	return out, nil
}

// RemoveIntermediaryAgreement settles a leg, crediting amounts.
func (sc *StateChannel) RemoveIntermediaryAgreement(target common.Hash, amounts TokenIndexedBalances) (*StateChannel, error) {
	if _, ok := sc.agreements[target]; !ok {
		return nil, chanerrors.NewAppNotFound(target, sc.multisigAddress)
	}
	fb, err := sc.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	out := sc.withFreeBalance(fb.Release(target, amounts))
	delete(out.agreements, target)
	return out, nil
}
