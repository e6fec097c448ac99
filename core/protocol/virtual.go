package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/crypto"
	"statechannels/p2p"
)

// virtualParties resolves the channels a virtual app spans: the two legs
// through the intermediary and the channel between the app's users.
type virtualParties struct {
	initiator, intermediary, responder string

	ab, bc, ac common.Address

	// index zero addresses of the three parties
	initiatorAddr, intermediaryAddr, responderAddr common.Address
}

func (e *Engine) virtualParties(initiator, intermediary, responder string) (*virtualParties, error) {
	if initiator == intermediary || intermediary == responder || initiator == responder {
		return nil, fmt.Errorf("%w: virtual app parties must be distinct", chanerrors.ErrInvalidParams)
	}
	vp := &virtualParties{initiator: initiator, intermediary: intermediary, responder: responder}
	var err error
	if vp.ab, err = types.ComputeMultisigAddress([]string{initiator, intermediary}, e.network); err != nil {
		return nil, err
	}
	if vp.bc, err = types.ComputeMultisigAddress([]string{intermediary, responder}, e.network); err != nil {
		return nil, err
	}
	if vp.ac, err = types.ComputeMultisigAddress([]string{initiator, responder}, e.network); err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		xpub string
		addr *common.Address
	}{
		{initiator, &vp.initiatorAddr},
		{intermediary, &vp.intermediaryAddr},
		{responder, &vp.responderAddr},
	} {
		key, err := e.keys.Derive(pair.xpub, 0)
		if err != nil {
			return nil, err
		}
		*pair.addr = key.Address
	}
	return vp, nil
}

// locksFor returns the channels role touches.
func (vp *virtualParties) locksFor(role Role) []common.Address {
	switch role {
	case RoleInitiator:
		return []common.Address{vp.ab, vp.ac}
	case RoleIntermediary:
		return []common.Address{vp.ab, vp.bc}
	}
	return []common.Address{vp.bc, vp.ac}
}

// loadOrCreateVirtual returns the channel between the app's users, which
// exists only off-chain when the users never opened a direct channel.
func (e *Engine) loadOrCreateVirtual(vp *virtualParties) (*types.StateChannel, error) {
	sc, err := e.store.GetStateChannel(vp.ac)
	if err == nil {
		return sc, nil
	}
	if !errors.Is(err, chanerrors.ErrChannelNotFound) {
		return nil, err
	}
	return types.SetupChannel(e.network.IdentityApp, vp.ac, []string{vp.initiator, vp.responder})
}

func virtualProposal(params InstallVirtualAppParams) (*types.AppInstanceProposal, error) {
	p, err := proposal(ProposeParams{
		InitiatorXpub:                params.InitiatorXpub,
		ResponderXpub:                params.ResponderXpub,
		AppDefinition:                params.AppDefinition,
		StateEncoding:                params.StateEncoding,
		ActionEncoding:               params.ActionEncoding,
		InitialState:                 params.InitialState,
		InitiatorDeposit:             params.InitiatorDeposit,
		InitiatorDepositTokenAddress: params.TokenAddress,
		ResponderDeposit:             params.ResponderDeposit,
		ResponderDepositTokenAddress: params.TokenAddress,
		DefaultTimeout:               params.DefaultTimeout,
		Timeout:                      params.Timeout,
		OutcomeType:                  params.OutcomeType,
		Meta:                         params.Meta,
		AppSeqNo:                     params.AppSeqNo,
	})
	if err != nil {
		return nil, err
	}
	p.Intermediaries = []string{params.IntermediaryXpub}
	return p, nil
}

// collateralError reports a leg the intermediary cannot fund as a failed
// virtual install.
func collateralError(err error, intermediary string, provider common.Address) error {
	var funds *chanerrors.InsufficientFundsError
	if errors.As(err, &funds) && funds.Party == provider {
		return &chanerrors.VirtualAppError{Intermediary: intermediary, Cause: err}
	}
	return err
}

// installLeg locks the deposits of one leg against the virtual app. user
// funds their own deposit and the intermediary fronts the other side's.
func (e *Engine) installLeg(p *plan, vp *virtualParties, multisig common.Address, target common.Hash, user common.Address, userDeposit, providerDeposit *big.Int, token common.Address) error {
	sc, err := e.loadChannel(multisig)
	if err != nil {
		return err
	}
	if !sc.HasParty(vp.intermediary) {
		return fmt.Errorf("%w: %s in channel %s", chanerrors.ErrNotAParticipant, shortKey(vp.intermediary), multisig.Hex())
	}
	total := new(big.Int).Add(userDeposit, providerDeposit)
	agreement := types.SingleAssetTwoPartyIntermediaryAgreement{
		TargetAppIdentityHash: target,
		CapitalProvided:       total,
		CapitalProvider:       vp.intermediaryAddr,
		VirtualAppUser:        user,
		TokenAddress:          token,
	}
	amounts := types.TokenIndexedBalances{}
	amounts.Add(token, user, userDeposit)
	amounts.Add(token, vp.intermediaryAddr, providerDeposit)
	next, err := sc.AddIntermediaryAgreement(target, agreement, amounts)
	if err != nil {
		return collateralError(err, vp.intermediary, vp.intermediaryAddr)
	}
	fb := next.FreeBalance()
	c, err := commitment.SetStateForApp(e.network, fb)
	if err != nil {
		return err
	}
	p.channels = append(p.channels, next)
	p.add(multisig, fb.IdentityHash(), 0, c)
	return nil
}

// uninstallLeg settles one leg, paying the user its share of the virtual
// app outcome and the intermediary the rest of the capital.
func (e *Engine) uninstallLeg(p *plan, multisig common.Address, target common.Hash, increments types.TokenIndexedBalances) error {
	sc, err := e.loadChannel(multisig)
	if err != nil {
		return err
	}
	agreement, ok := sc.GetIntermediaryAgreement(target)
	if !ok {
		return chanerrors.NewAppNotFound(target, multisig)
	}
	payout := agreement.Payout(increments.Get(agreement.TokenAddress, agreement.VirtualAppUser))
	next, err := sc.RemoveIntermediaryAgreement(target, payout)
	if err != nil {
		return err
	}
	fb := next.FreeBalance()
	c, err := commitment.SetStateForApp(e.network, fb)
	if err != nil {
		return err
	}
	p.channels = append(p.channels, next)
	p.add(multisig, fb.IdentityHash(), 0, c)
	return nil
}

// virtualInstallPlan builds the legs role takes part in. The responder
// claims the app's sequence number for the run claimFor.
func (e *Engine) virtualInstallPlan(params InstallVirtualAppParams, vp *virtualParties, role Role, claimFor string) (*plan, error) {
	proposal, err := virtualProposal(params)
	if err != nil {
		return nil, err
	}
	app, err := proposal.ToAppInstance(vp.ac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	target := app.IdentityHash()
	initiatorDeposit, responderDeposit := proposal.InitiatorDeposit, proposal.ResponderDeposit

	out := &plan{appID: target}
	if role != RoleResponder {
		if err := e.installLeg(out, vp, vp.ab, target, vp.initiatorAddr, initiatorDeposit, responderDeposit, params.TokenAddress); err != nil {
			return nil, err
		}
	}
	if role != RoleInitiator {
		if err := e.installLeg(out, vp, vp.bc, target, vp.responderAddr, responderDeposit, initiatorDeposit, params.TokenAddress); err != nil {
			return nil, err
		}
	}
	if role == RoleIntermediary {
		return out, nil
	}

	ac, err := e.loadOrCreateVirtual(vp)
	if err != nil {
		return nil, err
	}
	if role == RoleResponder {
		if err := e.claimSeq(ac, params.AppSeqNo, params.InitiatorXpub, claimFor); err != nil {
			return nil, err
		}
	}
	if err := e.checkAppLimit(ac); err != nil {
		return nil, err
	}
	next, err := ac.InstallApp(app, types.TokenIndexedBalances{})
	if err != nil {
		return nil, err
	}
	c, err := commitment.SetStateForApp(e.network, app)
	if err != nil {
		return nil, err
	}
	out.channels = append(out.channels, next)
	out.add(vp.ac, target, app.AppSeqNo, c)
	return out, nil
}

// virtualUninstallPlan settles the legs role is part of. claimed is the
// app as the initiator last saw it; the users refuse to settle any other
// version and the intermediary, holding no copy, checks it belongs to the
// users it fronted.
func (e *Engine) virtualUninstallPlan(ctx context.Context, params UninstallVirtualAppParams, vp *virtualParties, claimed *types.AppInstance, role Role) (*plan, error) {
	if claimed == nil || claimed.IdentityHash() != params.TargetAppIdentityHash {
		return nil, fmt.Errorf("%w: app does not match %s", chanerrors.ErrInvalidParams, params.TargetAppIdentityHash.Hex())
	}
	app := claimed
	var ac *types.StateChannel
	if role == RoleIntermediary {
		users, err := crypto.XKeysToSortedKthAddresses([]string{vp.initiator, vp.responder}, claimed.AppSeqNo)
		if err != nil {
			return nil, err
		}
		if len(users) != len(claimed.Participants) {
			return nil, fmt.Errorf("%w: app %s is not between %s and %s", chanerrors.ErrInvalidParams,
				claimed.IdentityHash().Hex(), shortKey(vp.initiator), shortKey(vp.responder))
		}
		for i := range users {
			if users[i] != claimed.Participants[i] {
				return nil, fmt.Errorf("%w: app %s is not between %s and %s", chanerrors.ErrInvalidParams,
					claimed.IdentityHash().Hex(), shortKey(vp.initiator), shortKey(vp.responder))
			}
		}
	} else {
		var err error
		if ac, err = e.loadChannel(vp.ac); err != nil {
			return nil, err
		}
		if app, err = ac.GetAppInstance(params.TargetAppIdentityHash); err != nil {
			return nil, err
		}
		if err := sameState(app, claimed); err != nil {
			return nil, err
		}
	}

	increments, err := e.resolver.ComputeIncrements(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("compute outcome of %s: %w", app.IdentityHash().Hex(), err)
	}
	out := &plan{appID: params.TargetAppIdentityHash}
	if role != RoleResponder {
		if err := e.uninstallLeg(out, vp.ab, params.TargetAppIdentityHash, increments); err != nil {
			return nil, err
		}
	}
	if role != RoleInitiator {
		if err := e.uninstallLeg(out, vp.bc, params.TargetAppIdentityHash, increments); err != nil {
			return nil, err
		}
	}
	if ac != nil {
		next, err := ac.UninstallApp(params.TargetAppIdentityHash, types.TokenIndexedBalances{})
		if err != nil {
			return nil, err
		}
		out.channels = append(out.channels, next)
	}
	return out, nil
}

func sameState(local, claimed *types.AppInstance) error {
	if local.LatestVersion != claimed.LatestVersion {
		return fmt.Errorf("%w: app %s is at version %d, counterparty settles version %d", chanerrors.ErrStaleChannelState,
			local.IdentityHash().Hex(), local.LatestVersion, claimed.LatestVersion)
	}
	localHash, err := local.StateHash()
	if err != nil {
		return err
	}
	claimedHash, err := claimed.StateHash()
	if err != nil {
		return fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	if localHash != claimedHash {
		return fmt.Errorf("%w: app %s state differs at version %d", chanerrors.ErrStaleChannelState,
			local.IdentityHash().Hex(), local.LatestVersion)
	}
	return nil
}

// relay runs the intermediary side: check and countersign the initiator's
// leg, forward every signature to the responder and answer the initiator
// once the responder has countersigned. Both legs are persisted when the
// initiator commits, then the commit is passed on to the responder.
func (e *Engine) relay(ctx context.Context, r *run, msg *p2p.Message, in *envelope, vp *virtualParties, compute func() (*plan, error)) (*plan, error) {
	locks := vp.locksFor(RoleIntermediary)

	unlock := e.locker.Lock(locks...)
	first, err := compute()
	var mine []SignedDigest
	if err == nil {
		mine, err = e.sign(first)
	}
	if err == nil {
		err = e.attach(first, inChannel(vp.ab), in.Signatures, mine)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	forward := &envelope{Signatures: append(append([]SignedDigest{}, in.Signatures...), mine...), Data: in.Data}
	out, err := p2p.NewMessage(msg.ProcessID, msg.Protocol, 2, e.self, vp.responder, json.RawMessage(msg.Params), forward)
	if err != nil {
		return nil, err
	}
	reply, err := e.router.SendAndWait(ctx, out)
	if err != nil {
		return nil, err
	}
	answer, err := decodeEnvelope(reply)
	if err == nil {
		_, err = e.settle(r, locks, first, compute, false, in.Signatures, mine, answer.Signatures)
	}
	if err != nil {
		e.abort(ctx, r, reply, err)
		return nil, err
	}

	back, err := msg.Reply(&envelope{Signatures: append(mine, answer.Signatures...)})
	if err != nil {
		e.abort(ctx, r, reply, err)
		return nil, err
	}
	commit, err := e.router.SendAndWait(ctx, back)
	if err != nil {
		e.abort(ctx, r, reply, err)
		return nil, err
	}
	final, err := e.settle(r, locks, first, compute, true, in.Signatures, mine, answer.Signatures)
	if err != nil {
		e.abort(ctx, r, reply, err)
		return nil, err
	}
	if err := e.confirm(ctx, r, reply, false); err != nil {
		return nil, err
	}
	ack, err := commit.Reply(&envelope{})
	if err != nil {
		return nil, err
	}
	if err := e.router.Send(ctx, ack); err != nil {
		return nil, err
	}
	return final, nil
}

func (e *Engine) initiateInstallVirtual(ctx context.Context, r *run, params InstallVirtualAppParams) (*Result, error) {
	if params.InitialState.IsNull() {
		return nil, chanerrors.ErrNullInitialState
	}
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	vp, err := e.virtualParties(params.InitiatorXpub, params.IntermediaryXpub, params.ResponderXpub)
	if err != nil {
		return nil, err
	}
	locks := vp.locksFor(RoleInitiator)

	unlock := e.locker.Lock(locks...)
	ac, err := e.loadOrCreateVirtual(vp)
	if err == nil {
		params.AppSeqNo = e.seqs.reserve(vp.ac, ac.NumProposedApps(), r.processID)
	}
	unlock()
	if err != nil {
		return nil, err
	}
	defer e.seqs.release(vp.ac, params.AppSeqNo, r.processID)

	final, _, err := e.exchange(ctx, r, params.IntermediaryXpub, locks, params, nil, true,
		func() (*plan, error) { return e.virtualInstallPlan(params, vp, RoleInitiator, "") })
	if err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func (e *Engine) intermediateInstallVirtual(ctx context.Context, r *run, msg *p2p.Message) error {
	var params InstallVirtualAppParams
	if err := decodeParams(msg, &params); err != nil {
		return err
	}
	if err := e.checkPeers(msg, params.InitiatorXpub, params.IntermediaryXpub); err != nil {
		return err
	}
	in, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}
	vp, err := e.virtualParties(params.InitiatorXpub, params.IntermediaryXpub, params.ResponderXpub)
	if err != nil {
		return err
	}
	p, err := e.relay(ctx, r, msg, in, vp,
		func() (*plan, error) { return e.virtualInstallPlan(params, vp, RoleIntermediary, "") })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}

func (e *Engine) respondInstallVirtual(ctx context.Context, r *run, msg *p2p.Message) error {
	var params InstallVirtualAppParams
	if err := decodeParams(msg, &params); err != nil {
		return err
	}
	if err := e.checkPeers(msg, params.IntermediaryXpub, params.ResponderXpub); err != nil {
		return err
	}
	in, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}
	vp, err := e.virtualParties(params.InitiatorXpub, params.IntermediaryXpub, params.ResponderXpub)
	if err != nil {
		return err
	}
	defer e.seqs.release(vp.ac, params.AppSeqNo, msg.ProcessID)
	p, err := e.respond(ctx, r, msg, in, vp.locksFor(RoleResponder), true, nil,
		func() (*plan, error) { return e.virtualInstallPlan(params, vp, RoleResponder, msg.ProcessID) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}

func (e *Engine) initiateUninstallVirtual(ctx context.Context, r *run, params UninstallVirtualAppParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	vp, err := e.virtualParties(params.InitiatorXpub, params.IntermediaryXpub, params.ResponderXpub)
	if err != nil {
		return nil, err
	}
	ac, err := e.loadChannel(vp.ac)
	if err != nil {
		return nil, err
	}
	app, err := ac.GetAppInstance(params.TargetAppIdentityHash)
	if err != nil {
		return nil, err
	}
	final, _, err := e.exchange(ctx, r, params.IntermediaryXpub, vp.locksFor(RoleInitiator), params, app, true,
		func() (*plan, error) { return e.virtualUninstallPlan(ctx, params, vp, app, RoleInitiator) })
	if err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func claimedApp(in *envelope) (*types.AppInstance, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: virtual uninstall carries no app", chanerrors.ErrInvalidParams)
	}
	var app types.AppInstance
	if err := json.Unmarshal(in.Data, &app); err != nil {
		return nil, fmt.Errorf("%w: decode app: %v", chanerrors.ErrInvalidParams, err)
	}
	return &app, nil
}

func (e *Engine) intermediateUninstallVirtual(ctx context.Context, r *run, msg *p2p.Message) error {
	var params UninstallVirtualAppParams
	if err := decodeParams(msg, &params); err != nil {
		return err
	}
	if err := e.checkPeers(msg, params.InitiatorXpub, params.IntermediaryXpub); err != nil {
		return err
	}
	in, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}
	app, err := claimedApp(in)
	if err != nil {
		return err
	}
	vp, err := e.virtualParties(params.InitiatorXpub, params.IntermediaryXpub, params.ResponderXpub)
	if err != nil {
		return err
	}
	p, err := e.relay(ctx, r, msg, in, vp,
		func() (*plan, error) { return e.virtualUninstallPlan(ctx, params, vp, app, RoleIntermediary) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}

func (e *Engine) respondUninstallVirtual(ctx context.Context, r *run, msg *p2p.Message) error {
	var params UninstallVirtualAppParams
	if err := decodeParams(msg, &params); err != nil {
		return err
	}
	if err := e.checkPeers(msg, params.IntermediaryXpub, params.ResponderXpub); err != nil {
		return err
	}
	in, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}
	app, err := claimedApp(in)
	if err != nil {
		return err
	}
	vp, err := e.virtualParties(params.InitiatorXpub, params.IntermediaryXpub, params.ResponderXpub)
	if err != nil {
		return err
	}
	p, err := e.respond(ctx, r, msg, in, vp.locksFor(RoleResponder), true, nil,
		func() (*plan, error) { return e.virtualUninstallPlan(ctx, params, vp, app, RoleResponder) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}
