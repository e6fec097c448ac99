package protocol

import (
	"context"
	"fmt"

	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/p2p"
)

// dropProposal removes id from the channel under its lock. removed is
// false when the proposal was already gone.
func (e *Engine) dropProposal(params RejectInstallParams) (sc *types.StateChannel, removed bool, err error) {
	unlock := e.locker.Lock(params.MultisigAddress)
	defer unlock()
	sc, err = e.loadChannel(params.MultisigAddress)
	if err != nil {
		return nil, false, err
	}
	if err := e.requireParties(sc, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return nil, false, err
	}
	if sc.IsAppInstalled(params.AppIdentityHash) {
		return nil, false, fmt.Errorf("%w: %s", chanerrors.ErrAppAlreadyInstalled, params.AppIdentityHash.Hex())
	}
	if !sc.HasProposal(params.AppIdentityHash) {
		return sc, false, nil
	}
	next := sc.RemoveProposal(params.AppIdentityHash)
	if err := e.store.SaveStateChannels([]*types.StateChannel{next}); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// initiateReject drops the proposal locally, then tells the counterparty
// to drop its copy. Rejection needs no signatures: either party may
// abandon a proposal on its own.
func (e *Engine) initiateReject(ctx context.Context, r *run, params RejectInstallParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	sc, removed, err := e.dropProposal(params)
	if err != nil {
		return nil, err
	}
	msg, err := p2p.NewMessage(r.processID, string(r.protocol), 1, e.self, params.ResponderXpub, params, &envelope{})
	if err != nil {
		return nil, err
	}
	if _, err := e.router.SendAndWait(ctx, msg); err != nil {
		return nil, fmt.Errorf("proposal %s rejected locally: %w", params.AppIdentityHash.Hex(), err)
	}
	p := &plan{channels: []*types.StateChannel{sc}, appID: params.AppIdentityHash}
	if removed {
		e.notify(r, params.InitiatorXpub, p, params)
	}
	return result(r, p), nil
}

func (e *Engine) respondReject(ctx context.Context, r *run, msg *p2p.Message) error {
	var params RejectInstallParams
	if err := decodeParams(msg, &params); err != nil {
		return err
	}
	if err := e.checkPeers(msg, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return err
	}
	sc, removed, err := e.dropProposal(params)
	if err != nil {
		return err
	}
	reply, err := msg.Reply(&envelope{})
	if err != nil {
		return err
	}
	if err := e.router.Send(ctx, reply); err != nil {
		return err
	}
	if removed {
		e.notify(r, params.InitiatorXpub, &plan{channels: []*types.StateChannel{sc}, appID: params.AppIdentityHash}, params)
	}
	return nil
}
