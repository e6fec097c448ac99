package protocol

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/p2p"
)

func (e *Engine) checkAppLimit(sc *types.StateChannel) error {
	if sc.NumActiveApps() >= e.maxApps {
		return &chanerrors.TooManyAppsError{Multisig: sc.MultisigAddress(), Limit: e.maxApps}
	}
	return nil
}

func (e *Engine) installPlan(params InstallParams) (*plan, error) {
	sc, err := e.loadChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if err := e.requireParties(sc, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return nil, err
	}
	if sc.IsAppInstalled(params.AppIdentityHash) {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrAppAlreadyInstalled, params.AppIdentityHash.Hex())
	}
	proposal, err := sc.GetProposal(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	if err := e.checkAppLimit(sc); err != nil {
		return nil, err
	}
	app, err := proposal.ToAppInstance(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	deposits, err := proposal.Deposits()
	if err != nil {
		return nil, err
	}
	next, err := sc.InstallApp(app, deposits)
	if err != nil {
		return nil, err
	}
	owners, err := next.MultisigOwners()
	if err != nil {
		return nil, err
	}
	fb := next.FreeBalance()
	conditional, err := commitment.ConditionalTransactionForApp(e.network, owners, app, fb.IdentityHash())
	if err != nil {
		return nil, err
	}
	fbState, err := commitment.SetStateForApp(e.network, fb)
	if err != nil {
		return nil, err
	}
	out := &plan{channels: []*types.StateChannel{next}, appID: app.IdentityHash()}
	out.add(params.MultisigAddress, app.IdentityHash(), 0, conditional)
	out.add(params.MultisigAddress, fb.IdentityHash(), 0, fbState)
	return out, nil
}

func (e *Engine) initiateInstall(ctx context.Context, r *run, params InstallParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	final, _, err := e.exchange(ctx, r, params.ResponderXpub, []common.Address{params.MultisigAddress}, params, nil, false,
		func() (*plan, error) { return e.installPlan(params) })
	if err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func (e *Engine) respondInstall(ctx context.Context, r *run, msg *p2p.Message) error {
	var params InstallParams
	if err := decodeParams(msg, &params); err != nil {
		return err
	}
	if err := e.checkPeers(msg, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return err
	}
	in, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}
	p, err := e.respond(ctx, r, msg, in, []common.Address{params.MultisigAddress}, false, nil,
		func() (*plan, error) { return e.installPlan(params) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}
