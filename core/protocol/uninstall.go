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

func (e *Engine) uninstallPlan(ctx context.Context, params UninstallParams) (*plan, error) {
	sc, err := e.loadChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if err := e.requireParties(sc, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return nil, err
	}
	if params.AppIdentityHash == sc.FreeBalance().IdentityHash() {
		return nil, chanerrors.ErrCannotUninstallFreeBalance
	}
	app, err := sc.GetAppInstance(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	increments, err := e.resolver.ComputeIncrements(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("compute outcome of %s: %w", app.IdentityHash().Hex(), err)
	}
	next, err := sc.UninstallApp(app.IdentityHash(), increments)
	if err != nil {
		return nil, err
	}
	fb := next.FreeBalance()
	fbState, err := commitment.SetStateForApp(e.network, fb)
	if err != nil {
		return nil, err
	}
	out := &plan{channels: []*types.StateChannel{next}, appID: app.IdentityHash()}
	out.add(params.MultisigAddress, fb.IdentityHash(), 0, fbState)
	return out, nil
}

func (e *Engine) initiateUninstall(ctx context.Context, r *run, params UninstallParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	final, _, err := e.exchange(ctx, r, params.ResponderXpub, []common.Address{params.MultisigAddress}, params, nil, false,
		func() (*plan, error) { return e.uninstallPlan(ctx, params) })
	if err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func (e *Engine) respondUninstall(ctx context.Context, r *run, msg *p2p.Message) error {
	var params UninstallParams
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
		func() (*plan, error) { return e.uninstallPlan(ctx, params) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}
