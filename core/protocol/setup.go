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

func (e *Engine) setupPlan(params SetupParams) (*plan, error) {
	exists, err := e.store.HasStateChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrChannelExists, params.MultisigAddress.Hex())
	}
	xpubs := []string{params.InitiatorXpub, params.ResponderXpub}
	expected, err := types.ComputeMultisigAddress(xpubs, e.network)
	if err != nil {
		return nil, err
	}
	if expected != params.MultisigAddress {
		return nil, fmt.Errorf("%w: multisig %s does not belong to these parties (expected %s)",
			chanerrors.ErrInvalidParams, params.MultisigAddress.Hex(), expected.Hex())
	}
	sc, err := types.SetupChannel(e.network.IdentityApp, params.MultisigAddress, xpubs)
	if err != nil {
		return nil, err
	}
	owners, err := sc.MultisigOwners()
	if err != nil {
		return nil, err
	}
	fb := sc.FreeBalance()
	setup, err := commitment.NewSetup(e.network, params.MultisigAddress, owners, fb.IdentityHash())
	if err != nil {
		return nil, err
	}
	fbState, err := commitment.SetStateForApp(e.network, fb)
	if err != nil {
		return nil, err
	}
	p := &plan{channels: []*types.StateChannel{sc}, appID: fb.IdentityHash()}
	p.add(params.MultisigAddress, fb.IdentityHash(), 0, setup)
	p.add(params.MultisigAddress, fb.IdentityHash(), 0, fbState)
	return p, nil
}

func (e *Engine) initiateSetup(ctx context.Context, r *run, params SetupParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	final, _, err := e.exchange(ctx, r, params.ResponderXpub, []common.Address{params.MultisigAddress}, params, nil, false,
		func() (*plan, error) { return e.setupPlan(params) })
	if err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func (e *Engine) respondSetup(ctx context.Context, r *run, msg *p2p.Message) error {
	var params SetupParams
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
		func() (*plan, error) { return e.setupPlan(params) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}
