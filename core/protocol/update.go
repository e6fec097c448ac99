package protocol

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/core/value"
	"statechannels/p2p"
)

// statePlan moves app id of the channel to state and signs the new version
// with the app keys. A zero timeout keeps the app's current timeout.
func (e *Engine) statePlan(sc *types.StateChannel, id common.Hash, state value.Value, timeout uint64) (*plan, error) {
	if state.IsNull() {
		return nil, fmt.Errorf("%w: null state for %s", chanerrors.ErrInvalidParams, id.Hex())
	}
	app, err := sc.GetAppInstance(id)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = app.LatestTimeout
	}
	next, err := sc.SetState(id, state, timeout)
	if err != nil {
		return nil, err
	}
	updated, err := next.GetAppInstance(id)
	if err != nil {
		return nil, err
	}
	c, err := commitment.SetStateForApp(e.network, updated)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	out := &plan{channels: []*types.StateChannel{next}, appID: id}
	out.add(sc.MultisigAddress(), id, updated.AppSeqNo, c)
	return out, nil
}

func (e *Engine) updatePlan(params UpdateParams) (*plan, error) {
	sc, err := e.loadChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if err := e.requireParties(sc, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return nil, err
	}
	return e.statePlan(sc, params.AppIdentityHash, params.NewState, params.Timeout)
}

func (e *Engine) takeActionPlan(ctx context.Context, params TakeActionParams) (*plan, error) {
	sc, err := e.loadChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if err := e.requireParties(sc, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return nil, err
	}
	app, err := sc.GetAppInstance(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	if _, err := app.EncodeAction(params.Action); err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidAction, err)
	}
	next, err := e.resolver.Registry().ApplyAction(ctx, app, params.Action)
	if err != nil {
		return nil, err
	}
	return e.statePlan(sc, params.AppIdentityHash, next, params.Timeout)
}

func (e *Engine) initiateUpdate(ctx context.Context, r *run, params UpdateParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	final, _, err := e.exchange(ctx, r, params.ResponderXpub, []common.Address{params.MultisigAddress}, params, nil, false,
		func() (*plan, error) { return e.updatePlan(params) })
	if err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func (e *Engine) respondUpdate(ctx context.Context, r *run, msg *p2p.Message) error {
	var params UpdateParams
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
		func() (*plan, error) { return e.updatePlan(params) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}

func (e *Engine) initiateTakeAction(ctx context.Context, r *run, params TakeActionParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	final, _, err := e.exchange(ctx, r, params.ResponderXpub, []common.Address{params.MultisigAddress}, params, nil, false,
		func() (*plan, error) { return e.takeActionPlan(ctx, params) })
	if err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func (e *Engine) respondTakeAction(ctx context.Context, r *run, msg *p2p.Message) error {
	var params TakeActionParams
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
		func() (*plan, error) { return e.takeActionPlan(ctx, params) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}
