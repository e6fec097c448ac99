package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/p2p"
)

func nonNegative(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// proposal builds the proposal described by params.
func proposal(params ProposeParams) (*types.AppInstanceProposal, error) {
	if params.InitialState.IsNull() {
		return nil, chanerrors.ErrNullInitialState
	}
	if !params.OutcomeType.Valid() {
		return nil, fmt.Errorf("%w: outcome type %q", chanerrors.ErrUnsupportedOutcome, params.OutcomeType)
	}
	p := &types.AppInstanceProposal{
		ProposedByIdentifier:         params.InitiatorXpub,
		ProposedToIdentifier:         params.ResponderXpub,
		AppDefinition:                params.AppDefinition,
		StateEncoding:                params.StateEncoding,
		ActionEncoding:               params.ActionEncoding,
		InitialState:                 params.InitialState,
		InitiatorDeposit:             nonNegative(params.InitiatorDeposit),
		InitiatorDepositTokenAddress: params.InitiatorDepositTokenAddress,
		ResponderDeposit:             nonNegative(params.ResponderDeposit),
		ResponderDepositTokenAddress: params.ResponderDepositTokenAddress,
		DefaultTimeout:               params.DefaultTimeout,
		Timeout:                      params.Timeout,
		AppSeqNo:                     params.AppSeqNo,
		OutcomeType:                  params.OutcomeType,
		Meta:                         params.Meta,
	}
	if p.InitiatorDeposit.Sign() < 0 || p.ResponderDeposit.Sign() < 0 {
		return nil, fmt.Errorf("%w: deposits must not be negative", chanerrors.ErrInvalidParams)
	}
	id, err := p.ComputeIdentityHash()
	if err != nil {
		return nil, err
	}
	p.IdentityHash = id
	return p, nil
}

// maxProposeAttempts bounds how often a proposal that lost a sequence
// number to a concurrent counterparty proposal is retried.
const maxProposeAttempts = 3

// claimSeq holds seq for the counterparty run processID. Crossing
// proposals are ordered by proposer: the one whose extended public key
// sorts first keeps the number, the other side's run is refused and
// retries with the next free one.
func (e *Engine) claimSeq(sc *types.StateChannel, seq uint32, proposer, processID string) error {
	conflict := fmt.Errorf("%w: %d in channel %s", chanerrors.ErrProposalConflict, seq, sc.MultisigAddress().Hex())
	if seq == 0 {
		return conflict
	}
	if _, ok := sc.GetAppInstanceBySeqNo(seq); ok {
		return conflict
	}
	for _, p := range sc.ProposedAppInstances() {
		if p.AppSeqNo == seq {
			return conflict
		}
	}
	if !e.seqs.claim(sc.MultisigAddress(), seq, processID, proposer < e.self) {
		return conflict
	}
	return nil
}

// proposePlan adds the proposal to the channel. claimFor is the process
// id of a counterparty run whose sequence number must be claimed first.
func (e *Engine) proposePlan(params ProposeParams, claimFor string) (*plan, error) {
	sc, err := e.loadChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if err := e.requireParties(sc, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return nil, err
	}
	p, err := proposal(params)
	if err != nil {
		return nil, err
	}
	p.UncappedOutcome = params.AppDefinition == e.network.CoinBalanceRefundApp &&
		params.OutcomeType == types.OutcomeMultiAssetMultiPartyCoinTransfer
	if claimFor != "" {
		if err := e.claimSeq(sc, p.AppSeqNo, params.InitiatorXpub, claimFor); err != nil {
			return nil, err
		}
	}
	next, err := sc.AddProposal(p)
	if err != nil {
		return nil, err
	}
	app, err := p.ToAppInstance(params.MultisigAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	initial, err := commitment.SetStateForApp(e.network, app)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	out := &plan{channels: []*types.StateChannel{next}, appID: p.IdentityHash}
	out.add(params.MultisigAddress, p.IdentityHash, p.AppSeqNo, initial)
	return out, nil
}

// initiatePropose reserves the next sequence number of the channel before
// talking to the counterparty so concurrent proposals never share one.
func (e *Engine) initiatePropose(ctx context.Context, r *run, params ProposeParams) (*Result, error) {
	if params.InitialState.IsNull() {
		return nil, chanerrors.ErrNullInitialState
	}
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	locks := []common.Address{params.MultisigAddress}

	for attempt := 1; ; attempt++ {
		unlock := e.locker.Lock(locks...)
		sc, err := e.loadChannel(params.MultisigAddress)
		if err == nil {
			next := sc.NumProposedApps()
			if attempt > 1 && next <= params.AppSeqNo {
				next = params.AppSeqNo + 1
			}
			params.AppSeqNo = e.seqs.reserve(params.MultisigAddress, next, r.processID)
		}
		unlock()
		if err != nil {
			return nil, err
		}

		final, _, err := e.exchange(ctx, r, params.ResponderXpub, locks, params, nil, false,
			func() (*plan, error) { return e.proposePlan(params, "") })
		e.seqs.release(params.MultisigAddress, params.AppSeqNo, r.processID)
		if err == nil {
			e.notify(r, params.InitiatorXpub, final, params)
			return result(r, final), nil
		}
		if attempt == maxProposeAttempts || !errors.Is(err, chanerrors.ErrRemoteAborted) || !errors.Is(err, chanerrors.ErrProposalConflict) {
			return nil, err
		}
		r.logger.Info("Retrying proposal with a new sequence number",
			slog.Uint64("appSeqNo", uint64(params.AppSeqNo)),
			slog.Int("attempt", attempt))
	}
}

func (e *Engine) respondPropose(ctx context.Context, r *run, msg *p2p.Message) error {
	var params ProposeParams
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
	defer e.seqs.release(params.MultisigAddress, params.AppSeqNo, msg.ProcessID)
	p, err := e.respond(ctx, r, msg, in, []common.Address{params.MultisigAddress}, false, nil,
		func() (*plan, error) { return e.proposePlan(params, msg.ProcessID) })
	if err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}
