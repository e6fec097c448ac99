package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/crypto"
	"statechannels/p2p"
)

// withdrawPlan debits the initiator's free balance and produces the
// multisig transaction paying the recipient. The signed transaction is only
// available once the plan carries every signature.
func (e *Engine) withdrawPlan(params WithdrawParams) (*plan, *commitment.Withdraw, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: withdrawal amount must be positive", chanerrors.ErrInvalidParams)
	}
	sc, err := e.loadChannel(params.MultisigAddress)
	if err != nil {
		return nil, nil, err
	}
	if err := e.requireParties(sc, params.InitiatorXpub, params.ResponderXpub); err != nil {
		return nil, nil, err
	}
	initiator, err := crypto.DeriveSigningKey(params.InitiatorXpub, 0)
	if err != nil {
		return nil, nil, err
	}
	fb, err := sc.FreeBalanceState()
	if err != nil {
		return nil, nil, err
	}
	available := fb.Balances.Get(params.TokenAddress, initiator.Address)
	if available.Cmp(params.Amount) < 0 {
		return nil, nil, &chanerrors.InsufficientFundsError{
			Multisig:  params.MultisigAddress,
			Token:     params.TokenAddress,
			Party:     initiator.Address,
			Required:  new(big.Int).Set(params.Amount),
			Available: available,
		}
	}
	debited := fb.Clone()
	debited.Balances.Add(params.TokenAddress, initiator.Address, new(big.Int).Neg(params.Amount))
	next := sc.SetFreeBalance(debited)

	owners, err := next.MultisigOwners()
	if err != nil {
		return nil, nil, err
	}
	withdraw, err := commitment.NewWithdraw(params.MultisigAddress, owners, params.Recipient, params.Amount, params.TokenAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	freeBalance := next.FreeBalance()
	fbState, err := commitment.SetStateForApp(e.network, freeBalance)
	if err != nil {
		return nil, nil, err
	}
	out := &plan{channels: []*types.StateChannel{next}, appID: freeBalance.IdentityHash()}
	out.add(params.MultisigAddress, freeBalance.IdentityHash(), 0, withdraw)
	out.add(params.MultisigAddress, freeBalance.IdentityHash(), 0, fbState)
	return out, withdraw, nil
}

func (e *Engine) initiateWithdraw(ctx context.Context, r *run, params WithdrawParams) (*Result, error) {
	if err := e.requireInitiator(params.InitiatorXpub); err != nil {
		return nil, err
	}
	var withdraw *commitment.Withdraw
	compute := func() (*plan, error) {
		p, w, err := e.withdrawPlan(params)
		withdraw = w
		return p, err
	}
	final, _, err := e.exchange(ctx, r, params.ResponderXpub, []common.Address{params.MultisigAddress}, params, nil, false, compute)
	if err != nil {
		return nil, err
	}
	if final.tx, err = withdraw.SignedTransaction(); err != nil {
		return nil, err
	}
	e.notify(r, params.InitiatorXpub, final, params)
	return result(r, final), nil
}

func (e *Engine) respondWithdraw(ctx context.Context, r *run, msg *p2p.Message) error {
	var params WithdrawParams
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
	var withdraw *commitment.Withdraw
	p, err := e.respond(ctx, r, msg, in, []common.Address{params.MultisigAddress}, false, nil,
		func() (*plan, error) {
			p, w, err := e.withdrawPlan(params)
			withdraw = w
			return p, err
		})
	if err != nil {
		return err
	}
	if p.tx, err = withdraw.SignedTransaction(); err != nil {
		return err
	}
	e.notify(r, params.InitiatorXpub, p, params)
	return nil
}
