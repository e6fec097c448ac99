package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/commitment"
	"statechannels/core/types"
	"statechannels/crypto"
	"statechannels/storage"
)

// planned is a commitment produced by a step, the channel it belongs to
// and the key index each party signs it with.
type planned struct {
	multisig  common.Address
	recordKey common.Hash
	keyIndex  uint32
	c         commitment.Commitment
}

// plan is the outcome of computing a step: the channels to persist and the
// commitments that must be signed by every party first.
type plan struct {
	channels    []*types.StateChannel
	commitments []planned
	appID       common.Hash
	tx          *commitment.MinimalTransaction
}

func (p *plan) add(multisig common.Address, recordKey common.Hash, keyIndex uint32, c commitment.Commitment) {
	p.commitments = append(p.commitments, planned{multisig: multisig, recordKey: recordKey, keyIndex: keyIndex, c: c})
}

// matches reports whether other commits to exactly the same digests.
func (p *plan) matches(other *plan) bool {
	if len(p.commitments) != len(other.commitments) {
		return false
	}
	for i := range p.commitments {
		if p.commitments[i].c.HashToSign() != other.commitments[i].c.HashToSign() {
			return false
		}
	}
	return true
}

// sign signs every commitment the node is a signer of.
func (e *Engine) sign(p *plan) ([]SignedDigest, error) {
	out := make([]SignedDigest, 0, len(p.commitments))
	for _, pc := range p.commitments {
		key, err := e.keys.Derive(e.xprv, pc.keyIndex)
		if err != nil {
			return nil, err
		}
		if !isSigner(pc.c, key.Address) {
			continue
		}
		sig, err := commitment.Sign(pc.c, key.Private)
		if err != nil {
			return nil, err
		}
		out = append(out, SignedDigest{Digest: pc.c.HashToSign(), Signature: sig})
	}
	return out, nil
}

func isSigner(c commitment.Commitment, addr common.Address) bool {
	for _, signer := range c.Signers() {
		if signer == addr {
			return true
		}
	}
	return false
}

// attach collects, for each commitment of p kept by filter, the
// signatures over its digest from sets and attaches them in signer order.
// A missing or foreign signature fails with an invalid signature error.
func (e *Engine) attach(p *plan, filter func(planned) bool, sets ...[]SignedDigest) error {
	for _, pc := range p.commitments {
		if filter != nil && !filter(pc) {
			continue
		}
		digest := pc.c.HashToSign()
		var sigs []crypto.Signature
		for _, set := range sets {
			for _, s := range set {
				if s.Digest == digest {
					sigs = append(sigs, s.Signature)
				}
			}
		}
		ordered, err := commitment.OrderSignatures(digest, pc.c.Signers(), sigs...)
		if err != nil {
			return fmt.Errorf("%s commitment for %s: %w", pc.c.Kind(), pc.recordKey.Hex(), err)
		}
		if err := pc.c.AttachSignatures(ordered...); err != nil {
			return fmt.Errorf("%s commitment for %s: %w", pc.c.Kind(), pc.recordKey.Hex(), err)
		}
	}
	return nil
}

func inChannel(multisig common.Address) func(planned) bool {
	return func(pc planned) bool { return pc.multisig == multisig }
}

// persist commits the plan's channels and fully signed commitments in one
// batch.
func (e *Engine) persist(p *plan) error {
	entries := make([]storage.CommitmentEntry, 0, len(p.commitments))
	for _, pc := range p.commitments {
		entries = append(entries, storage.CommitmentEntry{AppID: pc.recordKey, Record: commitment.NewRecord(pc.c)})
	}
	return e.store.SaveStateChannels(p.channels, entries...)
}
