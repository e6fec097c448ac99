// Package commitment builds the signed payloads that let any party enforce
// an off-chain agreed state on-chain.
package commitment

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	chanerrors "statechannels/core/errors"
	"statechannels/crypto"
)

// Kind names a commitment variant.
type Kind string

const (
	KindSetState    Kind = "setState"
	KindSetup       Kind = "setup"
	KindConditional Kind = "conditional"
	KindWithdraw    Kind = "withdraw"
)

// domainTag prefixes every digest.
const domainTag = 0x19

// MinimalTransaction is the transaction a signed commitment authorises.
type MinimalTransaction struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

// Commitment is implemented by every commitment kind. Digests are computed
// when the commitment is built; attaching signatures only changes the
// commitment itself.
type Commitment interface {
	Kind() Kind
	Signers() []common.Address
	HashToSign() common.Hash
	AttachSignatures(sigs ...crypto.Signature) error
	Signatures() []crypto.Signature
	SignedTransaction() (*MinimalTransaction, error)
}

// signed carries the digest, the required signers and the attached
// signatures shared by all commitment kinds.
type signed struct {
	digest  common.Hash
	signers []common.Address
	sigs    []crypto.Signature
}

func (s *signed) Signers() []common.Address { return append([]common.Address{}, s.signers...) }

func (s *signed) HashToSign() common.Hash { return s.digest }

func (s *signed) Signatures() []crypto.Signature { return append([]crypto.Signature{}, s.sigs...) }

// AttachSignatures requires exactly one signature per signer, in signer
// order, each recovering to that signer over the digest.
func (s *signed) AttachSignatures(sigs ...crypto.Signature) error {
	if err := VerifySignatures(s.digest, s.signers, sigs); err != nil {
		return err
	}
	s.sigs = append([]crypto.Signature{}, sigs...)
	return nil
}

func (s *signed) requireSignatures() error {
	if len(s.sigs) != len(s.signers) || len(s.sigs) == 0 {
		return fmt.Errorf("%w: have %d of %d", chanerrors.ErrMissingSignatures, len(s.sigs), len(s.signers))
	}
	return nil
}

// VerifySignatures checks sigs against signers position by position.
func VerifySignatures(digest common.Hash, signers []common.Address, sigs []crypto.Signature) error {
	if len(sigs) != len(signers) {
		return &chanerrors.SignatureError{
			Digest: digest,
			Reason: fmt.Sprintf("expected %d signatures, got %d", len(signers), len(sigs)),
		}
	}
	for i, sig := range sigs {
		if err := VerifySignature(digest, signers[i], sig); err != nil {
			return err
		}
	}
	return nil
}

// VerifySignature checks that sig was produced by expected over digest.
func VerifySignature(digest common.Hash, expected common.Address, sig crypto.Signature) error {
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return &chanerrors.SignatureError{Digest: digest, Expected: expected, Reason: err.Error()}
	}
	if recovered != expected {
		return &chanerrors.SignatureError{Digest: digest, Expected: expected, Recovered: recovered}
	}
	return nil
}

// OrderSignatures arranges sigs, given in any order, to follow signers.
func OrderSignatures(digest common.Hash, signers []common.Address, sigs ...crypto.Signature) ([]crypto.Signature, error) {
	bySigner := make(map[common.Address]crypto.Signature, len(sigs))
	for _, sig := range sigs {
		recovered, err := crypto.RecoverAddress(digest, sig)
		if err != nil {
			return nil, &chanerrors.SignatureError{Digest: digest, Reason: err.Error()}
		}
		bySigner[recovered] = sig
	}
	out := make([]crypto.Signature, 0, len(signers))
	for _, signer := range signers {
		sig, ok := bySigner[signer]
		if !ok {
			return nil, &chanerrors.SignatureError{Digest: digest, Expected: signer, Reason: "no signature from " + signer.Hex()}
		}
		out = append(out, sig)
	}
	return out, nil
}

// Sign produces key's signature over c and reports whether key is one of
// the commitment's signers.
func Sign(c Commitment, key *crypto.PrivateKey) (crypto.Signature, error) {
	addr := key.Address()
	for _, signer := range c.Signers() {
		if signer == addr {
			return crypto.SignDigest(key, c.HashToSign())
		}
	}
	return crypto.Signature{}, fmt.Errorf("%w: %s is not a signer of this %s commitment", chanerrors.ErrNotAParticipant, addr.Hex(), c.Kind())
}

func word(v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("commitment: %s does not fit in a uint256", v)
	}
	out := u.Bytes32()
	return out[:], nil
}

func wordUint64(v uint64) []byte {
	out := uint256.NewInt(v).Bytes32()
	return out[:]
}

// Record is the persisted form of a commitment.
type Record struct {
	Kind        Kind                `json:"kind"`
	Digest      common.Hash         `json:"digest"`
	Signers     []common.Address    `json:"signers"`
	Signatures  []crypto.Signature  `json:"signatures"`
	Transaction *MinimalTransaction `json:"transaction,omitempty"`
}

// NewRecord snapshots c. Unsigned commitments are recorded without a
// transaction.
func NewRecord(c Commitment) Record {
	rec := Record{
		Kind:       c.Kind(),
		Digest:     c.HashToSign(),
		Signers:    c.Signers(),
		Signatures: c.Signatures(),
	}
	if tx, err := c.SignedTransaction(); err == nil {
		rec.Transaction = tx
	}
	return rec
}

// Marshal encodes the record.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord decodes a stored record.
func UnmarshalRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("commitment: decode record: %w", err)
	}
	return rec, nil
}
