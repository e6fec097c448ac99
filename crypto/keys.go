package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an r||s||v signature.
const SignatureLength = 65

var (
	ErrInvalidSignatureLength = errors.New("crypto: signature must be 65 bytes")
	ErrNilPrivateKey          = errors.New("crypto: nil private key")
)

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the Ethereum address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return k.PubKey().Address()
}

func (k *PublicKey) Address() common.Address {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Signature is a recoverable secp256k1 signature in the r||s||v layout expected
// by on-chain verifiers (v is 27 or 28).
type Signature [SignatureLength]byte

// SignatureFromBytes validates and copies a raw signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureLength {
		return sig, ErrInvalidSignatureLength
	}
	copy(sig[:], b)
	return sig, nil
}

// Bytes returns a copy of the signature bytes.
func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out, s[:])
	return out
}

// MarshalText encodes the signature as 0x-prefixed hex.
func (s Signature) MarshalText() ([]byte, error) {
	return hexutil.Bytes(s[:]).MarshalText()
}

// UnmarshalText decodes a 0x-prefixed hex signature.
func (s *Signature) UnmarshalText(input []byte) error {
	var raw hexutil.Bytes
	if err := raw.UnmarshalText(input); err != nil {
		return err
	}
	sig, err := SignatureFromBytes(raw)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// IsZero reports whether the signature was never populated.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// SignDigest signs a 32 byte digest directly, without the personal message prefix.
func SignDigest(key *PrivateKey, digest common.Hash) (Signature, error) {
	var out Signature
	if key == nil || key.PrivateKey == nil {
		return out, ErrNilPrivateKey
	}
	sig, err := crypto.Sign(digest.Bytes(), key.PrivateKey)
	if err != nil {
		return out, fmt.Errorf("crypto: sign digest: %w", err)
	}
	sig[64] += 27
	copy(out[:], sig)
	return out, nil
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest common.Hash, sig Signature) (common.Address, error) {
	raw := sig.Bytes()
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
