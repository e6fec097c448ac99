package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidExtendedKey is returned when an extended key cannot be parsed or
// a child key cannot be derived from it.
var ErrInvalidExtendedKey = errors.New("crypto: invalid extended key")

// ChannelKeyPath is the derivation path (below the master key) under which
// every channel signing key lives: m/44'/60'/0'/25446.
var ChannelKeyPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	25446,
}

// ExtendedKey is a BIP32 extended key. Parties are identified by the neutered
// (public) form; the node keeps the private form for signing.
type ExtendedKey struct {
	key *hdkeychain.ExtendedKey
}

// ParseExtendedKey decodes a base58 xprv/xpub string.
func ParseExtendedKey(s string) (*ExtendedKey, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExtendedKey)
	}
	key, err := hdkeychain.NewKeyFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	return &ExtendedKey{key: key}, nil
}

// NewMasterFromSeed derives the channel extended private key for a seed.
func NewMasterFromSeed(seed []byte) (*ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	key := master
	for _, idx := range ChannelKeyPath {
		key, err = key.Child(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
		}
	}
	return &ExtendedKey{key: key}, nil
}

// String returns the base58 serialisation.
func (k *ExtendedKey) String() string {
	return k.key.String()
}

// IsPrivate reports whether signing keys can be derived.
func (k *ExtendedKey) IsPrivate() bool {
	return k.key.IsPrivate()
}

// Neuter returns the public form of the key.
func (k *ExtendedKey) Neuter() (*ExtendedKey, error) {
	pub, err := k.key.Neuter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	return &ExtendedKey{key: pub}, nil
}

// DerivedKey is the k-th key below an extended key. Private is nil when the
// parent was a public key.
type DerivedKey struct {
	Index   uint32
	Address common.Address
	Private *PrivateKey
}

// Derive returns the k-th non-hardened child of the key.
func (k *ExtendedKey) Derive(index uint32) (*DerivedKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: index %d is hardened", ErrInvalidExtendedKey, index)
	}
	child, err := k.key.Child(index)
	if err != nil {
		return nil, fmt.Errorf("%w: derive %d: %v", ErrInvalidExtendedKey, index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	ethPub, err := crypto.UnmarshalPubkey(pub.SerializeUncompressed())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	derived := &DerivedKey{Index: index, Address: crypto.PubkeyToAddress(*ethPub)}
	if child.IsPrivate() {
		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
		}
		key, err := PrivateKeyFromBytes(priv.Serialize())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
		}
		derived.Private = key
	}
	return derived, nil
}

// DeriveSigningKey parses an extended key string and derives its k-th key.
func DeriveSigningKey(extendedKey string, index uint32) (*DerivedKey, error) {
	key, err := ParseExtendedKey(extendedKey)
	if err != nil {
		return nil, err
	}
	return key.Derive(index)
}

type derivationKey struct {
	xkey  string
	index uint32
}

// KeyRing memoises derivations. The cache only ever stores the result of a
// pure derivation so hits and misses are indistinguishable to callers.
type KeyRing struct {
	mu    sync.RWMutex
	cache map[derivationKey]*DerivedKey
}

// NewKeyRing returns an empty derivation cache.
func NewKeyRing() *KeyRing {
	return &KeyRing{cache: make(map[derivationKey]*DerivedKey)}
}

// Derive returns the k-th key of xkey, deriving it on first use.
func (r *KeyRing) Derive(xkey string, index uint32) (*DerivedKey, error) {
	id := derivationKey{xkey: xkey, index: index}
	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}
	derived, err := DeriveSigningKey(xkey, index)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[id] = derived
	r.mu.Unlock()
	return derived, nil
}

// Address returns only the address of the k-th key of xkey.
func (r *KeyRing) Address(xkey string, index uint32) (common.Address, error) {
	derived, err := r.Derive(xkey, index)
	if err != nil {
		return common.Address{}, err
	}
	return derived.Address, nil
}

// SortAddresses orders addresses by their numeric value. Addresses are fixed
// width big-endian integers so a byte-wise comparison is a numeric one.
func SortAddresses(addrs []common.Address) []common.Address {
	out := make([]common.Address, len(addrs))
	copy(out, addrs)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

// XKeysToSortedKthAddresses derives the k-th address of every xkey and
// returns them in canonical order.
func XKeysToSortedKthAddresses(xkeys []string, index uint32) ([]common.Address, error) {
	return defaultRing.XKeysToSortedKthAddresses(xkeys, index)
}

// XKeysToSortedKthAddresses is the memoised form of the package function.
func (r *KeyRing) XKeysToSortedKthAddresses(xkeys []string, index uint32) ([]common.Address, error) {
	addrs := make([]common.Address, 0, len(xkeys))
	for _, xkey := range xkeys {
		addr, err := r.Address(xkey, index)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return SortAddresses(addrs), nil
}

var defaultRing = NewKeyRing()
