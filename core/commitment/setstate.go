package commitment

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"statechannels/core/contracts"
	"statechannels/core/types"
)

type appIdentityArg struct {
	Participants   []common.Address
	AppDefinition  common.Address
	DefaultTimeout *big.Int
}

type signedStateHashUpdateArg struct {
	AppStateHash  [32]byte
	VersionNumber *big.Int
	Timeout       *big.Int
	Signatures    []byte
}

// SetState anchors an app's state hash at a version in the challenge
// registry.
type SetState struct {
	signed
	registry     common.Address
	identity     types.AppIdentity
	identityHash common.Hash
	stateHash    common.Hash
	version      uint64
	timeout      uint64
}

// NewSetState builds the commitment. The digest is
// keccak256(0x19 ‖ identityHash ‖ uint256 version ‖ uint256 timeout ‖ stateHash).
func NewSetState(network types.NetworkContext, identity types.AppIdentity, stateHash common.Hash, version, timeout uint64) (*SetState, error) {
	identityHash, err := identity.Hash()
	if err != nil {
		return nil, err
	}
	digest := crypto.Keccak256Hash(
		[]byte{domainTag},
		identityHash.Bytes(),
		wordUint64(version),
		wordUint64(timeout),
		stateHash.Bytes(),
	)
	return &SetState{
		signed:       signed{digest: digest, signers: append([]common.Address{}, identity.Participants...)},
		registry:     network.ChallengeRegistry,
		identity:     identity,
		identityHash: identityHash,
		stateHash:    stateHash,
		version:      version,
		timeout:      timeout,
	}, nil
}

// SetStateForApp builds the commitment for an app's latest state.
func SetStateForApp(network types.NetworkContext, app *types.AppInstance) (*SetState, error) {
	stateHash, err := app.StateHash()
	if err != nil {
		return nil, fmt.Errorf("commitment: hash state of %s: %w", app.IdentityHash().Hex(), err)
	}
	return NewSetState(network, app.Identity(), stateHash, app.LatestVersion, app.LatestTimeout)
}

func (c *SetState) Kind() Kind { return KindSetState }

// AppIdentityHash is the app the commitment anchors.
func (c *SetState) AppIdentityHash() common.Hash { return c.identityHash }

// Version is the anchored version number.
func (c *SetState) Version() uint64 { return c.version }

// SignedTransaction encodes ChallengeRegistry.setState with the attached
// signatures concatenated in signer order.
func (c *SetState) SignedTransaction() (*MinimalTransaction, error) {
	if err := c.requireSignatures(); err != nil {
		return nil, err
	}
	var packed []byte
	for _, sig := range c.sigs {
		packed = append(packed, sig.Bytes()...)
	}
	data, err := contracts.ChallengeRegistry.Pack("setState",
		appIdentityArg{
			Participants:   c.identity.Participants,
			AppDefinition:  c.identity.AppDefinition,
			DefaultTimeout: new(big.Int).SetUint64(c.identity.DefaultTimeout),
		},
		signedStateHashUpdateArg{
			AppStateHash:  c.stateHash,
			VersionNumber: new(big.Int).SetUint64(c.version),
			Timeout:       new(big.Int).SetUint64(c.timeout),
			Signatures:    packed,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("commitment: encode setState: %w", err)
	}
	return &MinimalTransaction{To: c.registry, Value: new(big.Int), Data: data}, nil
}
