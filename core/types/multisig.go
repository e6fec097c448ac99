package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"statechannels/core/contracts"
	chancrypto "statechannels/crypto"
)

// MultisigOwners returns the canonical owner list of a channel: the index
// zero address of every party, sorted.
func MultisigOwners(xpubs []string) ([]common.Address, error) {
	return chancrypto.XKeysToSortedKthAddresses(xpubs, 0)
}

// ComputeMultisigAddress returns the CREATE2 address the proxy factory
// deploys the channel multisig to. Both parties compute it independently.
func ComputeMultisigAddress(xpubs []string, network NetworkContext) (common.Address, error) {
	owners, err := MultisigOwners(xpubs)
	if err != nil {
		return common.Address{}, err
	}
	initializer, err := contracts.MultisigSetupCalldata(owners)
	if err != nil {
		return common.Address{}, err
	}
	return ProxyAddress(network.ProxyFactory, network.MinimumViableMultisig, initializer, 0), nil
}

// ProxyAddress is the address createProxyWithNonce deploys a proxy of
// mastercopy to.
func ProxyAddress(factory, mastercopy common.Address, initializer []byte, saltNonce uint64) common.Address {
	nonce := uint256.NewInt(saltNonce).Bytes32()
	salt := crypto.Keccak256Hash(crypto.Keccak256(initializer), nonce[:])
	initCode := append(append([]byte{}, contracts.ProxyCreationCode...),
		common.LeftPadBytes(mastercopy.Bytes(), 32)...)
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(initCode))
}
