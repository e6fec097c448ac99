// Package chain submits channel transactions to an Ethereum node and reads
// the balances channel apps depend on.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"statechannels/core/commitment"
	"statechannels/core/contracts"
	"statechannels/core/types"
)

var (
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrInvalidAmount     = errors.New("chain: amount must be positive")
)

// Provider is the on-chain surface a node needs. It also serves as the
// contract caller for app logic evaluated on-chain.
type Provider interface {
	ethereum.ContractCaller
	// Address is the account transactions are sent from.
	Address() common.Address
	BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *commitment.MinimalTransaction) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	// Deployed reports whether contract code lives at addr.
	Deployed(ctx context.Context, addr common.Address) (bool, error)
}

// DepositTransaction moves amount of token from the sender into multisig.
func DepositTransaction(multisig common.Address, amount *big.Int, token common.Address) (*commitment.MinimalTransaction, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if token == types.ETHToken {
		return &commitment.MinimalTransaction{To: multisig, Value: new(big.Int).Set(amount)}, nil
	}
	data, err := contracts.ERC20.Pack("transfer", multisig, amount)
	if err != nil {
		return nil, err
	}
	return &commitment.MinimalTransaction{To: token, Value: new(big.Int), Data: data}, nil
}

// DeployMultisigTransaction deploys the channel multisig through the proxy
// factory at the address types.ComputeMultisigAddress predicts.
func DeployMultisigTransaction(network types.NetworkContext, xpubs []string) (*commitment.MinimalTransaction, error) {
	owners, err := types.MultisigOwners(xpubs)
	if err != nil {
		return nil, err
	}
	initializer, err := contracts.MultisigSetupCalldata(owners)
	if err != nil {
		return nil, err
	}
	data, err := contracts.ProxyFactory.Pack("createProxyWithNonce", network.MinimumViableMultisig, initializer, new(big.Int))
	if err != nil {
		return nil, err
	}
	return &commitment.MinimalTransaction{To: network.ProxyFactory, Value: new(big.Int), Data: data}, nil
}
