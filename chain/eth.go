package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"statechannels/core/commitment"
	"statechannels/core/contracts"
	"statechannels/core/types"
	"statechannels/crypto"
)

const defaultPollInterval = 2 * time.Second

// Client is the subset of the Ethereum RPC the provider uses.
// *ethclient.Client satisfies it.
type Client interface {
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial connects to the JSON-RPC endpoint of an Ethereum node.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EthProvider signs legacy transactions with a single key and sends them
// through client.
type EthProvider struct {
	client       Client
	key          *crypto.PrivateKey
	signer       gethtypes.Signer
	pollInterval time.Duration
	logger       *slog.Logger

	nonceMu sync.Mutex
}

// NewEthProvider binds key to client for chainID.
func NewEthProvider(client Client, key *crypto.PrivateKey, chainID *big.Int, logger *slog.Logger) (*EthProvider, error) {
	if client == nil {
		return nil, errors.New("chain: client required")
	}
	if key == nil {
		return nil, crypto.ErrNilPrivateKey
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain: chain id required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EthProvider{
		client:       client,
		key:          key,
		signer:       gethtypes.LatestSignerForChainID(chainID),
		pollInterval: defaultPollInterval,
		logger:       logger.With(slog.String("component", "chain")),
	}, nil
}

// SetPollInterval changes how often WaitForReceipt asks for a receipt.
func (p *EthProvider) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

func (p *EthProvider) Address() common.Address { return p.key.Address() }

func (p *EthProvider) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return p.client.CallContract(ctx, msg, blockNumber)
}

// BalanceOf returns the ether balance of owner, or its ERC20 balance when
// token is a contract address.
func (p *EthProvider) BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	if token == types.ETHToken {
		return p.client.BalanceAt(ctx, owner, nil)
	}
	input, err := contracts.ERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	output, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf on %s: %w", token.Hex(), err)
	}
	unpacked, err := contracts.ERC20.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("chain: decode balanceOf: %w", err)
	}
	balance, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: balanceOf returned %T", unpacked[0])
	}
	return balance, nil
}

func (p *EthProvider) Deployed(ctx context.Context, addr common.Address) (bool, error) {
	code, err := p.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// SendTransaction signs tx from the provider's account and broadcasts it.
// Nonces are assigned one transaction at a time.
func (p *EthProvider) SendTransaction(ctx context.Context, tx *commitment.MinimalTransaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, errors.New("chain: nil transaction")
	}
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	from := p.Address()

	p.nonceMu.Lock()
	defer p.nonceMu.Unlock()

	nonce, err := p.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price: %w", err)
	}
	to := tx.To
	gas, err := p.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: tx.Data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
	}
	signed, err := gethtypes.SignTx(gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     tx.Data,
	}), p.signer, p.key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send: %w", err)
	}
	p.logger.Info("Transaction sent",
		slog.String("hash", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce))
	return signed.Hash(), nil
}

// WaitForReceipt polls until hash is mined. A reverted transaction returns
// its receipt together with ErrTransactionFailed.
func (p *EthProvider) WaitForReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTransactionFailed, hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("chain: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
