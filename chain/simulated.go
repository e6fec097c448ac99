package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"statechannels/core/commitment"
	"statechannels/core/contracts"
	"statechannels/core/types"
)

// Simulated is an in-memory ledger implementing Provider. It understands
// plain value transfers, ERC20 transfers, proxy factory deployments and
// multisig execTransaction calls, which is all channel nodes send. Several
// nodes may share one ledger through Account.
type Simulated struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
	code     map[common.Address]bool
	receipts map[common.Hash]*gethtypes.Receipt
	sent     int
	failNext bool
}

// NewSimulated returns an empty ledger.
func NewSimulated() *Simulated {
	return &Simulated{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		code:     make(map[common.Address]bool),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

// Account returns a provider sending from addr.
func (s *Simulated) Account(addr common.Address) *SimulatedAccount {
	return &SimulatedAccount{ledger: s, from: addr}
}

// Credit mints amount of token to owner.
func (s *Simulated) Credit(owner, token common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(owner, token, amount)
}

// Balance reads the ledger.
func (s *Simulated) Balance(owner, token common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(owner, token)
}

// Transactions reports how many transactions were mined.
func (s *Simulated) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// FailNext makes the next transaction revert.
func (s *Simulated) FailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *Simulated) snapshot() map[common.Address]map[common.Address]*big.Int {
	out := make(map[common.Address]map[common.Address]*big.Int, len(s.balances))
	for token, byOwner := range s.balances {
		copied := make(map[common.Address]*big.Int, len(byOwner))
		for owner, v := range byOwner {
			copied[owner] = new(big.Int).Set(v)
		}
		out[token] = copied
	}
	return out
}

func (s *Simulated) balanceLocked(owner, token common.Address) *big.Int {
	if byOwner, ok := s.balances[token]; ok {
		if v, ok := byOwner[owner]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func (s *Simulated) add(owner, token common.Address, amount *big.Int) {
	byOwner, ok := s.balances[token]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		s.balances[token] = byOwner
	}
	current, ok := byOwner[owner]
	if !ok {
		current = new(big.Int)
	}
	byOwner[owner] = new(big.Int).Add(current, amount)
}

func (s *Simulated) move(from, to, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if s.balanceLocked(from, token).Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance of %s for %s", from.Hex(), token.Hex())
	}
	s.add(from, token, new(big.Int).Neg(amount))
	s.add(to, token, amount)
	return nil
}

var erc20Transfer = contracts.ERC20.Methods["transfer"]

// apply executes tx as sent by from.
func (s *Simulated) apply(from common.Address, tx *commitment.MinimalTransaction) error {
	if err := s.move(from, tx.To, types.ETHToken, tx.Value); err != nil {
		return err
	}
	if len(tx.Data) < 4 {
		return nil
	}
	selector, args := tx.Data[:4], tx.Data[4:]
	switch {
	case bytes.Equal(selector, erc20Transfer.ID):
		decoded, err := erc20Transfer.Inputs.Unpack(args)
		if err != nil {
			return err
		}
		return s.move(from, decoded[0].(common.Address), tx.To, decoded[1].(*big.Int))
	case bytes.Equal(selector, contracts.ProxyFactory.Methods["createProxyWithNonce"].ID):
		decoded, err := contracts.ProxyFactory.Methods["createProxyWithNonce"].Inputs.Unpack(args)
		if err != nil {
			return err
		}
		saltNonce := decoded[2].(*big.Int)
		proxy := types.ProxyAddress(tx.To, decoded[0].(common.Address), decoded[1].([]byte), saltNonce.Uint64())
		if s.code[proxy] {
			return fmt.Errorf("proxy %s already deployed", proxy.Hex())
		}
		s.code[proxy] = true
		return nil
	case bytes.Equal(selector, contracts.Multisig.Methods["execTransaction"].ID):
		decoded, err := contracts.Multisig.Methods["execTransaction"].Inputs.Unpack(args)
		if err != nil {
			return err
		}
		inner := &commitment.MinimalTransaction{
			To:    decoded[0].(common.Address),
			Value: decoded[1].(*big.Int),
			Data:  decoded[2].([]byte),
		}
		// Only plain calls move funds; delegate calls into the
		// conditional transaction target settle off this ledger.
		if decoded[3].(uint8) != uint8(contracts.OperationCall) {
			return nil
		}
		return s.apply(tx.To, inner)
	}
	return nil
}

// SimulatedAccount is one sender on a Simulated ledger.
type SimulatedAccount struct {
	ledger *Simulated
	from   common.Address
}

var _ Provider = (*SimulatedAccount)(nil)

func (a *SimulatedAccount) Address() common.Address { return a.from }

func (a *SimulatedAccount) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("chain: simulated ledger runs no contract code")
}

func (a *SimulatedAccount) BalanceOf(_ context.Context, owner, token common.Address) (*big.Int, error) {
	return a.ledger.Balance(owner, token), nil
}

func (a *SimulatedAccount) Deployed(_ context.Context, addr common.Address) (bool, error) {
	a.ledger.mu.Lock()
	defer a.ledger.mu.Unlock()
	return a.ledger.code[addr], nil
}

func (a *SimulatedAccount) SendTransaction(_ context.Context, tx *commitment.MinimalTransaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, errors.New("chain: nil transaction")
	}
	s := a.ledger
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	hash := gethcrypto.Keccak256Hash(a.from.Bytes(), tx.To.Bytes(), tx.Data, big.NewInt(int64(s.sent)).Bytes())
	receipt := &gethtypes.Receipt{
		TxHash:      hash,
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(int64(s.sent)),
	}
	if s.failNext {
		s.failNext = false
		receipt.Status = gethtypes.ReceiptStatusFailed
	} else {
		before := s.snapshot()
		if err := s.apply(a.from, tx); err != nil {
			s.balances = before
			receipt.Status = gethtypes.ReceiptStatusFailed
		}
	}
	s.receipts[hash] = receipt
	return hash, nil
}

func (a *SimulatedAccount) WaitForReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.ledger.mu.Lock()
	receipt, ok := a.ledger.receipts[hash]
	a.ledger.mu.Unlock()
	if !ok {
		return nil, ethereum.NotFound
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTransactionFailed, hash.Hex())
	}
	return receipt, nil
}
