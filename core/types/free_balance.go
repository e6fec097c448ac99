package types

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	chanerrors "statechannels/core/errors"
	"statechannels/core/value"
)

// FreeBalanceStateEncoding is the ABI shape of the free balance app state.
const FreeBalanceStateEncoding = "tuple(address[] tokenAddresses, tuple(address to, uint256 amount)[][] balances, bytes32[] activeApps)"

// FreeBalanceDefaultTimeout is the dispute timeout of every free balance.
const FreeBalanceDefaultTimeout = 172800

// ETHToken identifies ether in token indexed maps.
var ETHToken = common.Address{}

// TokenIndexedBalances maps token -> party -> amount.
type TokenIndexedBalances map[common.Address]map[common.Address]*big.Int

// Add increments the balance of party in token, creating entries as needed.
func (b TokenIndexedBalances) Add(token, party common.Address, amount *big.Int) {
	if amount == nil {
		return
	}
	parties, ok := b[token]
	if !ok {
		parties = make(map[common.Address]*big.Int)
		b[token] = parties
	}
	if current, ok := parties[party]; ok {
		parties[party] = new(big.Int).Add(current, amount)
		return
	}
	parties[party] = new(big.Int).Set(amount)
}

// Get returns the balance of party in token (zero when absent).
func (b TokenIndexedBalances) Get(token, party common.Address) *big.Int {
	if amount, ok := b[token][party]; ok {
		return new(big.Int).Set(amount)
	}
	return new(big.Int)
}

// Total sums every party's balance of token.
func (b TokenIndexedBalances) Total(token common.Address) *big.Int {
	total := new(big.Int)
	for _, amount := range b[token] {
		total.Add(total, amount)
	}
	return total
}

// Merge adds every entry of other into b.
func (b TokenIndexedBalances) Merge(other TokenIndexedBalances) {
	for token, parties := range other {
		for party, amount := range parties {
			b.Add(token, party, amount)
		}
	}
}

// Clone returns a deep copy.
func (b TokenIndexedBalances) Clone() TokenIndexedBalances {
	out := make(TokenIndexedBalances, len(b))
	for token, parties := range b {
		inner := make(map[common.Address]*big.Int, len(parties))
		for party, amount := range parties {
			inner[party] = new(big.Int).Set(amount)
		}
		out[token] = inner
	}
	return out
}

// Tokens returns the tokens in ascending order.
func (b TokenIndexedBalances) Tokens() []common.Address {
	tokens := make([]common.Address, 0, len(b))
	for token := range b {
		tokens = append(tokens, token)
	}
	return sortedAddresses(tokens)
}

func sortedAddresses(addrs []common.Address) []common.Address {
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0 })
	return addrs
}

// FreeBalanceState is the decoded state of a channel's free balance.
type FreeBalanceState struct {
	Balances   TokenIndexedBalances
	ActiveApps []common.Hash
}

// NewFreeBalanceState returns a state tracking zero ether for each party.
func NewFreeBalanceState(parties []common.Address) FreeBalanceState {
	balances := TokenIndexedBalances{}
	for _, party := range parties {
		balances.Add(ETHToken, party, new(big.Int))
	}
	return FreeBalanceState{Balances: balances}
}

// Clone returns a deep copy.
func (s FreeBalanceState) Clone() FreeBalanceState {
	return FreeBalanceState{
		Balances:   s.Balances.Clone(),
		ActiveApps: append([]common.Hash(nil), s.ActiveApps...),
	}
}

// HasActiveApp reports whether id has funds locked against it.
func (s FreeBalanceState) HasActiveApp(id common.Hash) bool {
	for _, active := range s.ActiveApps {
		if active == id {
			return true
		}
	}
	return false
}

// Lock moves amounts out of the free balance and marks id active.
func (s FreeBalanceState) Lock(multisig common.Address, id common.Hash, amounts TokenIndexedBalances) (FreeBalanceState, error) {
	out := s.Clone()
	for _, token := range amounts.Tokens() {
		for _, party := range sortedAddresses(partiesOf(amounts[token])) {
			amount := amounts[token][party]
			available := out.Balances.Get(token, party)
			if available.Cmp(amount) < 0 {
				return FreeBalanceState{}, &chanerrors.InsufficientFundsError{
					Multisig:  multisig,
					Token:     token,
					Party:     party,
					Required:  new(big.Int).Set(amount),
					Available: available,
				}
			}
			out.Balances.Add(token, party, new(big.Int).Neg(amount))
		}
	}
	if !out.HasActiveApp(id) {
		out.ActiveApps = append(out.ActiveApps, id)
	}
	return out, nil
}

// Release credits amounts back to the free balance and clears id.
func (s FreeBalanceState) Release(id common.Hash, amounts TokenIndexedBalances) FreeBalanceState {
	out := s.Clone()
	out.Balances.Merge(amounts)
	active := out.ActiveApps[:0]
	for _, existing := range out.ActiveApps {
		if existing != id {
			active = append(active, existing)
		}
	}
	out.ActiveApps = active
	return out
}

func partiesOf(m map[common.Address]*big.Int) []common.Address {
	out := make([]common.Address, 0, len(m))
	for party := range m {
		out = append(out, party)
	}
	return out
}

// Value renders the state in its canonical ABI form. Tokens, transfers
// and active apps are ordered so equal states encode identically.
func (s FreeBalanceState) Value() value.Value {
	tokens := s.Balances.Tokens()
	tokenValues := make([]value.Value, len(tokens))
	balances := make([]value.Value, len(tokens))
	for i, token := range tokens {
		tokenValues[i] = value.Address(token)
		parties := sortedAddresses(partiesOf(s.Balances[token]))
		transfers := make([]value.Value, len(parties))
		for j, party := range parties {
			transfers[j] = value.Tuple(
				value.F("to", value.Address(party)),
				value.F("amount", value.Uint(s.Balances[token][party])),
			)
		}
		balances[i] = value.Array(transfers...)
	}
	active := append([]common.Hash(nil), s.ActiveApps...)
	sort.Slice(active, func(i, j int) bool { return bytes.Compare(active[i].Bytes(), active[j].Bytes()) < 0 })
	activeValues := make([]value.Value, len(active))
	for i, id := range active {
		activeValues[i] = value.Hash(id)
	}
	return value.Tuple(
		value.F("tokenAddresses", value.Array(tokenValues...)),
		value.F("balances", value.Array(balances...)),
		value.F("activeApps", value.Array(activeValues...)),
	)
}

// FreeBalanceStateFromValue decodes the ABI form produced by Value.
func FreeBalanceStateFromValue(v value.Value) (FreeBalanceState, error) {
	tokens, ok := v.Field("tokenAddresses")
	if !ok {
		return FreeBalanceState{}, fmt.Errorf("types: free balance state missing tokenAddresses")
	}
	balances, ok := v.Field("balances")
	if !ok || balances.Len() != tokens.Len() {
		return FreeBalanceState{}, fmt.Errorf("types: free balance balances do not match tokens")
	}
	out := FreeBalanceState{Balances: TokenIndexedBalances{}}
	for i := 0; i < tokens.Len(); i++ {
		token := tokens.Index(i).Address()
		out.Balances[token] = make(map[common.Address]*big.Int)
		for _, transfer := range balances.Index(i).Elems() {
			to, _ := transfer.Field("to")
			amount, _ := transfer.Field("amount")
			out.Balances.Add(token, to.Address(), amount.BigInt())
		}
	}
	if active, ok := v.Field("activeApps"); ok {
		for _, id := range active.Elems() {
			out.ActiveApps = append(out.ActiveApps, common.BytesToHash(id.Bytes()))
		}
	}
	return out, nil
}
