package protocol

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/apps"
	"statechannels/core/types"
	"statechannels/core/value"
	"statechannels/crypto"
	"statechannels/p2p"
	"statechannels/storage"
)

var testNetwork = types.NetworkContext{
	ChallengeRegistry:                           common.HexToAddress("0x1000000000000000000000000000000000000001"),
	ConditionalTransactionDelegateTarget:        common.HexToAddress("0x1000000000000000000000000000000000000002"),
	MultiAssetMultiPartyCoinTransferInterpreter: common.HexToAddress("0x1000000000000000000000000000000000000003"),
	TwoPartyFixedOutcomeInterpreter:             common.HexToAddress("0x1000000000000000000000000000000000000004"),
	SingleAssetTwoPartyCoinTransferInterpreter:  common.HexToAddress("0x1000000000000000000000000000000000000005"),
	CoinBalanceRefundApp:                        common.HexToAddress("0x1000000000000000000000000000000000000006"),
	IdentityApp:                                 common.HexToAddress("0x1000000000000000000000000000000000000007"),
	ProxyFactory:                                common.HexToAddress("0x1000000000000000000000000000000000000008"),
	MinimumViableMultisig:                       common.HexToAddress("0x1000000000000000000000000000000000000009"),
}

var ticTacToeDefinition = common.HexToAddress("0x2000000000000000000000000000000000000001")

const testLegTimeout = 500 * time.Millisecond

type party struct {
	xpub   string
	addr   common.Address
	store  *storage.ChannelStore
	router *p2p.Router
	engine *Engine
	done   chan Completion
}

type harnessOptions struct {
	maxApps int
}

func newParties(t *testing.T, hub *p2p.MemoryHub, n int, opts harnessOptions) []*party {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := apps.NewRegistry(nil)
	registry.Register(ticTacToeDefinition, apps.TicTacToe{})
	resolver := apps.NewResolver(registry)

	parties := make([]*party, n)
	for i := range parties {
		master, err := crypto.NewMasterFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
		if err != nil {
			t.Fatalf("master key: %v", err)
		}
		pub, err := master.Neuter()
		if err != nil {
			t.Fatalf("neuter: %v", err)
		}
		fb, err := crypto.DeriveSigningKey(pub.String(), 0)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		p := &party{
			xpub:  pub.String(),
			addr:  fb.Address,
			store: storage.NewChannelStore(storage.NewMemDB(), ""),
			done:  make(chan Completion, 64),
		}
		p.router = p2p.NewRouter(p.xpub, nil, testLegTimeout, logger)
		hub.Attach(p.router)
		p.engine, err = NewEngine(Config{
			ExtendedPrivateKey: master.String(),
			Network:            testNetwork,
			Store:              p.store,
			Router:             p.router,
			Resolver:           resolver,
			MaxApps:            opts.maxApps,
			Observer:           ObserverFunc(func(c Completion) { p.done <- c }),
			Logger:             logger,
		})
		if err != nil {
			t.Fatalf("engine: %v", err)
		}
		router := p.router
		store := p.store
		t.Cleanup(func() {
			router.Close()
			store.Close()
		})
		parties[i] = p
	}
	return parties
}

func setupChannel(t *testing.T, a, b *party) common.Address {
	t.Helper()
	multisig, err := types.ComputeMultisigAddress([]string{a.xpub, b.xpub}, testNetwork)
	if err != nil {
		t.Fatalf("multisig: %v", err)
	}
	if _, err := a.engine.Initiate(context.Background(), Setup, SetupParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	waitFor(t, b, Setup)
	return multisig
}

// fund credits the free balance of a channel identically on every party.
func fund(t *testing.T, multisig common.Address, amounts map[common.Address]int64, parties ...*party) {
	t.Helper()
	for _, p := range parties {
		sc, err := p.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load channel: %v", err)
		}
		fb, err := sc.FreeBalanceState()
		if err != nil {
			t.Fatalf("free balance: %v", err)
		}
		funded := fb.Clone()
		for addr, amount := range amounts {
			funded.Balances.Add(types.ETHToken, addr, big.NewInt(amount))
		}
		if err := p.store.SaveStateChannels([]*types.StateChannel{sc.SetFreeBalance(funded)}); err != nil {
			t.Fatalf("save channel: %v", err)
		}
	}
}

func balanceOf(t *testing.T, p *party, multisig, addr common.Address) int64 {
	t.Helper()
	sc, err := p.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load channel: %v", err)
	}
	fb, err := sc.FreeBalanceState()
	if err != nil {
		t.Fatalf("free balance: %v", err)
	}
	return fb.Balances.Get(types.ETHToken, addr).Int64()
}

func waitFor(t *testing.T, p *party, name Name) Completion {
	t.Helper()
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case c := <-p.done:
			if c.Protocol == name {
				return c
			}
		case <-timer.C:
			t.Fatalf("no %s completion", name)
		}
	}
}

func ticTacToeProposal(multisig common.Address, a, b *party, deposit int64) ProposeParams {
	return ProposeParams{
		MultisigAddress:              multisig,
		InitiatorXpub:                a.xpub,
		ResponderXpub:                b.xpub,
		AppDefinition:                ticTacToeDefinition,
		StateEncoding:                apps.TicTacToeStateEncoding,
		ActionEncoding:               apps.TicTacToeActionEncoding,
		InitialState:                 apps.NewTicTacToeState([2]value.Value{value.Address(a.addr), value.Address(b.addr)}),
		InitiatorDeposit:             big.NewInt(deposit),
		InitiatorDepositTokenAddress: types.ETHToken,
		ResponderDeposit:             big.NewInt(deposit),
		ResponderDepositTokenAddress: types.ETHToken,
		DefaultTimeout:               100,
		Timeout:                      100,
		OutcomeType:                  types.OutcomeTwoPartyFixed,
	}
}

// installApp proposes and installs a TicTacToe game funded with deposit
// from each side.
func installApp(t *testing.T, multisig common.Address, a, b *party, deposit int64) common.Hash {
	t.Helper()
	ctx := context.Background()
	proposed, err := a.engine.Initiate(ctx, Propose, ticTacToeProposal(multisig, a, b, deposit))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := a.engine.Initiate(ctx, Install, InstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: proposed.AppIdentityHash,
	}); err != nil {
		t.Fatalf("install: %v", err)
	}
	return proposed.AppIdentityHash
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }
