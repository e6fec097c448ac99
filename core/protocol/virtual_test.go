package protocol

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/apps"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/core/value"
	"statechannels/p2p"
)

type virtualFixture struct {
	hub     *p2p.MemoryHub
	a, b, c *party
	ab, bc  common.Address
	ac      common.Address
}

// newVirtualFixture opens the channels A-B and B-C; A and C share none.
func newVirtualFixture(t *testing.T) *virtualFixture {
	t.Helper()
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 3, harnessOptions{})
	f := &virtualFixture{hub: hub, a: parties[0], b: parties[1], c: parties[2]}
	f.ab = setupChannel(t, f.a, f.b)
	f.bc = setupChannel(t, f.b, f.c)
	var err error
	if f.ac, err = types.ComputeMultisigAddress([]string{f.a.xpub, f.c.xpub}, testNetwork); err != nil {
		t.Fatalf("multisig: %v", err)
	}
	return f
}

func (f *virtualFixture) installParams(deposit int64) InstallVirtualAppParams {
	return InstallVirtualAppParams{
		InitiatorXpub:    f.a.xpub,
		IntermediaryXpub: f.b.xpub,
		ResponderXpub:    f.c.xpub,
		AppDefinition:    ticTacToeDefinition,
		StateEncoding:    apps.TicTacToeStateEncoding,
		ActionEncoding:   apps.TicTacToeActionEncoding,
		InitialState:     apps.NewTicTacToeState([2]value.Value{value.Address(f.a.addr), value.Address(f.c.addr)}),
		InitiatorDeposit: bigInt(deposit),
		ResponderDeposit: bigInt(deposit),
		TokenAddress:     types.ETHToken,
		DefaultTimeout:   100,
		Timeout:          100,
		OutcomeType:      types.OutcomeTwoPartyFixed,
	}
}

func (f *virtualFixture) requireNoApp(t *testing.T) {
	t.Helper()
	for _, check := range []struct {
		p        *party
		multisig common.Address
	}{
		{f.a, f.ab}, {f.b, f.ab}, {f.b, f.bc}, {f.c, f.bc}, {f.a, f.ac}, {f.c, f.ac},
	} {
		sc, err := check.p.store.GetStateChannel(check.multisig)
		if errors.Is(err, chanerrors.ErrChannelNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if sc.NumActiveApps() != 0 || len(sc.ProposedAppInstances()) != 0 || len(sc.IntermediaryAgreements()) != 0 {
			t.Fatalf("channel %s kept part of the failed install", check.multisig.Hex())
		}
	}
}

func (f *virtualFixture) agreements(t *testing.T, p *party, multisig common.Address) int {
	t.Helper()
	sc, err := p.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return len(sc.IntermediaryAgreements())
}

func TestVirtualInstallAndUninstallSettleLegs(t *testing.T) {
	f := newVirtualFixture(t)
	fund(t, f.ab, map[common.Address]int64{f.a.addr: 5, f.b.addr: 5}, f.a, f.b)
	fund(t, f.bc, map[common.Address]int64{f.b.addr: 5, f.c.addr: 5}, f.b, f.c)
	ctx := context.Background()

	res, err := f.a.engine.Initiate(ctx, InstallVirtualApp, f.installParams(1))
	if err != nil {
		t.Fatalf("install virtual: %v", err)
	}
	target := res.AppIdentityHash
	if c := waitFor(t, f.b, InstallVirtualApp); c.Role != RoleIntermediary || c.AppIdentityHash != target {
		t.Fatalf("unexpected intermediary completion: %+v", c)
	}
	waitFor(t, f.c, InstallVirtualApp)

	for _, check := range []struct {
		p        *party
		multisig common.Address
		addr     common.Address
		want     int64
	}{
		{f.a, f.ab, f.a.addr, 4}, {f.b, f.ab, f.b.addr, 4},
		{f.b, f.bc, f.b.addr, 4}, {f.c, f.bc, f.c.addr, 4},
	} {
		if got := balanceOf(t, check.p, check.multisig, check.addr); got != check.want {
			t.Fatalf("balance in %s: %d, want %d", check.multisig.Hex(), got, check.want)
		}
	}
	if f.agreements(t, f.a, f.ab) != 1 || f.agreements(t, f.c, f.bc) != 1 || f.agreements(t, f.b, f.bc) != 1 {
		t.Fatalf("legs missing their intermediary agreement")
	}
	for _, p := range []*party{f.a, f.c} {
		sc, err := p.store.GetStateChannel(f.ac)
		if err != nil {
			t.Fatalf("virtual channel: %v", err)
		}
		if !sc.IsAppInstalled(target) {
			t.Fatalf("virtual app missing")
		}
	}
	if exists, err := f.b.store.HasStateChannel(f.ac); err != nil || exists {
		t.Fatalf("intermediary must not hold the users' channel (exists=%v, err=%v)", exists, err)
	}

	sc, err := f.a.store.GetStateChannel(f.ac)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	app, err := sc.GetAppInstance(target)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	if _, err := f.a.engine.Initiate(ctx, Update, UpdateParams{
		MultisigAddress: f.ac,
		InitiatorXpub:   f.a.xpub,
		ResponderXpub:   f.c.xpub,
		AppIdentityHash: target,
		NewState:        app.LatestState.WithField("winner", value.Uint64(apps.TicTacToePlayerOne)),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := f.a.engine.Initiate(ctx, UninstallVirtualApp, UninstallVirtualAppParams{
		InitiatorXpub:         f.a.xpub,
		IntermediaryXpub:      f.b.xpub,
		ResponderXpub:         f.c.xpub,
		TargetAppIdentityHash: target,
	}); err != nil {
		t.Fatalf("uninstall virtual: %v", err)
	}
	for _, check := range []struct {
		p        *party
		multisig common.Address
		addr     common.Address
		want     int64
	}{
		{f.a, f.ab, f.a.addr, 6}, {f.b, f.ab, f.b.addr, 4},
		{f.b, f.bc, f.b.addr, 6}, {f.c, f.bc, f.c.addr, 4},
		{f.a, f.ab, f.b.addr, 4}, {f.c, f.bc, f.b.addr, 6},
	} {
		if got := balanceOf(t, check.p, check.multisig, check.addr); got != check.want {
			t.Fatalf("settled balance in %s: %d, want %d", check.multisig.Hex(), got, check.want)
		}
	}
	for _, p := range []*party{f.a, f.c} {
		sc, err := p.store.GetStateChannel(f.ac)
		if err != nil {
			t.Fatalf("virtual channel: %v", err)
		}
		if sc.IsAppInstalled(target) {
			t.Fatalf("virtual app still installed")
		}
	}
	if f.agreements(t, f.a, f.ab)+f.agreements(t, f.b, f.ab)+f.agreements(t, f.b, f.bc)+f.agreements(t, f.c, f.bc) != 0 {
		t.Fatalf("agreements left after settlement")
	}
}

func TestVirtualInstallNeedsIntermediaryCollateralTowardsInitiator(t *testing.T) {
	f := newVirtualFixture(t)
	fund(t, f.ab, map[common.Address]int64{f.a.addr: 5}, f.a, f.b)
	fund(t, f.bc, map[common.Address]int64{f.b.addr: 5, f.c.addr: 5}, f.b, f.c)

	var sent int32
	f.hub.SetFilter(func(*p2p.Message) bool {
		atomic.AddInt32(&sent, 1)
		return true
	})

	_, err := f.a.engine.Initiate(context.Background(), InstallVirtualApp, f.installParams(1))
	if !errors.Is(err, chanerrors.ErrVirtualAppInstallationFailed) {
		t.Fatalf("expected virtual app installation failure, got %v", err)
	}
	var virtual *chanerrors.VirtualAppError
	if !errors.As(err, &virtual) || virtual.Intermediary != f.b.xpub {
		t.Fatalf("expected intermediary in error, got %v", err)
	}
	if !errors.Is(err, chanerrors.ErrInsufficientFreeBalance) {
		t.Fatalf("expected the collateral shortfall as cause, got %v", err)
	}
	if n := atomic.LoadInt32(&sent); n != 0 {
		t.Fatalf("shortfall should be caught before messaging, %d sent", n)
	}
	f.requireNoApp(t)
}

func TestVirtualInstallNeedsIntermediaryCollateralTowardsResponder(t *testing.T) {
	f := newVirtualFixture(t)
	fund(t, f.ab, map[common.Address]int64{f.a.addr: 5, f.b.addr: 5}, f.a, f.b)
	fund(t, f.bc, map[common.Address]int64{f.c.addr: 5}, f.b, f.c)

	_, err := f.a.engine.Initiate(context.Background(), InstallVirtualApp, f.installParams(1))
	if !errors.Is(err, chanerrors.ErrVirtualAppInstallationFailed) {
		t.Fatalf("expected virtual app installation failure, got %v", err)
	}
	if !errors.Is(err, chanerrors.ErrRemoteAborted) {
		t.Fatalf("expected the failure to come from the intermediary, got %v", err)
	}
	f.requireNoApp(t)
}

func TestVirtualUninstallRefusesStaleApp(t *testing.T) {
	f := newVirtualFixture(t)
	fund(t, f.ab, map[common.Address]int64{f.a.addr: 5, f.b.addr: 5}, f.a, f.b)
	fund(t, f.bc, map[common.Address]int64{f.b.addr: 5, f.c.addr: 5}, f.b, f.c)
	ctx := context.Background()

	res, err := f.a.engine.Initiate(ctx, InstallVirtualApp, f.installParams(1))
	if err != nil {
		t.Fatalf("install virtual: %v", err)
	}

	// C moves on to a state A never signed.
	sc, err := f.c.store.GetStateChannel(f.ac)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	app, err := sc.GetAppInstance(res.AppIdentityHash)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	moved, err := sc.SetState(res.AppIdentityHash, app.LatestState.WithField("winner", value.Uint64(apps.TicTacToePlayerTwo)), 0)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := f.c.store.SaveStateChannels([]*types.StateChannel{moved}); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err = f.a.engine.Initiate(ctx, UninstallVirtualApp, UninstallVirtualAppParams{
		InitiatorXpub:         f.a.xpub,
		IntermediaryXpub:      f.b.xpub,
		ResponderXpub:         f.c.xpub,
		TargetAppIdentityHash: res.AppIdentityHash,
	})
	if !errors.Is(err, chanerrors.ErrStaleChannelState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	if f.agreements(t, f.a, f.ab) != 1 || f.agreements(t, f.b, f.ab) != 1 || f.agreements(t, f.b, f.bc) != 1 {
		t.Fatalf("aborted settlement touched the legs")
	}
}
