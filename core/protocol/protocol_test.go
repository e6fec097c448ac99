package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/apps"
	"statechannels/core/commitment"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/core/value"
	"statechannels/p2p"
)

func TestSetupAgreesOnChannelAddress(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]

	fromB, err := types.ComputeMultisigAddress([]string{b.xpub, a.xpub}, testNetwork)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	multisig := setupChannel(t, a, b)
	if multisig != fromB {
		t.Fatalf("multisig mismatch: %s != %s", multisig.Hex(), fromB.Hex())
	}

	onA, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load on a: %v", err)
	}
	onB, err := b.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load on b: %v", err)
	}
	if !onA.Equal(onB) {
		t.Fatalf("parties disagree on the new channel")
	}
	if onA.NumProposedApps() != 1 {
		t.Fatalf("expected counter 1 after setup, got %d", onA.NumProposedApps())
	}
	record, err := b.store.GetCommitment(commitment.KindSetup, onB.FreeBalance().IdentityHash())
	if err != nil {
		t.Fatalf("setup commitment: %v", err)
	}
	if len(record.Signatures) != 2 {
		t.Fatalf("expected both signatures on the setup commitment, got %d", len(record.Signatures))
	}
}

func TestSetupRejectsExistingChannel(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)

	_, err := a.engine.Initiate(context.Background(), Setup, SetupParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
	})
	if !errors.Is(err, chanerrors.ErrChannelExists) {
		t.Fatalf("expected channel exists, got %v", err)
	}
}

func TestSetupRejectsForeignMultisig(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]

	_, err := a.engine.Initiate(context.Background(), Setup, SetupParams{
		MultisigAddress: common.HexToAddress("0xbeef"),
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
	})
	if !errors.Is(err, chanerrors.ErrInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestProposeWithNullStateSendsNothing(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)

	var sent int32
	hub.SetFilter(func(*p2p.Message) bool {
		atomic.AddInt32(&sent, 1)
		return true
	})
	params := ticTacToeProposal(multisig, a, b, 1)
	params.InitialState = value.Null()
	_, err := a.engine.Initiate(context.Background(), Propose, params)
	if !errors.Is(err, chanerrors.ErrNullInitialState) {
		t.Fatalf("expected null initial state, got %v", err)
	}
	if n := atomic.LoadInt32(&sent); n != 0 {
		t.Fatalf("expected no message, %d sent", n)
	}
	sc, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sc.NumProposedApps() != 1 {
		t.Fatalf("counter moved to %d", sc.NumProposedApps())
	}
}

func TestInstallAndUninstallMoveDeposits(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	fund(t, multisig, map[common.Address]int64{a.addr: 5, b.addr: 5}, a, b)

	app := installApp(t, multisig, a, b, 1)
	for _, p := range parties {
		if got := balanceOf(t, p, multisig, a.addr); got != 4 {
			t.Fatalf("initiator balance after install: %d", got)
		}
		if got := balanceOf(t, p, multisig, b.addr); got != 4 {
			t.Fatalf("responder balance after install: %d", got)
		}
	}

	ctx := context.Background()
	sc, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	installed, err := sc.GetAppInstance(app)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	won := installed.LatestState.WithField("winner", value.Uint64(apps.TicTacToePlayerOne))
	if _, err := a.engine.Initiate(ctx, Update, UpdateParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: app,
		NewState:        won,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := a.engine.Initiate(ctx, Uninstall, UninstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: app,
	}); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	for _, p := range parties {
		if got := balanceOf(t, p, multisig, a.addr); got != 6 {
			t.Fatalf("winner balance after uninstall: %d", got)
		}
		if got := balanceOf(t, p, multisig, b.addr); got != 4 {
			t.Fatalf("loser balance after uninstall: %d", got)
		}
		sc, err := p.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if sc.IsAppInstalled(app) || sc.NumActiveApps() != 0 {
			t.Fatalf("app still installed")
		}
	}
}

func TestTakeActionAdvancesBothParties(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	fund(t, multisig, map[common.Address]int64{a.addr: 2, b.addr: 2}, a, b)
	app := installApp(t, multisig, a, b, 1)

	action := value.Tuple(
		value.F("actionType", value.Uint64(0)),
		value.F("playX", value.Uint64(1)),
		value.F("playY", value.Uint64(2)),
	)
	if _, err := a.engine.Initiate(context.Background(), TakeAction, TakeActionParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: app,
		Action:          action,
	}); err != nil {
		t.Fatalf("take action: %v", err)
	}

	var hashes []common.Hash
	for _, p := range parties {
		sc, err := p.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		installed, err := sc.GetAppInstance(app)
		if err != nil {
			t.Fatalf("app: %v", err)
		}
		if installed.LatestVersion != 1 {
			t.Fatalf("expected version 1, got %d", installed.LatestVersion)
		}
		board, _ := installed.LatestState.Field("board")
		if mark := board.Index(1).Index(2).Uint64(); mark != 1 {
			t.Fatalf("expected mark 1 at (1,2), got %d", mark)
		}
		hash, err := installed.StateHash()
		if err != nil {
			t.Fatalf("state hash: %v", err)
		}
		hashes = append(hashes, hash)
	}
	if hashes[0] != hashes[1] {
		t.Fatalf("parties disagree on the new state")
	}

	_, err := a.engine.Initiate(context.Background(), TakeAction, TakeActionParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: app,
		Action:          action,
	})
	if !errors.Is(err, chanerrors.ErrInvalidAction) {
		t.Fatalf("expected invalid action for a taken square, got %v", err)
	}
}

func TestInstallRequiresProposal(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)

	_, err := a.engine.Initiate(context.Background(), Install, InstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: common.HexToHash("0x01"),
	})
	if !errors.Is(err, chanerrors.ErrNoProposedAppInstance) {
		t.Fatalf("expected no proposed app instance, got %v", err)
	}
}

func TestInstallHonoursAppLimit(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{maxApps: 1})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	fund(t, multisig, map[common.Address]int64{a.addr: 4, b.addr: 4}, a, b)
	installApp(t, multisig, a, b, 1)

	ctx := context.Background()
	proposed, err := a.engine.Initiate(ctx, Propose, ticTacToeProposal(multisig, a, b, 1))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	_, err = a.engine.Initiate(ctx, Install, InstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: proposed.AppIdentityHash,
	})
	var tooMany *chanerrors.TooManyAppsError
	if !errors.As(err, &tooMany) || tooMany.Limit != 1 {
		t.Fatalf("expected too many apps, got %v", err)
	}
}

func TestEngineDefaultAppLimit(t *testing.T) {
	hub := p2p.NewMemoryHub()
	a := newParties(t, hub, 1, harnessOptions{})[0]
	if got := a.engine.MaxApps(); got != DefaultMaxApps || got != 64 {
		t.Fatalf("default app limit %d", got)
	}
}

func TestInstallWithoutFundsFails(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	fund(t, multisig, map[common.Address]int64{a.addr: 1}, a, b)

	ctx := context.Background()
	proposed, err := a.engine.Initiate(ctx, Propose, ticTacToeProposal(multisig, a, b, 1))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	_, err = a.engine.Initiate(ctx, Install, InstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: proposed.AppIdentityHash,
	})
	var funds *chanerrors.InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if funds.Party != b.addr || funds.Required.Int64() != 1 || funds.Available.Sign() != 0 {
		t.Fatalf("unexpected shortfall: %+v", funds)
	}
}

func TestUninstallFreeBalanceIsRejected(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	sc, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err = a.engine.Initiate(context.Background(), Uninstall, UninstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: sc.FreeBalance().IdentityHash(),
	})
	if !errors.Is(err, chanerrors.ErrCannotUninstallFreeBalance) {
		t.Fatalf("expected free balance error, got %v", err)
	}
}

func TestWithdrawDebitsInitiator(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	fund(t, multisig, map[common.Address]int64{a.addr: 3}, a, b)

	recipient := common.HexToAddress("0x3000000000000000000000000000000000000001")
	params := WithdrawParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		Recipient:       recipient,
		Amount:          bigInt(2),
		TokenAddress:    types.ETHToken,
	}
	res, err := a.engine.Initiate(context.Background(), Withdraw, params)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Transaction == nil || res.Transaction.To != multisig {
		t.Fatalf("expected a multisig transaction, got %+v", res.Transaction)
	}
	for _, p := range parties {
		if got := balanceOf(t, p, multisig, a.addr); got != 1 {
			t.Fatalf("balance after withdraw: %d", got)
		}
	}

	params.Amount = bigInt(5)
	_, err = a.engine.Initiate(context.Background(), Withdraw, params)
	if !errors.Is(err, chanerrors.ErrInsufficientFreeBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestResponderRejectionIsReported(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	fund(t, multisig, map[common.Address]int64{a.addr: 3, b.addr: 3}, a, b)
	app := installApp(t, multisig, a, b, 1)

	// B loses the app, A still has it.
	sc, err := b.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stripped, err := sc.UninstallApp(app, types.TokenIndexedBalances{})
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if err := b.store.SaveStateChannels([]*types.StateChannel{stripped}); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err = a.engine.Initiate(context.Background(), Update, UpdateParams{
		MultisigAddress: multisig,
		InitiatorXpub:   a.xpub,
		ResponderXpub:   b.xpub,
		AppIdentityHash: app,
		NewState:        apps.NewTicTacToeState([2]value.Value{value.Address(a.addr), value.Address(b.addr)}),
	})
	if !errors.Is(err, chanerrors.ErrRemoteAborted) || !errors.Is(err, chanerrors.ErrAppNotFound) {
		t.Fatalf("expected remote app not found, got %v", err)
	}
	onA, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	installed, err := onA.GetAppInstance(app)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	if installed.LatestVersion != 0 {
		t.Fatalf("aborted run persisted version %d", installed.LatestVersion)
	}
}

func TestTimeoutLeavesStateUntouched(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	fund(t, multisig, map[common.Address]int64{a.addr: 3, b.addr: 3}, a, b)

	hub.SetFilter(func(msg *p2p.Message) bool { return msg.Protocol != string(Propose) })
	_, err := a.engine.Initiate(context.Background(), Propose, ticTacToeProposal(multisig, a, b, 1))
	if !errors.Is(err, chanerrors.ErrMessagingTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	for _, p := range parties {
		sc, err := p.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if sc.NumProposedApps() != 1 || len(sc.ProposedAppInstances()) != 0 {
			t.Fatalf("timed out run changed the channel")
		}
	}
}

func TestLostReplyLeavesResponderUntouched(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)

	hub.SetFilter(func(msg *p2p.Message) bool {
		return !(msg.Seq == p2p.UnassignedSeqNo && msg.From == b.xpub)
	})
	_, err := a.engine.Initiate(context.Background(), Propose, ticTacToeProposal(multisig, a, b, 0))
	if !errors.Is(err, chanerrors.ErrMessagingTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	for _, p := range parties {
		sc, err := p.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if sc.NumProposedApps() != 1 || len(sc.ProposedAppInstances()) != 0 {
			t.Fatalf("run without a reply changed the channel")
		}
	}

	hub.SetFilter(nil)
	if _, err := a.engine.Initiate(context.Background(), Propose, ticTacToeProposal(multisig, a, b, 0)); err != nil {
		t.Fatalf("propose after recovery: %v", err)
	}
	onA, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	onB, err := b.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !onA.Equal(onB) {
		t.Fatalf("parties disagree after the retried proposal")
	}
}

func TestLostCommitLeavesResponderUntouched(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)

	hub.SetFilter(func(msg *p2p.Message) bool {
		return !(msg.Seq == p2p.UnassignedSeqNo && msg.From == a.xpub)
	})
	_, err := a.engine.Initiate(context.Background(), Propose, ticTacToeProposal(multisig, a, b, 0))
	if !errors.Is(err, chanerrors.ErrMessagingTimeout) {
		t.Fatalf("expected an unconfirmed run, got %v", err)
	}
	sc, err := b.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sc.NumProposedApps() != 1 || len(sc.ProposedAppInstances()) != 0 {
		t.Fatalf("responder persisted a run it never saw committed")
	}
}

func TestRejectRacingCounterpartyProposal(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		first, err := a.engine.Initiate(ctx, Propose, ticTacToeProposal(multisig, a, b, 0))
		if err != nil {
			t.Fatalf("propose: %v", err)
		}

		var (
			wg                   sync.WaitGroup
			second               *Result
			rejectErr, secondErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, rejectErr = b.engine.Initiate(ctx, RejectInstall, RejectInstallParams{
				MultisigAddress: multisig,
				InitiatorXpub:   b.xpub,
				ResponderXpub:   a.xpub,
				AppIdentityHash: first.AppIdentityHash,
			})
		}()
		go func() {
			defer wg.Done()
			second, secondErr = a.engine.Initiate(ctx, Propose, ticTacToeProposal(multisig, a, b, 0))
		}()
		wg.Wait()
		if rejectErr != nil {
			t.Fatalf("round %d reject: %v", i, rejectErr)
		}
		if secondErr != nil {
			t.Fatalf("round %d propose: %v", i, secondErr)
		}

		onA, err := a.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		onB, err := b.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !onA.Equal(onB) {
			t.Fatalf("round %d: parties disagree", i)
		}
		if onB.HasProposal(first.AppIdentityHash) || !onB.HasProposal(second.AppIdentityHash) {
			t.Fatalf("round %d: expected only the second proposal to survive", i)
		}
	}
}

func TestConcurrentProposalsTakeDistinctSequenceNumbers(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)

	const runs = 6
	var (
		wg        sync.WaitGroup
		succeeded int32
	)
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.engine.Initiate(context.Background(), Propose, ticTacToeProposal(multisig, a, b, 0)); err != nil {
				errs <- err
				return
			}
			atomic.AddInt32(&succeeded, 1)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("proposal failed: %v", err)
	}
	if succeeded != runs {
		t.Fatalf("%d of %d proposals completed", succeeded, runs)
	}
	for _, p := range parties {
		sc, err := p.store.GetStateChannel(multisig)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got, want := sc.NumProposedApps(), uint32(1+runs); got != want {
			t.Fatalf("counter %d, want %d", got, want)
		}
		seen := make(map[uint32]bool)
		for _, proposal := range sc.ProposedAppInstances() {
			if seen[proposal.AppSeqNo] {
				t.Fatalf("sequence number %d used twice", proposal.AppSeqNo)
			}
			seen[proposal.AppSeqNo] = true
		}
		if len(seen) != runs {
			t.Fatalf("expected %d proposals, got %d", runs, len(seen))
		}
	}
}

func TestCrossProposalsAreBothAccepted(t *testing.T) {
	hub := p2p.NewMemoryHub()
	parties := newParties(t, hub, 2, harnessOptions{})
	a, b := parties[0], parties[1]
	multisig := setupChannel(t, a, b)

	const rounds = 3
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, pair := range [][2]*party{{a, b}, {b, a}} {
			i, from, to := i, pair[0], pair[1]
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = from.engine.Initiate(context.Background(), Propose, ticTacToeProposal(multisig, from, to, 0))
			}()
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("round %d proposal %d: %v", round, i, err)
			}
		}
	}

	onA, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	onB, err := b.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !onA.Equal(onB) {
		t.Fatalf("parties disagree after crossing proposals")
	}
	seen := make(map[uint32]bool)
	for _, proposal := range onA.ProposedAppInstances() {
		if seen[proposal.AppSeqNo] {
			t.Fatalf("sequence number %d used twice", proposal.AppSeqNo)
		}
		seen[proposal.AppSeqNo] = true
	}
	if len(seen) != 2*rounds {
		t.Fatalf("expected %d proposals, got %d", 2*rounds, len(seen))
	}
}
