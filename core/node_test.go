package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/chain"
	"statechannels/core/apps"
	chanerrors "statechannels/core/errors"
	"statechannels/core/events"
	"statechannels/core/types"
	"statechannels/core/value"
	"statechannels/crypto"
	"statechannels/p2p"
	"statechannels/storage"
)

var nodeTestNetwork = types.NetworkContext{
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

var gameDefinition = common.HexToAddress("0x2000000000000000000000000000000000000001")

type testNode struct {
	*Node
	store *storage.ChannelStore
	bus   *events.Bus
}

type nodeOptions struct {
	maxApps    int
	noProvider bool
}

func newTestNodes(t *testing.T, ledger *chain.Simulated, count int, opts nodeOptions) []*testNode {
	t.Helper()
	hub := p2p.NewMemoryHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	nodes := make([]*testNode, count)
	for i := range nodes {
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
		store := storage.NewChannelStore(storage.NewMemDB(), "node")
		router := p2p.NewRouter(pub.String(), nil, 500*time.Millisecond, logger)
		hub.Attach(router)
		bus := events.NewBus(0, 256)

		registry := apps.NewRegistry(nil)
		registry.Register(gameDefinition, apps.TicTacToe{})
		cfg := NodeConfig{
			ExtendedPrivateKey: master.String(),
			Network:            nodeTestNetwork,
			Store:              store,
			Router:             router,
			Registry:           registry,
			Events:             bus,
			MaxApps:            opts.maxApps,
			Logger:             logger,
		}
		if !opts.noProvider {
			cfg.Provider = ledger.Account(fb.Address)
		}
		node, err := NewNode(cfg)
		if err != nil {
			t.Fatalf("node: %v", err)
		}
		if node.FreeBalanceAddress() != fb.Address {
			t.Fatalf("free balance address %s, want %s", node.FreeBalanceAddress().Hex(), fb.Address.Hex())
		}
		t.Cleanup(func() {
			router.Close()
			store.Close()
		})
		nodes[i] = &testNode{Node: node, store: store, bus: bus}
	}
	return nodes
}

// waitForEvents blocks until the node's bus has seen count events of kind.
func waitForEvents(t *testing.T, n *testNode, kind events.Kind, count int) []events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	live, stop, backlog := n.bus.Subscribe(ctx, 0)
	defer stop()
	var seen []events.Event
	for _, d := range backlog {
		if d.Event.Type == kind {
			seen = append(seen, d.Event)
		}
	}
	for len(seen) < count {
		d, ok := <-live
		if !ok {
			t.Fatalf("waiting for %d %s events, saw %d", count, kind, len(seen))
		}
		if d.Event.Type == kind {
			seen = append(seen, d.Event)
		}
	}
	return seen
}

func createChannel(t *testing.T, a, b *testNode) common.Address {
	t.Helper()
	res, err := a.CreateChannel(context.Background(), CreateChannelParams{
		Owners: []string{a.PublicIdentifier(), b.PublicIdentifier()},
	})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	waitForEvents(t, b, events.KindChannelCreated, 1)
	return res.MultisigAddress
}

func freeBalance(t *testing.T, n *testNode, multisig, token, party common.Address) int64 {
	t.Helper()
	balances, err := n.GetFreeBalanceState(context.Background(), FreeBalanceParams{MultisigAddress: multisig, TokenAddress: token})
	if err != nil {
		t.Fatalf("free balance: %v", err)
	}
	amount, ok := balances[party]
	if !ok {
		t.Fatalf("party %s missing from free balance", party.Hex())
	}
	return amount.Int64()
}

func gameProposal(a, b *testNode) ProposeInstallParams {
	return ProposeInstallParams{
		ProposedToIdentifier:         b.PublicIdentifier(),
		AppDefinition:                gameDefinition,
		StateEncoding:                apps.TicTacToeStateEncoding,
		ActionEncoding:               apps.TicTacToeActionEncoding,
		InitialState:                 apps.NewTicTacToeState([2]value.Value{value.Address(a.FreeBalanceAddress()), value.Address(b.FreeBalanceAddress())}),
		InitiatorDeposit:             new(big.Int),
		InitiatorDepositTokenAddress: types.ETHToken,
		ResponderDeposit:             new(big.Int),
		ResponderDepositTokenAddress: types.ETHToken,
		Timeout:                      100,
		OutcomeType:                  types.OutcomeTwoPartyFixed,
	}
}

func installGame(t *testing.T, a, b *testNode) common.Hash {
	t.Helper()
	ctx := context.Background()
	proposed, err := a.ProposeInstall(ctx, gameProposal(a, b))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitForEvents(t, b, events.KindProposeInstall, 1)
	if _, err := b.Install(ctx, AppInstanceIDParams{AppInstanceID: proposed.AppInstanceID}); err != nil {
		t.Fatalf("install: %v", err)
	}
	waitForEvents(t, a, events.KindInstall, 1)
	return proposed.AppInstanceID
}

func TestCreateChannelRejectsDuplicatesAndStrangers(t *testing.T) {
	nodes := newTestNodes(t, chain.NewSimulated(), 3, nodeOptions{})
	a, b, c := nodes[0], nodes[1], nodes[2]
	multisig := createChannel(t, a, b)

	addrs, err := b.GetChannelAddresses(context.Background(), Empty{})
	if err != nil {
		t.Fatalf("channel addresses: %v", err)
	}
	if len(addrs.MultisigAddresses) != 1 || addrs.MultisigAddresses[0] != multisig {
		t.Fatalf("unexpected channels %v", addrs.MultisigAddresses)
	}
	created := waitForEvents(t, b, events.KindChannelCreated, 1)[0].Data.(events.ChannelCreated)
	if created.CounterpartyXpub != a.PublicIdentifier() || created.MultisigAddress != multisig {
		t.Fatalf("unexpected channel created payload %+v", created)
	}

	_, err = a.CreateChannel(context.Background(), CreateChannelParams{Owners: []string{a.PublicIdentifier(), b.PublicIdentifier()}})
	if !errors.Is(err, chanerrors.ErrChannelExists) {
		t.Fatalf("expected existing channel, got %v", err)
	}
	_, err = a.CreateChannel(context.Background(), CreateChannelParams{Owners: []string{b.PublicIdentifier(), c.PublicIdentifier()}})
	if !errors.Is(err, chanerrors.ErrNotAParticipant) {
		t.Fatalf("expected not a participant, got %v", err)
	}
}

func TestDepositAndWithdrawThroughLedger(t *testing.T) {
	ledger := chain.NewSimulated()
	nodes := newTestNodes(t, ledger, 2, nodeOptions{})
	a, b := nodes[0], nodes[1]
	ledger.Credit(a.FreeBalanceAddress(), types.ETHToken, big.NewInt(10))
	multisig := createChannel(t, a, b)
	ctx := context.Background()

	deposited, err := a.Deposit(ctx, DepositParams{MultisigAddress: multisig, Amount: big.NewInt(6), TokenAddress: types.ETHToken})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if deposited.MultisigBalance.Int64() != 6 {
		t.Fatalf("multisig balance %s, want 6", deposited.MultisigBalance)
	}
	waitForEvents(t, b, events.KindUninstall, 1)
	for _, n := range nodes {
		if got := freeBalance(t, n, multisig, types.ETHToken, a.FreeBalanceAddress()); got != 6 {
			t.Fatalf("free balance of depositor is %d, want 6", got)
		}
		installed, err := n.GetAppInstances(ctx, ChannelFilterParams{MultisigAddress: multisig})
		if err != nil {
			t.Fatalf("app instances: %v", err)
		}
		if len(installed.AppInstances) != 0 {
			t.Fatalf("refund app left installed")
		}
	}
	started := waitForEvents(t, a, events.KindDepositStarted, 1)[0].Data.(events.DepositStarted)
	confirmed := waitForEvents(t, a, events.KindDepositConfirmed, 1)[0].Data.(events.DepositConfirmed)
	if started.TxHash != confirmed.TxHash || confirmed.Amount.Int64() != 6 {
		t.Fatalf("unexpected deposit events %+v %+v", started, confirmed)
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	withdrawn, err := a.Withdraw(ctx, WithdrawParams{MultisigAddress: multisig, Recipient: &recipient, Amount: big.NewInt(4)})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Recipient != recipient {
		t.Fatalf("withdrew to %s", withdrawn.Recipient.Hex())
	}
	if ledger.Balance(recipient, types.ETHToken).Int64() != 4 || ledger.Balance(multisig, types.ETHToken).Int64() != 2 {
		t.Fatalf("withdrawal not settled on the ledger")
	}
	waitForEvents(t, b, events.KindWithdrawalStarted, 1)
	if got := freeBalance(t, b, multisig, types.ETHToken, a.FreeBalanceAddress()); got != 2 {
		t.Fatalf("counterparty sees free balance %d, want 2", got)
	}
	waitForEvents(t, a, events.KindWithdrawalConfirmed, 1)

	_, err = a.Withdraw(ctx, WithdrawParams{MultisigAddress: multisig, Amount: big.NewInt(3)})
	if !errors.Is(err, chanerrors.ErrInsufficientFreeBalance) {
		t.Fatalf("expected insufficient free balance, got %v", err)
	}
}

func TestFailedDepositReleasesRefundApp(t *testing.T) {
	ledger := chain.NewSimulated()
	nodes := newTestNodes(t, ledger, 2, nodeOptions{})
	a, b := nodes[0], nodes[1]
	multisig := createChannel(t, a, b)

	// a holds nothing on the ledger, so the transfer reverts.
	_, err := a.Deposit(context.Background(), DepositParams{MultisigAddress: multisig, Amount: big.NewInt(5)})
	if !errors.Is(err, chain.ErrTransactionFailed) {
		t.Fatalf("expected reverted deposit, got %v", err)
	}
	waitForEvents(t, b, events.KindUninstall, 1)
	sc, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load channel: %v", err)
	}
	if sc.NumActiveApps() != 0 {
		t.Fatalf("refund app still installed after failed deposit")
	}
	if got := freeBalance(t, a, multisig, types.ETHToken, a.FreeBalanceAddress()); got != 0 {
		t.Fatalf("failed deposit credited %d", got)
	}
}

func TestBalanceRefundRules(t *testing.T) {
	ledger := chain.NewSimulated()
	nodes := newTestNodes(t, ledger, 2, nodeOptions{})
	a, b := nodes[0], nodes[1]
	multisig := createChannel(t, a, b)
	ctx := context.Background()
	token := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	refundID, err := b.installBalanceRefund(ctx, multisig, a.PublicIdentifier(), new(big.Int), token)
	if err != nil {
		t.Fatalf("install refund app: %v", err)
	}
	waitForEvents(t, a, events.KindInstall, 1)

	if _, err := a.Uninstall(ctx, AppInstanceIDParams{AppInstanceID: refundID}); !errors.Is(err, chanerrors.ErrNotYourBalanceRefundApp) {
		t.Fatalf("expected not your refund app, got %v", err)
	}
	if _, err := b.Uninstall(ctx, AppInstanceIDParams{AppInstanceID: refundID}); !errors.Is(err, chanerrors.ErrUseRescindDepositRights) {
		t.Fatalf("expected rescind deposit rights, got %v", err)
	}
	_, err = a.Deposit(ctx, DepositParams{MultisigAddress: multisig, Amount: big.NewInt(1), TokenAddress: token})
	if !errors.Is(err, chanerrors.ErrAppAlreadyInstalled) {
		t.Fatalf("expected deposit in progress, got %v", err)
	}
	if _, err := a.RescindDepositRights(ctx, RescindDepositRightsParams{MultisigAddress: multisig, TokenAddress: token}); !errors.Is(err, chanerrors.ErrNotYourBalanceRefundApp) {
		t.Fatalf("expected not your refund app on rescind, got %v", err)
	}

	// Tokens sent while the app is installed belong to b.
	ledger.Credit(multisig, token, big.NewInt(7))
	rescinded, err := b.RescindDepositRights(ctx, RescindDepositRightsParams{MultisigAddress: multisig, TokenAddress: token})
	if err != nil {
		t.Fatalf("rescind: %v", err)
	}
	if rescinded.MultisigBalance.Int64() != 7 {
		t.Fatalf("multisig balance %s, want 7", rescinded.MultisigBalance)
	}
	waitForEvents(t, a, events.KindUninstall, 1)
	if got := freeBalance(t, a, multisig, token, b.FreeBalanceAddress()); got != 7 {
		t.Fatalf("refund credited %d, want 7", got)
	}

	sc, err := a.store.GetStateChannel(multisig)
	if err != nil {
		t.Fatalf("load channel: %v", err)
	}
	if _, err := a.Uninstall(ctx, AppInstanceIDParams{AppInstanceID: sc.FreeBalance().IdentityHash()}); !errors.Is(err, chanerrors.ErrCannotUninstallFreeBalance) {
		t.Fatalf("expected free balance refusal, got %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	nodes := newTestNodes(t, chain.NewSimulated(), 2, nodeOptions{})
	a, b := nodes[0], nodes[1]
	multisig := createChannel(t, a, b)
	ctx := context.Background()

	null := gameProposal(a, b)
	null.InitialState = value.Null()
	if _, err := a.ProposeInstall(ctx, null); !errors.Is(err, chanerrors.ErrNullInitialState) {
		t.Fatalf("expected null state rejection, got %v", err)
	}

	id := installGame(t, a, b)
	if _, err := a.Install(ctx, AppInstanceIDParams{AppInstanceID: id}); !errors.Is(err, chanerrors.ErrAppAlreadyInstalled) {
		t.Fatalf("expected already installed, got %v", err)
	}

	moved, err := a.TakeAction(ctx, TakeActionParams{
		AppInstanceID: id,
		Action: value.Tuple(
			value.F("actionType", value.Uint64(0)),
			value.F("playX", value.Uint64(1)),
			value.F("playY", value.Uint64(1)),
		),
	})
	if err != nil {
		t.Fatalf("take action: %v", err)
	}
	turn, _ := moved.NewState.Field("turnNum")
	if turn.Uint64() != 1 {
		t.Fatalf("turn %d after one move", turn.Uint64())
	}
	update := waitForEvents(t, b, events.KindUpdateState, 1)[0].Data.(events.UpdateState)
	if update.Action == nil || update.VersionNumber != 1 {
		t.Fatalf("unexpected update event %+v", update)
	}

	if _, err := b.UpdateState(ctx, UpdateStateParams{AppInstanceID: id}); !errors.Is(err, chanerrors.ErrInvalidParams) {
		t.Fatalf("expected missing state rejection, got %v", err)
	}
	won := moved.NewState.WithField("winner", value.Uint64(apps.TicTacToePlayerOne))
	if _, err := b.UpdateState(ctx, UpdateStateParams{AppInstanceID: id, NewState: won}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitForEvents(t, a, events.KindUpdateState, 2)
	details, err := a.GetAppInstanceDetails(ctx, AppInstanceIDParams{AppInstanceID: id})
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if !details.AppInstance.LatestState.Equal(won) {
		t.Fatalf("counterparty did not persist the update")
	}

	if _, err := a.Uninstall(ctx, AppInstanceIDParams{AppInstanceID: id}); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	waitForEvents(t, b, events.KindUninstall, 1)
	installed, err := b.GetAppInstances(ctx, ChannelFilterParams{})
	if err != nil {
		t.Fatalf("app instances: %v", err)
	}
	if len(installed.AppInstances) != 0 {
		t.Fatalf("app survived uninstall")
	}
	if _, err := a.Uninstall(ctx, AppInstanceIDParams{AppInstanceID: id}); !errors.Is(err, chanerrors.ErrAppNotFound) {
		t.Fatalf("expected app not found, got %v", err)
	}
	if _, err := a.GetState(ctx, MultisigParams{MultisigAddress: multisig}); err != nil {
		t.Fatalf("get state: %v", err)
	}
}

func TestRejectInstallReachesProposer(t *testing.T) {
	nodes := newTestNodes(t, chain.NewSimulated(), 2, nodeOptions{})
	a, b := nodes[0], nodes[1]
	createChannel(t, a, b)
	ctx := context.Background()

	proposed, err := a.ProposeInstall(ctx, gameProposal(a, b))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitForEvents(t, b, events.KindProposeInstall, 1)
	pending, err := b.GetProposedAppInstances(ctx, ChannelFilterParams{})
	if err != nil {
		t.Fatalf("proposals: %v", err)
	}
	if len(pending.AppInstances) != 1 || pending.AppInstances[0].IdentityHash != proposed.AppInstanceID {
		t.Fatalf("unexpected proposals %+v", pending.AppInstances)
	}

	for i := 0; i < 2; i++ {
		if _, err := b.RejectInstall(ctx, AppInstanceIDParams{AppInstanceID: proposed.AppInstanceID}); err != nil {
			t.Fatalf("reject %d: %v", i, err)
		}
	}
	if _, err := b.RejectInstall(ctx, AppInstanceIDParams{AppInstanceID: common.HexToHash("0x01")}); err != nil {
		t.Fatalf("reject unknown: %v", err)
	}
	if got := len(waitForEvents(t, b, events.KindRejectInstall, 1)); got != 1 {
		t.Fatalf("expected one reject event, got %d", got)
	}
	rejected := waitForEvents(t, a, events.KindRejectInstall, 1)[0]
	if rejected.From != b.PublicIdentifier() {
		t.Fatalf("reject event from %s, want the rejecting node", rejected.From)
	}
	for _, n := range []*testNode{a, b} {
		left, err := n.GetProposedAppInstances(ctx, ChannelFilterParams{})
		if err != nil {
			t.Fatalf("proposals: %v", err)
		}
		if len(left.AppInstances) != 0 {
			t.Fatalf("proposal survived the rejection")
		}
	}
	if _, err := a.Install(ctx, AppInstanceIDParams{AppInstanceID: proposed.AppInstanceID}); !errors.Is(err, chanerrors.ErrNoProposedAppInstance) {
		t.Fatalf("expected no proposal, got %v", err)
	}
}

func TestAppLimit(t *testing.T) {
	nodes := newTestNodes(t, chain.NewSimulated(), 2, nodeOptions{maxApps: 1})
	a, b := nodes[0], nodes[1]
	createChannel(t, a, b)
	installGame(t, a, b)

	_, err := a.ProposeInstall(context.Background(), gameProposal(a, b))
	if !errors.Is(err, chanerrors.ErrTooManyApps) {
		t.Fatalf("expected app limit, got %v", err)
	}
	var limit *chanerrors.TooManyAppsError
	if !errors.As(err, &limit) || limit.Limit != 1 {
		t.Fatalf("expected limit detail, got %v", err)
	}
}

func TestDeployStateDepositHolder(t *testing.T) {
	ledger := chain.NewSimulated()
	nodes := newTestNodes(t, ledger, 2, nodeOptions{})
	multisig := createChannel(t, nodes[0], nodes[1])
	ctx := context.Background()

	first, err := nodes[0].DeployStateDepositHolder(ctx, MultisigParams{MultisigAddress: multisig})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if first.AlreadyDeployed || first.TransactionHash == (common.Hash{}) {
		t.Fatalf("unexpected deploy result %+v", first)
	}
	deployed, err := ledger.Account(common.Address{}).Deployed(ctx, multisig)
	if err != nil || !deployed {
		t.Fatalf("multisig not deployed at the predicted address: %v", err)
	}
	second, err := nodes[1].DeployStateDepositHolder(ctx, MultisigParams{MultisigAddress: multisig})
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if !second.AlreadyDeployed {
		t.Fatalf("expected already deployed")
	}
}

func TestChainMethodsRequireProvider(t *testing.T) {
	nodes := newTestNodes(t, nil, 2, nodeOptions{noProvider: true})
	multisig := createChannel(t, nodes[0], nodes[1])
	_, err := nodes[0].Deposit(context.Background(), DepositParams{MultisigAddress: multisig, Amount: big.NewInt(1)})
	if !errors.Is(err, chanerrors.ErrChainProviderNotConfigured) {
		t.Fatalf("expected missing provider, got %v", err)
	}
}

func TestCallDispatch(t *testing.T) {
	nodes := newTestNodes(t, chain.NewSimulated(), 2, nodeOptions{})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	owners, err := json.Marshal(CreateChannelParams{Owners: []string{a.PublicIdentifier(), b.PublicIdentifier()}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := a.Call(ctx, MethodRequest{ID: json.RawMessage(`7`), MethodName: MethodCreateChannel, Parameters: owners})
	if err != nil {
		t.Fatalf("call create: %v", err)
	}
	if string(resp.Result.ID) != "7" {
		t.Fatalf("id not echoed: %s", resp.Result.ID)
	}
	created, ok := resp.Result.Result.(*CreateChannelResult)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result.Result)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var decoded struct {
		Result struct {
			ID     int `json:"id"`
			Result struct {
				MultisigAddress common.Address `json:"multisigAddress"`
			} `json:"result"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded.Result.ID != 7 || decoded.Result.Result.MultisigAddress != created.MultisigAddress {
		t.Fatalf("unexpected wire response %s", raw)
	}

	if _, err := a.Call(ctx, MethodRequest{MethodName: "chan_nope"}); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected unknown method, got %v", err)
	}
	_, err = a.Call(ctx, MethodRequest{MethodName: MethodGetState, Parameters: json.RawMessage(`{"multisig":"0x01"}`)})
	if !errors.Is(err, chanerrors.ErrInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
	if _, err := a.Call(ctx, MethodRequest{MethodName: MethodGetChannelAddresses}); err != nil {
		t.Fatalf("call without parameters: %v", err)
	}
	if got := len(a.Methods()); got != 19 {
		t.Fatalf("expected 19 methods, got %d", got)
	}
}
