package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/chain"
	"statechannels/core/apps"
	chanerrors "statechannels/core/errors"
	"statechannels/core/events"
	"statechannels/core/protocol"
	"statechannels/core/types"
	"statechannels/core/value"
)

// Method names accepted by Call.
const (
	MethodCreateChannel            = "chan_create"
	MethodProposeInstall           = "chan_proposeInstall"
	MethodInstall                  = "chan_install"
	MethodInstallVirtual           = "chan_installVirtual"
	MethodRejectInstall            = "chan_rejectInstall"
	MethodTakeAction               = "chan_takeAction"
	MethodUpdateState              = "chan_updateState"
	MethodUninstall                = "chan_uninstall"
	MethodUninstallVirtual         = "chan_uninstallVirtual"
	MethodDeposit                  = "chan_deposit"
	MethodRescindDepositRights     = "chan_rescindDepositRights"
	MethodWithdraw                 = "chan_withdraw"
	MethodDeployStateDepositHolder = "chan_deployStateDepositHolder"
	MethodGetState                 = "chan_getState"
	MethodGetAppInstanceDetails    = "chan_getAppInstance"
	MethodGetAppInstances          = "chan_getAppInstances"
	MethodGetProposedAppInstances  = "chan_getProposedAppInstances"
	MethodGetChannelAddresses      = "chan_getChannelAddresses"
	MethodGetFreeBalanceState      = "chan_getFreeBalanceState"
)

// ErrUnknownMethod is returned by Call for names outside the method table.
var ErrUnknownMethod = errors.New("core: unknown method")

// MethodRequest is one call into the node.
type MethodRequest struct {
	ID         json.RawMessage `json:"id,omitempty"`
	MethodName string          `json:"methodName"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// MethodResult echoes the request id next to the method's result.
type MethodResult struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result interface{}     `json:"result"`
}

// MethodResponse wraps a successful call.
type MethodResponse struct {
	Result MethodResult `json:"result"`
}

type method func(ctx context.Context, raw json.RawMessage) (interface{}, error)

// handler decodes raw into the parameter type of fn. Unknown fields are
// rejected so misspelt parameters fail loudly.
func handler[P any, R any](fn func(context.Context, P) (R, error)) method {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params P
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&params); err != nil {
				return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
			}
		}
		return fn(ctx, params)
	}
}

func (n *Node) methodTable() map[string]method {
	return map[string]method{
		MethodCreateChannel:            handler(n.CreateChannel),
		MethodProposeInstall:           handler(n.ProposeInstall),
		MethodInstall:                  handler(n.Install),
		MethodInstallVirtual:           handler(n.InstallVirtual),
		MethodRejectInstall:            handler(n.RejectInstall),
		MethodTakeAction:               handler(n.TakeAction),
		MethodUpdateState:              handler(n.UpdateState),
		MethodUninstall:                handler(n.Uninstall),
		MethodUninstallVirtual:         handler(n.UninstallVirtual),
		MethodDeposit:                  handler(n.Deposit),
		MethodRescindDepositRights:     handler(n.RescindDepositRights),
		MethodWithdraw:                 handler(n.Withdraw),
		MethodDeployStateDepositHolder: handler(n.DeployStateDepositHolder),
		MethodGetState:                 handler(n.GetState),
		MethodGetAppInstanceDetails:    handler(n.GetAppInstanceDetails),
		MethodGetAppInstances:          handler(n.GetAppInstances),
		MethodGetProposedAppInstances:  handler(n.GetProposedAppInstances),
		MethodGetChannelAddresses:      handler(n.GetChannelAddresses),
		MethodGetFreeBalanceState:      handler(n.GetFreeBalanceState),
	}
}

// Methods lists the method names Call accepts, sorted.
func (n *Node) Methods() []string {
	names := make([]string, 0, len(n.methods))
	for name := range n.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call dispatches req to the named method.
func (n *Node) Call(ctx context.Context, req MethodRequest) (*MethodResponse, error) {
	m, ok := n.methods[req.MethodName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, req.MethodName)
	}
	result, err := m(ctx, req.Parameters)
	if err != nil {
		n.logger.Warn("Method failed",
			slog.String("method", req.MethodName),
			slog.String("code", chanerrors.Code(err)),
			slog.Any("error", err))
		return nil, err
	}
	return &MethodResponse{Result: MethodResult{ID: req.ID, Result: result}}, nil
}

// Empty is the result of methods that report nothing beyond success.
type Empty struct{}

type CreateChannelParams struct {
	Owners []string `json:"owners"`
}

type CreateChannelResult struct {
	MultisigAddress common.Address `json:"multisigAddress"`
}

// CreateChannel runs setup with the other owner. The node must be one of
// the two owners.
func (n *Node) CreateChannel(ctx context.Context, params CreateChannelParams) (*CreateChannelResult, error) {
	if len(params.Owners) != 2 {
		return nil, fmt.Errorf("%w: a channel has exactly two owners", chanerrors.ErrInvalidParams)
	}
	var counterparty string
	switch n.self {
	case params.Owners[0]:
		counterparty = params.Owners[1]
	case params.Owners[1]:
		counterparty = params.Owners[0]
	default:
		return nil, chanerrors.ErrNotAParticipant
	}
	if counterparty == n.self {
		return nil, fmt.Errorf("%w: owners must differ", chanerrors.ErrInvalidParams)
	}
	multisig, err := types.ComputeMultisigAddress(params.Owners, n.network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	exists, err := n.store.HasStateChannel(multisig)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrChannelExists, multisig.Hex())
	}
	if _, err := n.engine.Initiate(ctx, protocol.Setup, protocol.SetupParams{
		MultisigAddress: multisig,
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
	}); err != nil {
		return nil, err
	}
	return &CreateChannelResult{MultisigAddress: multisig}, nil
}

type ProposeInstallParams struct {
	ProposedToIdentifier         string            `json:"proposedToIdentifier"`
	AppDefinition                common.Address    `json:"appDefinition"`
	StateEncoding                string            `json:"stateEncoding"`
	ActionEncoding               string            `json:"actionEncoding,omitempty"`
	InitialState                 value.Value       `json:"initialState"`
	InitiatorDeposit             *big.Int          `json:"initiatorDeposit"`
	InitiatorDepositTokenAddress common.Address    `json:"initiatorDepositTokenAddress"`
	ResponderDeposit             *big.Int          `json:"responderDeposit"`
	ResponderDepositTokenAddress common.Address    `json:"responderDepositTokenAddress"`
	Timeout                      uint64            `json:"timeout"`
	OutcomeType                  types.OutcomeType `json:"outcomeType"`
	Intermediaries               []string          `json:"intermediaries,omitempty"`
	Meta                         json.RawMessage   `json:"meta,omitempty"`
}

type AppInstanceIDResult struct {
	AppInstanceID common.Hash `json:"appInstanceId"`
}

// ProposeInstall offers an app to the counterparty. With an intermediary
// the app is installed virtually right away; virtual apps have no separate
// proposal stage.
func (n *Node) ProposeInstall(ctx context.Context, params ProposeInstallParams) (*AppInstanceIDResult, error) {
	if params.InitialState.IsNull() {
		return nil, chanerrors.ErrNullInitialState
	}
	if params.ProposedToIdentifier == "" || params.ProposedToIdentifier == n.self {
		return nil, fmt.Errorf("%w: proposedToIdentifier must name the counterparty", chanerrors.ErrInvalidParams)
	}
	switch len(params.Intermediaries) {
	case 0:
	case 1:
		if params.InitiatorDepositTokenAddress != params.ResponderDepositTokenAddress {
			return nil, fmt.Errorf("%w: virtual apps hold a single token", chanerrors.ErrInvalidParams)
		}
		return n.InstallVirtual(ctx, InstallVirtualParams{
			ProposedToIdentifier:   params.ProposedToIdentifier,
			IntermediaryIdentifier: params.Intermediaries[0],
			AppDefinition:          params.AppDefinition,
			StateEncoding:          params.StateEncoding,
			ActionEncoding:         params.ActionEncoding,
			InitialState:           params.InitialState,
			InitiatorDeposit:       params.InitiatorDeposit,
			ResponderDeposit:       params.ResponderDeposit,
			TokenAddress:           params.InitiatorDepositTokenAddress,
			Timeout:                params.Timeout,
			OutcomeType:            params.OutcomeType,
			Meta:                   params.Meta,
		})
	default:
		return nil, fmt.Errorf("%w: at most one intermediary is supported", chanerrors.ErrInvalidParams)
	}
	sc, err := n.channelWith(params.ProposedToIdentifier)
	if err != nil {
		return nil, err
	}
	if err := n.checkAppLimit(sc); err != nil {
		return nil, err
	}
	res, err := n.engine.Initiate(ctx, protocol.Propose, protocol.ProposeParams{
		MultisigAddress:              sc.MultisigAddress(),
		InitiatorXpub:                n.self,
		ResponderXpub:                params.ProposedToIdentifier,
		AppDefinition:                params.AppDefinition,
		StateEncoding:                params.StateEncoding,
		ActionEncoding:               params.ActionEncoding,
		InitialState:                 params.InitialState,
		InitiatorDeposit:             params.InitiatorDeposit,
		InitiatorDepositTokenAddress: params.InitiatorDepositTokenAddress,
		ResponderDeposit:             params.ResponderDeposit,
		ResponderDepositTokenAddress: params.ResponderDepositTokenAddress,
		DefaultTimeout:               params.Timeout,
		Timeout:                      params.Timeout,
		OutcomeType:                  params.OutcomeType,
		Meta:                         params.Meta,
	})
	if err != nil {
		return nil, err
	}
	return &AppInstanceIDResult{AppInstanceID: res.AppIdentityHash}, nil
}

type AppInstanceIDParams struct {
	AppInstanceID common.Hash `json:"appInstanceId"`
}

type AppInstanceResult struct {
	AppInstance *types.AppInstance `json:"appInstance"`
}

// Install accepts a pending proposal.
func (n *Node) Install(ctx context.Context, params AppInstanceIDParams) (*AppInstanceResult, error) {
	sc, counterparty, err := n.appChannel(params.AppInstanceID)
	if errors.Is(err, chanerrors.ErrAppNotFound) {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrNoProposedAppInstance, params.AppInstanceID.Hex())
	}
	if err != nil {
		return nil, err
	}
	if sc.IsAppInstalled(params.AppInstanceID) {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrAppAlreadyInstalled, params.AppInstanceID.Hex())
	}
	if !sc.HasProposal(params.AppInstanceID) {
		return nil, fmt.Errorf("%w: %s", chanerrors.ErrNoProposedAppInstance, params.AppInstanceID.Hex())
	}
	if err := n.checkAppLimit(sc); err != nil {
		return nil, err
	}
	res, err := n.engine.Initiate(ctx, protocol.Install, protocol.InstallParams{
		MultisigAddress: sc.MultisigAddress(),
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
		AppIdentityHash: params.AppInstanceID,
	})
	if err != nil {
		return nil, err
	}
	app, err := res.Channel.GetAppInstance(params.AppInstanceID)
	if err != nil {
		return nil, err
	}
	return &AppInstanceResult{AppInstance: app}, nil
}

type InstallVirtualParams struct {
	ProposedToIdentifier   string            `json:"proposedToIdentifier"`
	IntermediaryIdentifier string            `json:"intermediaryIdentifier"`
	AppDefinition          common.Address    `json:"appDefinition"`
	StateEncoding          string            `json:"stateEncoding"`
	ActionEncoding         string            `json:"actionEncoding,omitempty"`
	InitialState           value.Value       `json:"initialState"`
	InitiatorDeposit       *big.Int          `json:"initiatorDeposit"`
	ResponderDeposit       *big.Int          `json:"responderDeposit"`
	TokenAddress           common.Address    `json:"tokenAddress"`
	Timeout                uint64            `json:"timeout"`
	OutcomeType            types.OutcomeType `json:"outcomeType"`
	Meta                   json.RawMessage   `json:"meta,omitempty"`
}

// InstallVirtual installs an app with a party the node only reaches
// through an intermediary.
func (n *Node) InstallVirtual(ctx context.Context, params InstallVirtualParams) (*AppInstanceIDResult, error) {
	if params.InitialState.IsNull() {
		return nil, chanerrors.ErrNullInitialState
	}
	if params.IntermediaryIdentifier == "" || params.IntermediaryIdentifier == n.self ||
		params.IntermediaryIdentifier == params.ProposedToIdentifier {
		return nil, fmt.Errorf("%w: intermediaryIdentifier must name a third party", chanerrors.ErrInvalidParams)
	}
	sc, err := n.channelWith(params.IntermediaryIdentifier)
	if err != nil {
		return nil, err
	}
	if err := n.checkAppLimit(sc); err != nil {
		return nil, err
	}
	res, err := n.engine.Initiate(ctx, protocol.InstallVirtualApp, protocol.InstallVirtualAppParams{
		InitiatorXpub:    n.self,
		IntermediaryXpub: params.IntermediaryIdentifier,
		ResponderXpub:    params.ProposedToIdentifier,
		AppDefinition:    params.AppDefinition,
		StateEncoding:    params.StateEncoding,
		ActionEncoding:   params.ActionEncoding,
		InitialState:     params.InitialState,
		InitiatorDeposit: params.InitiatorDeposit,
		ResponderDeposit: params.ResponderDeposit,
		TokenAddress:     params.TokenAddress,
		DefaultTimeout:   params.Timeout,
		Timeout:          params.Timeout,
		OutcomeType:      params.OutcomeType,
		Meta:             params.Meta,
	})
	if err != nil {
		return nil, err
	}
	return &AppInstanceIDResult{AppInstanceID: res.AppIdentityHash}, nil
}

// RejectInstall drops a pending proposal on both parties. Rejecting an
// unknown proposal succeeds.
func (n *Node) RejectInstall(ctx context.Context, params AppInstanceIDParams) (*Empty, error) {
	sc, err := n.store.GetStateChannelByAppID(params.AppInstanceID)
	if errors.Is(err, chanerrors.ErrAppNotFound) {
		return &Empty{}, nil
	}
	if err != nil {
		return nil, err
	}
	counterparty, err := sc.Counterparty(n.self)
	if err != nil {
		return nil, err
	}
	if _, err := n.engine.Initiate(ctx, protocol.RejectInstall, protocol.RejectInstallParams{
		MultisigAddress: sc.MultisigAddress(),
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
		AppIdentityHash: params.AppInstanceID,
	}); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

type TakeActionParams struct {
	AppInstanceID common.Hash `json:"appInstanceId"`
	Action        value.Value `json:"action"`
}

type NewStateResult struct {
	NewState value.Value `json:"newState"`
}

// TakeAction applies action to an installed app.
func (n *Node) TakeAction(ctx context.Context, params TakeActionParams) (*NewStateResult, error) {
	if params.Action.IsNull() {
		return nil, fmt.Errorf("%w: action required", chanerrors.ErrInvalidParams)
	}
	sc, counterparty, err := n.installedApp(params.AppInstanceID)
	if err != nil {
		return nil, err
	}
	res, err := n.engine.Initiate(ctx, protocol.TakeAction, protocol.TakeActionParams{
		MultisigAddress: sc.MultisigAddress(),
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
		AppIdentityHash: params.AppInstanceID,
		Action:          params.Action,
	})
	if err != nil {
		return nil, err
	}
	return latestState(res, params.AppInstanceID)
}

type UpdateStateParams struct {
	AppInstanceID common.Hash `json:"appInstanceId"`
	NewState      value.Value `json:"newState"`
}

// UpdateState replaces the state of an installed app.
func (n *Node) UpdateState(ctx context.Context, params UpdateStateParams) (*NewStateResult, error) {
	if params.NewState.IsNull() {
		return nil, fmt.Errorf("%w: newState required", chanerrors.ErrInvalidParams)
	}
	sc, counterparty, err := n.installedApp(params.AppInstanceID)
	if err != nil {
		return nil, err
	}
	res, err := n.engine.Initiate(ctx, protocol.Update, protocol.UpdateParams{
		MultisigAddress: sc.MultisigAddress(),
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
		AppIdentityHash: params.AppInstanceID,
		NewState:        params.NewState,
	})
	if err != nil {
		return nil, err
	}
	return latestState(res, params.AppInstanceID)
}

func latestState(res *protocol.Result, id common.Hash) (*NewStateResult, error) {
	app, err := res.Channel.GetAppInstance(id)
	if err != nil {
		return nil, err
	}
	return &NewStateResult{NewState: app.LatestState}, nil
}

// Uninstall removes an installed app and credits its outcome to the free
// balance. Balance refund apps go through RescindDepositRights.
func (n *Node) Uninstall(ctx context.Context, params AppInstanceIDParams) (*Empty, error) {
	sc, counterparty, err := n.appChannel(params.AppInstanceID)
	if err != nil {
		return nil, err
	}
	if sc.FreeBalance().IdentityHash() == params.AppInstanceID {
		return nil, chanerrors.ErrCannotUninstallFreeBalance
	}
	app, err := sc.GetAppInstance(params.AppInstanceID)
	if err != nil {
		return nil, err
	}
	if app.Interface.Addr == n.network.CoinBalanceRefundApp {
		if apps.BalanceRefundRecipient(app.LatestState) != n.freeAddr {
			return nil, chanerrors.ErrNotYourBalanceRefundApp
		}
		return nil, chanerrors.ErrUseRescindDepositRights
	}
	if err := n.uninstall(ctx, sc.MultisigAddress(), counterparty, params.AppInstanceID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (n *Node) uninstall(ctx context.Context, multisig common.Address, counterparty string, id common.Hash) error {
	_, err := n.engine.Initiate(ctx, protocol.Uninstall, protocol.UninstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
		AppIdentityHash: id,
	})
	return err
}

type UninstallVirtualParams struct {
	AppInstanceID          common.Hash `json:"appInstanceId"`
	IntermediaryIdentifier string      `json:"intermediaryIdentifier"`
}

// UninstallVirtual settles a virtual app in both legs.
func (n *Node) UninstallVirtual(ctx context.Context, params UninstallVirtualParams) (*Empty, error) {
	if params.IntermediaryIdentifier == "" {
		return nil, fmt.Errorf("%w: intermediaryIdentifier required", chanerrors.ErrInvalidParams)
	}
	_, counterparty, err := n.installedApp(params.AppInstanceID)
	if err != nil {
		return nil, err
	}
	if _, err := n.engine.Initiate(ctx, protocol.UninstallVirtualApp, protocol.UninstallVirtualAppParams{
		InitiatorXpub:         n.self,
		IntermediaryXpub:      params.IntermediaryIdentifier,
		ResponderXpub:         counterparty,
		TargetAppIdentityHash: params.AppInstanceID,
	}); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

type DepositParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	Amount          *big.Int       `json:"amount"`
	TokenAddress    common.Address `json:"tokenAddress"`
}

type MultisigBalanceResult struct {
	MultisigBalance *big.Int `json:"multisigBalance"`
}

// Deposit funds the multisig from the node's chain account. A balance
// refund app is installed for the duration of the transfer so the deposit
// is credited to the node's free balance when the app is removed.
func (n *Node) Deposit(ctx context.Context, params DepositParams) (*MultisigBalanceResult, error) {
	if err := n.requireProvider(); err != nil {
		return nil, err
	}
	if !positive(params.Amount) {
		return nil, fmt.Errorf("%w: deposit amount must be positive", chanerrors.ErrInvalidParams)
	}
	sc, counterparty, err := n.channel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if _, ok := n.balanceRefundApp(sc, params.TokenAddress); ok {
		return nil, fmt.Errorf("%w: a deposit of %s is already in progress", chanerrors.ErrAppAlreadyInstalled, params.TokenAddress.Hex())
	}
	if err := n.checkAppLimit(sc); err != nil {
		return nil, err
	}
	tx, err := chain.DepositTransaction(params.MultisigAddress, params.Amount, params.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	threshold, err := n.provider.BalanceOf(ctx, params.MultisigAddress, params.TokenAddress)
	if err != nil {
		return nil, err
	}

	refundID, err := n.installBalanceRefund(ctx, sc.MultisigAddress(), counterparty, threshold, params.TokenAddress)
	if err != nil {
		return nil, err
	}
	hash, sendErr := n.provider.SendTransaction(ctx, tx)
	if sendErr == nil {
		n.emit(n.self, events.DepositStarted{
			MultisigAddress: params.MultisigAddress,
			Recipient:       n.freeAddr,
			Amount:          params.Amount,
			TokenAddress:    params.TokenAddress,
			TxHash:          hash,
		})
		_, sendErr = n.provider.WaitForReceipt(ctx, hash)
	}
	if err := n.uninstall(ctx, sc.MultisigAddress(), counterparty, refundID); err != nil {
		if sendErr != nil {
			return nil, errors.Join(sendErr, err)
		}
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}
	n.emit(n.self, events.DepositConfirmed{
		MultisigAddress: params.MultisigAddress,
		Recipient:       n.freeAddr,
		Amount:          params.Amount,
		TokenAddress:    params.TokenAddress,
		TxHash:          hash,
	})
	balance, err := n.provider.BalanceOf(ctx, params.MultisigAddress, params.TokenAddress)
	if err != nil {
		return nil, err
	}
	return &MultisigBalanceResult{MultisigBalance: balance}, nil
}

// installBalanceRefund proposes and installs the refund app granting the
// node whatever the multisig gains above threshold.
func (n *Node) installBalanceRefund(ctx context.Context, multisig common.Address, counterparty string, threshold *big.Int, token common.Address) (common.Hash, error) {
	proposed, err := n.engine.Initiate(ctx, protocol.Propose, protocol.ProposeParams{
		MultisigAddress:              multisig,
		InitiatorXpub:                n.self,
		ResponderXpub:                counterparty,
		AppDefinition:                n.network.CoinBalanceRefundApp,
		StateEncoding:                apps.BalanceRefundStateEncoding,
		InitialState:                 apps.NewBalanceRefundState(n.freeAddr, multisig, threshold, token),
		InitiatorDeposit:             new(big.Int),
		InitiatorDepositTokenAddress: token,
		ResponderDeposit:             new(big.Int),
		ResponderDepositTokenAddress: token,
		DefaultTimeout:               DefaultRefundTimeout,
		Timeout:                      DefaultRefundTimeout,
		OutcomeType:                  types.OutcomeMultiAssetMultiPartyCoinTransfer,
	})
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := n.engine.Initiate(ctx, protocol.Install, protocol.InstallParams{
		MultisigAddress: multisig,
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
		AppIdentityHash: proposed.AppIdentityHash,
	}); err != nil {
		return common.Hash{}, err
	}
	return proposed.AppIdentityHash, nil
}

// DefaultRefundTimeout is the dispute timeout of balance refund apps, in
// blocks.
const DefaultRefundTimeout = 100

type RescindDepositRightsParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	TokenAddress    common.Address `json:"tokenAddress"`
}

// RescindDepositRights removes the node's balance refund app for a token,
// crediting anything deposited since it was installed.
func (n *Node) RescindDepositRights(ctx context.Context, params RescindDepositRightsParams) (*MultisigBalanceResult, error) {
	if err := n.requireProvider(); err != nil {
		return nil, err
	}
	sc, counterparty, err := n.channel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if app, ok := n.balanceRefundApp(sc, params.TokenAddress); ok {
		if apps.BalanceRefundRecipient(app.LatestState) != n.freeAddr {
			return nil, chanerrors.ErrNotYourBalanceRefundApp
		}
		if err := n.uninstall(ctx, sc.MultisigAddress(), counterparty, app.IdentityHash()); err != nil {
			return nil, err
		}
	}
	balance, err := n.provider.BalanceOf(ctx, params.MultisigAddress, params.TokenAddress)
	if err != nil {
		return nil, err
	}
	return &MultisigBalanceResult{MultisigBalance: balance}, nil
}

type WithdrawParams struct {
	MultisigAddress common.Address  `json:"multisigAddress"`
	Recipient       *common.Address `json:"recipient,omitempty"`
	Amount          *big.Int        `json:"amount"`
	TokenAddress    common.Address  `json:"tokenAddress"`
}

type WithdrawResult struct {
	Recipient common.Address `json:"recipient"`
	TxHash    common.Hash    `json:"txHash"`
}

// Withdraw debits the node's free balance and submits the countersigned
// multisig transaction. The recipient defaults to the free balance address.
func (n *Node) Withdraw(ctx context.Context, params WithdrawParams) (*WithdrawResult, error) {
	if err := n.requireProvider(); err != nil {
		return nil, err
	}
	if !positive(params.Amount) {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", chanerrors.ErrInvalidParams)
	}
	sc, counterparty, err := n.channel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	recipient := n.freeAddr
	if params.Recipient != nil {
		recipient = *params.Recipient
	}
	res, err := n.engine.Initiate(ctx, protocol.Withdraw, protocol.WithdrawParams{
		MultisigAddress: sc.MultisigAddress(),
		InitiatorXpub:   n.self,
		ResponderXpub:   counterparty,
		Recipient:       recipient,
		Amount:          params.Amount,
		TokenAddress:    params.TokenAddress,
	})
	if err != nil {
		return nil, err
	}
	hash, err := n.provider.SendTransaction(ctx, res.Transaction)
	if err != nil {
		return nil, err
	}
	if _, err := n.provider.WaitForReceipt(ctx, hash); err != nil {
		return nil, err
	}
	n.emit(n.self, events.WithdrawalConfirmed{
		MultisigAddress: params.MultisigAddress,
		Recipient:       recipient,
		Amount:          params.Amount,
		TokenAddress:    params.TokenAddress,
		TxHash:          hash,
	})
	return &WithdrawResult{Recipient: recipient, TxHash: hash}, nil
}

type MultisigParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
}

type DeployResult struct {
	TransactionHash common.Hash `json:"transactionHash,omitempty"`
	AlreadyDeployed bool        `json:"alreadyDeployed,omitempty"`
}

// DeployStateDepositHolder deploys the channel multisig when no code lives
// at its address yet.
func (n *Node) DeployStateDepositHolder(ctx context.Context, params MultisigParams) (*DeployResult, error) {
	if err := n.requireProvider(); err != nil {
		return nil, err
	}
	sc, _, err := n.channel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	deployed, err := n.provider.Deployed(ctx, params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	if deployed {
		return &DeployResult{AlreadyDeployed: true}, nil
	}
	tx, err := chain.DeployMultisigTransaction(n.network, sc.UserXpubs())
	if err != nil {
		return nil, err
	}
	hash, err := n.provider.SendTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := n.provider.WaitForReceipt(ctx, hash); err != nil {
		return nil, err
	}
	n.logger.Info("Multisig deployed",
		slog.String("multisig", params.MultisigAddress.Hex()),
		slog.String("tx", hash.Hex()))
	return &DeployResult{TransactionHash: hash}, nil
}

type StateResult struct {
	Data *types.StateChannel `json:"data"`
}

func (n *Node) GetState(_ context.Context, params MultisigParams) (*StateResult, error) {
	sc, err := n.store.GetStateChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	return &StateResult{Data: sc}, nil
}

func (n *Node) GetAppInstanceDetails(_ context.Context, params AppInstanceIDParams) (*AppInstanceResult, error) {
	app, err := n.store.GetAppInstance(params.AppInstanceID)
	if err != nil {
		return nil, err
	}
	return &AppInstanceResult{AppInstance: app}, nil
}

// ChannelFilterParams selects a single channel; the zero address selects
// every channel.
type ChannelFilterParams struct {
	MultisigAddress common.Address `json:"multisigAddress,omitempty"`
}

type AppInstancesResult struct {
	AppInstances []*types.AppInstance `json:"appInstances"`
}

func (n *Node) GetAppInstances(_ context.Context, params ChannelFilterParams) (*AppInstancesResult, error) {
	channels, err := n.channels(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	out := &AppInstancesResult{AppInstances: []*types.AppInstance{}}
	for _, sc := range channels {
		out.AppInstances = append(out.AppInstances, sc.AppInstances()...)
	}
	return out, nil
}

type ProposedAppInstancesResult struct {
	AppInstances []*types.AppInstanceProposal `json:"appInstances"`
}

func (n *Node) GetProposedAppInstances(_ context.Context, params ChannelFilterParams) (*ProposedAppInstancesResult, error) {
	channels, err := n.channels(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	out := &ProposedAppInstancesResult{AppInstances: []*types.AppInstanceProposal{}}
	for _, sc := range channels {
		out.AppInstances = append(out.AppInstances, sc.ProposedAppInstances()...)
	}
	return out, nil
}

type ChannelAddressesResult struct {
	MultisigAddresses []common.Address `json:"multisigAddresses"`
}

func (n *Node) GetChannelAddresses(_ context.Context, _ Empty) (*ChannelAddressesResult, error) {
	channels, err := n.store.ListStateChannels()
	if err != nil {
		return nil, err
	}
	out := &ChannelAddressesResult{MultisigAddresses: []common.Address{}}
	for _, sc := range channels {
		out.MultisigAddresses = append(out.MultisigAddresses, sc.MultisigAddress())
	}
	return out, nil
}

type FreeBalanceParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	TokenAddress    common.Address `json:"tokenAddress"`
}

// GetFreeBalanceState returns each party's free balance in one token.
func (n *Node) GetFreeBalanceState(_ context.Context, params FreeBalanceParams) (map[common.Address]*big.Int, error) {
	sc, err := n.store.GetStateChannel(params.MultisigAddress)
	if err != nil {
		return nil, err
	}
	fb, err := sc.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]*big.Int)
	for party, amount := range fb.Balances[params.TokenAddress] {
		out[party] = new(big.Int).Set(amount)
	}
	owners, err := sc.MultisigOwners()
	if err != nil {
		return nil, err
	}
	for _, owner := range owners {
		if _, ok := out[owner]; !ok {
			out[owner] = new(big.Int)
		}
	}
	return out, nil
}

func (n *Node) channels(multisig common.Address) ([]*types.StateChannel, error) {
	if multisig == (common.Address{}) {
		return n.store.ListStateChannels()
	}
	sc, err := n.store.GetStateChannel(multisig)
	if err != nil {
		return nil, err
	}
	return []*types.StateChannel{sc}, nil
}

// appChannel resolves the channel holding an app or proposal along with
// the node's counterparty in it.
func (n *Node) appChannel(id common.Hash) (*types.StateChannel, string, error) {
	sc, err := n.store.GetStateChannelByAppID(id)
	if err != nil {
		return nil, "", err
	}
	counterparty, err := sc.Counterparty(n.self)
	if err != nil {
		return nil, "", err
	}
	return sc, counterparty, nil
}

// installedApp is appChannel restricted to installed apps.
func (n *Node) installedApp(id common.Hash) (*types.StateChannel, string, error) {
	sc, counterparty, err := n.appChannel(id)
	if err != nil {
		return nil, "", err
	}
	if !sc.IsAppInstalled(id) {
		return nil, "", chanerrors.NewAppNotFound(id, sc.MultisigAddress())
	}
	return sc, counterparty, nil
}
