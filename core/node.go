// Package core wires the channel store, the protocol engine, the app
// registry and the chain provider into a node, and exposes the node's
// method surface.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/chain"
	"statechannels/core/apps"
	chanerrors "statechannels/core/errors"
	"statechannels/core/events"
	"statechannels/core/protocol"
	"statechannels/core/types"
	"statechannels/p2p"
	"statechannels/storage"
)

// NodeConfig holds everything a node is built from. Limits and timeouts
// arrive here as plain values; the node never reads the environment.
type NodeConfig struct {
	ExtendedPrivateKey string
	Network            types.NetworkContext
	Store              *storage.ChannelStore
	Router             *p2p.Router
	// Registry resolves app logic. When nil a registry is built with the
	// balance refund app and, given a provider, on-chain logic as fallback.
	Registry *apps.Registry
	Provider chain.Provider
	Events   events.Emitter
	MaxApps  int
	Logger   *slog.Logger
}

// Node is the central controller of a channel participant.
type Node struct {
	self     string
	freeAddr common.Address
	network  types.NetworkContext
	store    *storage.ChannelStore
	engine   *protocol.Engine
	provider chain.Provider
	emitter  events.Emitter
	logger   *slog.Logger
	methods  map[string]method
}

// NewNode builds the engine and registers it for inbound protocol messages
// on cfg.Router.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Store == nil {
		return nil, errors.New("core: channel store required")
	}
	if err := cfg.Network.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Events
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	registry := cfg.Registry
	if registry == nil {
		var fallback apps.Logic
		if cfg.Provider != nil {
			fallback = apps.NewChainLogic(cfg.Provider)
		}
		registry = apps.NewRegistry(fallback)
	}
	var balances apps.BalanceReader
	if cfg.Provider != nil {
		balances = cfg.Provider
	}
	registry.Register(cfg.Network.CoinBalanceRefundApp, apps.NewBalanceRefund(balances))

	n := &Node{
		network:  cfg.Network,
		store:    cfg.Store,
		provider: cfg.Provider,
		emitter:  emitter,
		logger:   logger.With(slog.String("component", "node")),
	}
	engine, err := protocol.NewEngine(protocol.Config{
		ExtendedPrivateKey: cfg.ExtendedPrivateKey,
		Network:            cfg.Network,
		Store:              cfg.Store,
		Router:             cfg.Router,
		Resolver:           apps.NewResolver(registry),
		MaxApps:            cfg.MaxApps,
		Observer:           n,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	n.engine = engine
	n.self = engine.Self()
	n.freeAddr, err = engine.Keys().Address(n.self, 0)
	if err != nil {
		return nil, err
	}
	n.methods = n.methodTable()
	n.logger.Info("Channel node ready",
		slog.String("xpub", shortXpub(n.self)),
		slog.String("address", n.freeAddr.Hex()))
	return n, nil
}

// PublicIdentifier is the node's extended public key.
func (n *Node) PublicIdentifier() string { return n.self }

// FreeBalanceAddress is the address the node's balances are held under.
func (n *Node) FreeBalanceAddress() common.Address { return n.freeAddr }

// Engine exposes the protocol engine.
func (n *Node) Engine() *protocol.Engine { return n.engine }

func shortXpub(xpub string) string {
	if len(xpub) <= 16 {
		return xpub
	}
	return xpub[:12] + "…" + xpub[len(xpub)-4:]
}

// ProtocolCompleted turns finished runs into events. Every party of a run
// emits the event, whatever its role.
func (n *Node) ProtocolCompleted(c protocol.Completion) {
	switch c.Protocol {
	case protocol.Setup:
		params, _ := c.Params.(protocol.SetupParams)
		counterparty := params.ResponderXpub
		if counterparty == n.self {
			counterparty = params.InitiatorXpub
		}
		var owners []common.Address
		if len(c.Channels) > 0 {
			owners, _ = c.Channels[0].MultisigOwners()
		}
		n.emit(c.Initiator, events.ChannelCreated{
			MultisigAddress:  params.MultisigAddress,
			Owners:           owners,
			CounterpartyXpub: counterparty,
		})
	case protocol.Propose:
		var proposal *types.AppInstanceProposal
		for _, sc := range c.Channels {
			if p, err := sc.GetProposal(c.AppIdentityHash); err == nil {
				proposal = p
			}
		}
		n.emit(c.Initiator, events.ProposeInstall{AppIdentityHash: c.AppIdentityHash, Proposal: proposal})
	case protocol.Install:
		n.emit(c.Initiator, events.Install{AppIdentityHash: c.AppIdentityHash})
	case protocol.RejectInstall:
		n.emit(c.Initiator, events.RejectInstall{AppIdentityHash: c.AppIdentityHash})
	case protocol.Update, protocol.TakeAction:
		update := events.UpdateState{AppIdentityHash: c.AppIdentityHash}
		for _, sc := range c.Channels {
			if app, err := sc.GetAppInstance(c.AppIdentityHash); err == nil {
				update.NewState = app.LatestState
				update.VersionNumber = app.LatestVersion
			}
		}
		if params, ok := c.Params.(protocol.TakeActionParams); ok {
			action := params.Action
			update.Action = &action
		}
		n.emit(c.Initiator, update)
	case protocol.Uninstall:
		n.emit(c.Initiator, events.Uninstall{AppIdentityHash: c.AppIdentityHash})
	case protocol.InstallVirtualApp:
		params, _ := c.Params.(protocol.InstallVirtualAppParams)
		n.emit(c.Initiator, events.InstallVirtual{AppIdentityHash: c.AppIdentityHash, IntermediaryXpub: params.IntermediaryXpub})
	case protocol.UninstallVirtualApp:
		params, _ := c.Params.(protocol.UninstallVirtualAppParams)
		n.emit(c.Initiator, events.UninstallVirtual{AppIdentityHash: c.AppIdentityHash, IntermediaryXpub: params.IntermediaryXpub})
	case protocol.Withdraw:
		params, _ := c.Params.(protocol.WithdrawParams)
		n.emit(c.Initiator, events.WithdrawalStarted{
			MultisigAddress: params.MultisigAddress,
			Recipient:       params.Recipient,
			Amount:          params.Amount,
			TokenAddress:    params.TokenAddress,
		})
	}
}

func (n *Node) emit(from string, data events.Payload) {
	n.emitter.Emit(events.New(from, data))
}

// channel loads a channel the node is a party of.
func (n *Node) channel(multisig common.Address) (*types.StateChannel, string, error) {
	sc, err := n.store.GetStateChannel(multisig)
	if err != nil {
		return nil, "", err
	}
	counterparty, err := sc.Counterparty(n.self)
	if err != nil {
		return nil, "", err
	}
	return sc, counterparty, nil
}

// channelWith returns the direct channel between the node and xpub.
func (n *Node) channelWith(xpub string) (*types.StateChannel, error) {
	multisig, err := types.ComputeMultisigAddress([]string{n.self, xpub}, n.network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chanerrors.ErrInvalidParams, err)
	}
	return n.store.GetStateChannel(multisig)
}

// checkAppLimit rejects installs into a channel that is already full.
func (n *Node) checkAppLimit(sc *types.StateChannel) error {
	if sc.NumActiveApps() >= n.engine.MaxApps() {
		return &chanerrors.TooManyAppsError{Multisig: sc.MultisigAddress(), Limit: n.engine.MaxApps()}
	}
	return nil
}

// balanceRefundApp returns the installed balance refund app for token.
func (n *Node) balanceRefundApp(sc *types.StateChannel, token common.Address) (*types.AppInstance, bool) {
	for _, app := range sc.AppInstances() {
		if app.Interface.Addr != n.network.CoinBalanceRefundApp {
			continue
		}
		field, ok := app.LatestState.Field("tokenAddress")
		if ok && field.Address() == token {
			return app, true
		}
	}
	return nil, false
}

func (n *Node) requireProvider() error {
	if n.provider == nil {
		return chanerrors.ErrChainProviderNotConfigured
	}
	return nil
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }
