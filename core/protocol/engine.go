package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"statechannels/core/apps"
	chanerrors "statechannels/core/errors"
	"statechannels/core/types"
	"statechannels/crypto"
	"statechannels/observability"
	"statechannels/p2p"
	"statechannels/storage"
)

// Store is the persistence the engine reads channels from and commits
// completed steps to.
type Store interface {
	GetStateChannel(multisig common.Address) (*types.StateChannel, error)
	HasStateChannel(multisig common.Address) (bool, error)
	SaveStateChannels(channels []*types.StateChannel, commitments ...storage.CommitmentEntry) error
}

// Config wires an engine.
type Config struct {
	// ExtendedPrivateKey is the node's xprv; its neutered form identifies
	// the node to its counterparties.
	ExtendedPrivateKey string
	Network            types.NetworkContext
	Store              Store
	Router             *p2p.Router
	Resolver           *apps.Resolver
	MaxApps            int
	Observer           Observer
	Logger             *slog.Logger
}

// Engine initiates protocol runs and answers the runs counterparties start.
type Engine struct {
	self     string
	xprv     string
	keys     *crypto.KeyRing
	network  types.NetworkContext
	store    Store
	router   *p2p.Router
	resolver *apps.Resolver
	locker   *Locker
	seqs     *seqReservations
	observer Observer
	maxApps  int
	logger   *slog.Logger
	metrics  *observability.ProtocolMetrics
	tracer   trace.Tracer
}

// NewEngine validates cfg and registers the engine as the router's
// handler for inbound protocol messages.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("protocol: store required")
	}
	if cfg.Router == nil {
		return nil, errors.New("protocol: router required")
	}
	key, err := crypto.ParseExtendedKey(cfg.ExtendedPrivateKey)
	if err != nil {
		return nil, err
	}
	if !key.IsPrivate() {
		return nil, fmt.Errorf("%w: signing requires an extended private key", crypto.ErrInvalidExtendedKey)
	}
	pub, err := key.Neuter()
	if err != nil {
		return nil, err
	}
	self := pub.String()
	if cfg.Router.Self() != self {
		return nil, fmt.Errorf("protocol: router identity %s does not match the signing key", cfg.Router.Self())
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = apps.NewResolver(apps.NewRegistry(nil))
	}
	maxApps := cfg.MaxApps
	if maxApps <= 0 {
		maxApps = DefaultMaxApps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		self:     self,
		xprv:     key.String(),
		keys:     crypto.NewKeyRing(),
		network:  cfg.Network,
		store:    cfg.Store,
		router:   cfg.Router,
		resolver: resolver,
		locker:   NewLocker(),
		seqs:     newSeqReservations(),
		observer: cfg.Observer,
		maxApps:  maxApps,
		logger:   logger.With(slog.String("component", "protocol")),
		metrics:  observability.Protocol(),
		tracer:   otel.Tracer("statechannels/protocol"),
	}
	cfg.Router.SetHandler(e)
	return e, nil
}

// Self returns the node's extended public key.
func (e *Engine) Self() string { return e.self }

// Network returns the contract addresses commitments target.
func (e *Engine) Network() types.NetworkContext { return e.network }

// MaxApps is the per channel installed app limit.
func (e *Engine) MaxApps() int { return e.maxApps }

// Keys exposes the engine's derivation cache.
func (e *Engine) Keys() *crypto.KeyRing { return e.keys }

type run struct {
	protocol  Name
	role      Role
	processID string
	logger    *slog.Logger
}

func (e *Engine) begin(ctx context.Context, name Name, role Role, processID, peer string) (context.Context, *run, func(error)) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "protocol."+string(name),
		trace.WithAttributes(
			attribute.String("protocol", string(name)),
			attribute.String("role", string(role)),
			attribute.String("process.id", processID),
		))
	observe := e.metrics.Begin(string(name), string(role))
	r := &run{
		protocol:  name,
		role:      role,
		processID: processID,
		logger: e.logger.With(
			slog.String("protocol", string(name)),
			slog.String("role", string(role)),
			slog.String("processID", processID),
			slog.String("peer", shortKey(peer)),
		),
	}
	return ctx, r, func(err error) {
		observe(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.Warn("Protocol run failed",
				slog.Duration("elapsed", time.Since(started)),
				slog.Any("error", err))
		} else {
			span.SetStatus(codes.Ok, "completed")
			r.logger.Info("Protocol run completed", slog.Duration("elapsed", time.Since(started)))
		}
		span.End()
	}
}

// Initiate runs protocol name as initiator. params must be the parameter
// type of the protocol, e.g. InstallParams for Install.
func (e *Engine) Initiate(ctx context.Context, name Name, params interface{}) (res *Result, err error) {
	processID := uuid.NewString()
	ctx, r, finish := e.begin(ctx, name, RoleInitiator, processID, "")
	defer func() { finish(err) }()

	switch name {
	case Setup:
		p, err := paramsAs[SetupParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateSetup(ctx, r, p)
	case Propose:
		p, err := paramsAs[ProposeParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiatePropose(ctx, r, p)
	case Install:
		p, err := paramsAs[InstallParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateInstall(ctx, r, p)
	case Update:
		p, err := paramsAs[UpdateParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateUpdate(ctx, r, p)
	case TakeAction:
		p, err := paramsAs[TakeActionParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateTakeAction(ctx, r, p)
	case Uninstall:
		p, err := paramsAs[UninstallParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateUninstall(ctx, r, p)
	case InstallVirtualApp:
		p, err := paramsAs[InstallVirtualAppParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateInstallVirtual(ctx, r, p)
	case UninstallVirtualApp:
		p, err := paramsAs[UninstallVirtualAppParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateUninstallVirtual(ctx, r, p)
	case Withdraw:
		p, err := paramsAs[WithdrawParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateWithdraw(ctx, r, p)
	case RejectInstall:
		p, err := paramsAs[RejectInstallParams](name, params)
		if err != nil {
			return nil, err
		}
		return e.initiateReject(ctx, r, p)
	}
	return nil, fmt.Errorf("%w: unknown protocol %q", chanerrors.ErrInvalidParams, name)
}

func paramsAs[T any](name Name, params interface{}) (T, error) {
	switch p := params.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s expects %T, got %T", chanerrors.ErrInvalidParams, name, zero, params)
}

// HandleMessage answers a message that starts or continues a run
// initiated elsewhere. Failures are reported back to the sender unless the
// sender is the one that aborted.
func (e *Engine) HandleMessage(ctx context.Context, msg *p2p.Message) {
	name := Name(msg.Protocol)
	role := RoleResponder
	if (name == InstallVirtualApp || name == UninstallVirtualApp) && msg.Seq == 1 {
		role = RoleIntermediary
	}
	ctx, r, finish := e.begin(ctx, name, role, msg.ProcessID, msg.From)

	var err error
	switch name {
	case Setup:
		err = e.respondSetup(ctx, r, msg)
	case Propose:
		err = e.respondPropose(ctx, r, msg)
	case Install:
		err = e.respondInstall(ctx, r, msg)
	case Update:
		err = e.respondUpdate(ctx, r, msg)
	case TakeAction:
		err = e.respondTakeAction(ctx, r, msg)
	case Uninstall:
		err = e.respondUninstall(ctx, r, msg)
	case InstallVirtualApp:
		if role == RoleIntermediary {
			err = e.intermediateInstallVirtual(ctx, r, msg)
		} else {
			err = e.respondInstallVirtual(ctx, r, msg)
		}
	case UninstallVirtualApp:
		if role == RoleIntermediary {
			err = e.intermediateUninstallVirtual(ctx, r, msg)
		} else {
			err = e.respondUninstallVirtual(ctx, r, msg)
		}
	case Withdraw:
		err = e.respondWithdraw(ctx, r, msg)
	case RejectInstall:
		err = e.respondReject(ctx, r, msg)
	default:
		err = fmt.Errorf("%w: unknown protocol %q", chanerrors.ErrInvalidParams, msg.Protocol)
	}
	var remote *chanerrors.RemoteError
	if err != nil && !(errors.As(err, &remote) && remote.From == msg.From) {
		if sendErr := e.router.Send(ctx, msg.ErrorReply(err)); sendErr != nil {
			r.logger.Warn("Failed to report protocol failure", slog.Any("error", sendErr))
		}
	}
	finish(err)
}

// SignedDigest is one party's signature over a commitment digest.
type SignedDigest struct {
	Digest    common.Hash      `json:"digest"`
	Signature crypto.Signature `json:"signature"`
}

// envelope is the custom data of every protocol message.
type envelope struct {
	Signatures []SignedDigest  `json:"signatures"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func newEnvelope(sigs []SignedDigest, data interface{}) (*envelope, error) {
	env := &envelope{Signatures: sigs}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode message data: %w", err)
		}
		env.Data = raw
	}
	return env, nil
}

func decodeEnvelope(msg *p2p.Message) (*envelope, error) {
	var env envelope
	if err := msg.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func decodeParams(msg *p2p.Message, v interface{}) error {
	if len(msg.Params) == 0 {
		return fmt.Errorf("%w: %s message carries no params", chanerrors.ErrInvalidParams, msg.Protocol)
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return fmt.Errorf("%w: decode %s params: %v", chanerrors.ErrInvalidParams, msg.Protocol, err)
	}
	return nil
}

// checkPeers verifies that the local node is the expected recipient and
// that the message comes from the expected sender.
func (e *Engine) checkPeers(msg *p2p.Message, expectedFrom, expectedSelf string) error {
	if expectedSelf != e.self {
		return fmt.Errorf("%w: %s run addressed to %s", chanerrors.ErrNotAParticipant, msg.Protocol, shortKey(expectedSelf))
	}
	if msg.From != expectedFrom {
		return fmt.Errorf("%w: %s message from %s, expected %s", chanerrors.ErrNotAParticipant, msg.Protocol, shortKey(msg.From), shortKey(expectedFrom))
	}
	return nil
}

func (e *Engine) requireInitiator(xpub string) error {
	if xpub != e.self {
		return fmt.Errorf("%w: initiator %s is not this node", chanerrors.ErrNotAParticipant, shortKey(xpub))
	}
	return nil
}

// exchange runs the initiator side of a step: compute and sign under the
// lock, wait for the counterparty's signatures, then recompute from fresh
// state, require identical digests and persist. The counterparty persists
// only once the commit that follows arrives, and its acknowledgement ends
// the step.
func (e *Engine) exchange(ctx context.Context, r *run, to string, locks []common.Address, params, data interface{}, relayed bool, compute func() (*plan, error)) (*plan, *envelope, error) {
	unlock := e.locker.Lock(locks...)
	first, err := compute()
	var mine []SignedDigest
	if err == nil {
		mine, err = e.sign(first)
	}
	unlock()
	if err != nil {
		return nil, nil, err
	}

	env, err := newEnvelope(mine, data)
	if err != nil {
		return nil, nil, err
	}
	msg, err := p2p.NewMessage(r.processID, string(r.protocol), 1, e.self, to, params, env)
	if err != nil {
		return nil, nil, err
	}
	var reply *p2p.Message
	if relayed {
		reply, err = e.router.SendAndWaitRelayed(ctx, msg)
	} else {
		reply, err = e.router.SendAndWait(ctx, msg)
	}
	if err != nil {
		return nil, nil, err
	}
	answer, err := decodeEnvelope(reply)
	var final *plan
	if err == nil {
		final, err = e.settle(r, locks, first, compute, true, mine, answer.Signatures)
	}
	if err != nil {
		e.abort(ctx, r, reply, err)
		return nil, nil, err
	}
	if err := e.confirm(ctx, r, reply, relayed); err != nil {
		return nil, nil, err
	}
	return final, answer, nil
}

// respond runs the responder side of a step: compute, countersign and
// verify the initiator's signatures under the lock, then reply. Nothing is
// persisted until the initiator commits; a lost reply or commit leaves the
// channel as it was.
func (e *Engine) respond(ctx context.Context, r *run, msg *p2p.Message, in *envelope, locks []common.Address, relayed bool, data interface{}, compute func() (*plan, error)) (*plan, error) {
	unlock := e.locker.Lock(locks...)
	first, err := compute()
	var mine []SignedDigest
	if err == nil {
		mine, err = e.sign(first)
	}
	if err == nil {
		err = e.attach(first, nil, in.Signatures, mine)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	env, err := newEnvelope(mine, data)
	if err != nil {
		return nil, err
	}
	reply, err := msg.Reply(env)
	if err != nil {
		return nil, err
	}
	var commit *p2p.Message
	if relayed {
		commit, err = e.router.SendAndWaitRelayed(ctx, reply)
	} else {
		commit, err = e.router.SendAndWait(ctx, reply)
	}
	if err != nil {
		return nil, err
	}
	final, err := e.settle(r, locks, first, compute, true, in.Signatures, mine)
	if err != nil {
		return nil, err
	}
	ack, err := commit.Reply(&envelope{})
	if err != nil {
		return nil, err
	}
	if err := e.router.Send(ctx, ack); err != nil {
		return nil, err
	}
	return final, nil
}

// settle recomputes the step under the lock, requires the digests signed
// earlier and attaches every signature. The plan is persisted when persist
// is set.
func (e *Engine) settle(r *run, locks []common.Address, first *plan, compute func() (*plan, error), persist bool, sets ...[]SignedDigest) (*plan, error) {
	unlock := e.locker.Lock(locks...)
	defer unlock()
	final, err := compute()
	if err != nil {
		return nil, err
	}
	if !first.matches(final) {
		return nil, fmt.Errorf("%w: %s run %s", chanerrors.ErrStaleChannelState, r.protocol, r.processID)
	}
	if err := e.attach(final, nil, sets...); err != nil {
		return nil, err
	}
	if persist {
		if err := e.persist(final); err != nil {
			return nil, err
		}
	}
	return final, nil
}

// confirm commits the step to the party that sent reply and waits for it
// to acknowledge having persisted.
func (e *Engine) confirm(ctx context.Context, r *run, reply *p2p.Message, relayed bool) error {
	commit, err := reply.Reply(&envelope{})
	if err != nil {
		return err
	}
	if relayed {
		_, err = e.router.SendAndWaitRelayed(ctx, commit)
	} else {
		_, err = e.router.SendAndWait(ctx, commit)
	}
	if err != nil {
		return fmt.Errorf("%s run %s persisted locally, %s did not confirm: %w", r.protocol, r.processID, shortKey(reply.From), err)
	}
	return nil
}

// abort tells the party that sent reply, which waits for a commit, that
// the run failed here.
func (e *Engine) abort(ctx context.Context, r *run, reply *p2p.Message, cause error) {
	if err := e.router.Send(ctx, reply.ErrorReply(cause)); err != nil {
		r.logger.Warn("Failed to abort counterparty", slog.Any("error", err))
	}
}

func (e *Engine) notify(r *run, initiator string, p *plan, params interface{}) {
	if e.observer == nil || p == nil {
		return
	}
	e.observer.ProtocolCompleted(Completion{
		Protocol:        r.protocol,
		Role:            r.role,
		ProcessID:       r.processID,
		Initiator:       initiator,
		Channels:        p.channels,
		AppIdentityHash: p.appID,
		Params:          params,
		Transaction:     p.tx,
	})
}

func (e *Engine) loadChannel(multisig common.Address) (*types.StateChannel, error) {
	return e.store.GetStateChannel(multisig)
}

func (e *Engine) requireParties(sc *types.StateChannel, xpubs ...string) error {
	for _, xpub := range xpubs {
		if !sc.HasParty(xpub) {
			return fmt.Errorf("%w: %s in channel %s", chanerrors.ErrNotAParticipant, shortKey(xpub), sc.MultisigAddress().Hex())
		}
	}
	return nil
}

func result(r *run, p *plan) *Result {
	res := &Result{ProcessID: r.processID, AppIdentityHash: p.appID, Transaction: p.tx}
	if len(p.channels) > 0 {
		res.Channel = p.channels[0]
	}
	return res
}

func shortKey(xpub string) string {
	if len(xpub) <= 16 {
		return xpub
	}
	return xpub[:8] + "..." + xpub[len(xpub)-6:]
}
