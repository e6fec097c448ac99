package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chanerrors "statechannels/core/errors"
	"statechannels/observability"
	"statechannels/observability/metrics"
)

// DefaultLegTimeout is the one-way messaging budget used when none is set.
const DefaultLegTimeout = 10 * time.Second

var (
	ErrRouterClosed   = errors.New("p2p: router closed")
	ErrWaitInProgress = errors.New("p2p: process already waiting on this counterparty")
	ErrNoTransport    = errors.New("p2p: no transport configured")
	ErrUnknownPeer    = errors.New("p2p: unknown peer")
)

// Transport moves messages to the party named by msg.To.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Handler processes messages that start or continue a protocol run on
// this node. Handlers run on their own goroutine.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) { f(ctx, msg) }

type pendingKey struct {
	processID    string
	counterparty string
}

// Router correlates replies with the protocol step waiting on them and
// hands every other inbound message to the protocol handler.
type Router struct {
	self       string
	transport  Transport
	legTimeout time.Duration
	logger     *slog.Logger
	metrics    *observability.ProtocolMetrics
	traffic    *metrics.TransportMetrics

	mu      sync.Mutex
	pending map[pendingKey]chan *Message
	handler Handler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter builds the router of the party identified by self. legTimeout
// is the one-way budget; a round trip waits twice as long.
func NewRouter(self string, transport Transport, legTimeout time.Duration, logger *slog.Logger) *Router {
	if legTimeout <= 0 {
		legTimeout = DefaultLegTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		self:       self,
		transport:  transport,
		legTimeout: legTimeout,
		logger:     logger.With(slog.String("component", "p2p_router")),
		metrics:    observability.Protocol(),
		traffic:    metrics.Transport(),
		pending:    make(map[pendingKey]chan *Message),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Self returns the identifier of the local party.
func (r *Router) Self() string { return r.self }

// SetTransport installs the transport used for outbound messages.
func (r *Router) SetTransport(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = t
}

// SetHandler installs the handler for non-reply messages.
func (r *Router) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Send delivers msg without waiting for an answer.
func (r *Router) Send(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	transport, closed := r.transport, r.closed
	r.mu.Unlock()
	if closed {
		return ErrRouterClosed
	}
	if transport == nil {
		return ErrNoTransport
	}
	if err := transport.Send(ctx, msg); err != nil {
		r.traffic.IncSendError("transport")
		return fmt.Errorf("p2p: send %s message %d to %s: %w", msg.Protocol, msg.Seq, short(msg.To), err)
	}
	r.traffic.ObserveSent(msg.Protocol)
	return nil
}

// SendAndWait sends msg and suspends until the correlated reply arrives or
// a full round trip elapses.
func (r *Router) SendAndWait(ctx context.Context, msg *Message) (*Message, error) {
	return r.sendAndWait(ctx, msg, 2)
}

// SendAndWaitRelayed is SendAndWait for exchanges the counterparty forwards
// to a third party before answering, allowing two round trips.
func (r *Router) SendAndWaitRelayed(ctx context.Context, msg *Message) (*Message, error) {
	return r.sendAndWait(ctx, msg, 4)
}

func (r *Router) sendAndWait(ctx context.Context, msg *Message, legs int) (*Message, error) {
	key := pendingKey{processID: msg.ProcessID, counterparty: msg.To}
	ch := make(chan *Message, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	if _, exists := r.pending[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: process %s", ErrWaitInProgress, msg.ProcessID)
	}
	r.pending[key] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.pending[key] == ch {
			delete(r.pending, key)
		}
		r.mu.Unlock()
	}()

	if err := r.Send(ctx, msg); err != nil {
		return nil, err
	}

	budget := time.Duration(legs) * r.legTimeout
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if err := reply.RemoteError(); err != nil {
			return nil, err
		}
		return reply, nil
	case <-timer.C:
		r.metrics.RecordTimeout(msg.Protocol)
		return nil, fmt.Errorf("%w: %s reply from %s after %s", chanerrors.ErrMessagingTimeout, msg.Protocol, short(msg.To), budget)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, ErrRouterClosed
	}
}

// Deliver routes an inbound message. Replies resume the waiting step or
// are dropped when nothing waits for them; other messages go to the handler.
func (r *Router) Deliver(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("p2p: nil message")
	}
	if msg.To != r.self {
		return fmt.Errorf("%w: message for %s delivered to %s", ErrUnknownPeer, short(msg.To), short(r.self))
	}
	r.traffic.ObserveReceived(msg.Protocol)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	if msg.IsReply() {
		key := pendingKey{processID: msg.ProcessID, counterparty: msg.From}
		ch, ok := r.pending[key]
		if ok {
			delete(r.pending, key)
		}
		r.mu.Unlock()
		if !ok {
			r.metrics.RecordDroppedReply(msg.Protocol)
			r.logger.Debug("Dropping uncorrelated reply",
				slog.String("protocol", msg.Protocol),
				slog.String("processID", msg.ProcessID),
				slog.String("peer", short(msg.From)))
			return nil
		}
		ch <- msg
		return nil
	}
	handler := r.handler
	if handler == nil {
		r.mu.Unlock()
		return fmt.Errorf("p2p: no handler for %s message", msg.Protocol)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		handler.HandleMessage(r.ctx, msg)
	}()
	return nil
}

// Close aborts every pending wait and waits for running handlers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// short abbreviates an extended key for logs and errors.
func short(xpub string) string {
	if len(xpub) <= 16 {
		return xpub
	}
	return xpub[:8] + "..." + xpub[len(xpub)-6:]
}
