package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"statechannels/observability/metrics"
)

const (
	defaultWSWriteTimeout  = 10 * time.Second
	defaultMaxMessageBytes = 1 << 20
	defaultMsgRate         = 32.0
	defaultMsgBurst        = 64
	limiterIdleTTL         = 10 * time.Minute
)

// WSConfig configures the websocket transport.
type WSConfig struct {
	// Peers maps a party's extended public key to its websocket endpoint,
	// e.g. ws://10.0.0.2:8545/p2p.
	Peers             map[string]string
	MessagesPerSecond float64
	Burst             int
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
}

// WSTransport sends messages over outbound websocket connections and
// accepts inbound connections through Handler.
type WSTransport struct {
	cfg     WSConfig
	router  *Router
	logger  *slog.Logger
	metrics *metrics.TransportMetrics

	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	limiters map[string]*sourceLimiter
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewWSTransport builds a transport delivering inbound messages to router
// and installs itself as the router's transport.
func NewWSTransport(cfg WSConfig, router *Router, logger *slog.Logger) *WSTransport {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMsgRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultMsgBurst
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWSWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &WSTransport{
		cfg:      cfg,
		router:   router,
		logger:   logger.With(slog.String("component", "p2p_ws")),
		metrics:  metrics.Transport(),
		conns:    make(map[string]*websocket.Conn),
		limiters: make(map[string]*sourceLimiter),
	}
	router.SetTransport(t)
	return t
}

// AddPeer registers or replaces a peer endpoint.
func (t *WSTransport) AddPeer(xpub, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.Peers == nil {
		t.cfg.Peers = make(map[string]string)
	}
	t.cfg.Peers[xpub] = endpoint
}

// Send implements Transport. A failed write drops the cached connection
// and retries once on a fresh one.
func (t *WSTransport) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := t.connection(ctx, msg.To)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err == nil {
			return nil
		}
		t.dropConnection(msg.To, conn)
		if attempt == 1 {
			return err
		}
		t.logger.Warn("Retrying peer write on a fresh connection",
			slog.String("peer", short(msg.To)),
			slog.Any("error", err))
	}
	return nil
}

func (t *WSTransport) connection(ctx context.Context, xpub string) (*websocket.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[xpub]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	endpoint, ok := t.cfg.Peers[xpub]
	t.mu.Unlock()
	if !ok || strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("%w: no endpoint for %s", ErrUnknownPeer, short(xpub))
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		t.metrics.IncSendError("dial")
		return nil, fmt.Errorf("p2p: dial %s: %w", endpoint, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[xpub]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return existing, nil
	}
	t.conns[xpub] = conn
	t.metrics.ConnectionOpened()
	return conn, nil
}

func (t *WSTransport) dropConnection(xpub string, conn *websocket.Conn) {
	t.mu.Lock()
	if t.conns[xpub] == conn {
		delete(t.conns, xpub)
		t.metrics.ConnectionClosed()
	}
	t.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "write failed")
}

// allow charges one inbound message to source, the remote host of the
// connection it arrived on. Limiters idle for limiterIdleTTL are dropped.
func (t *WSTransport) allow(source string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(t.limiters, key)
		}
	}
	entry, ok := t.limiters[source]
	if !ok {
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(t.cfg.MessagesPerSecond), t.cfg.Burst)}
		t.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler accepts inbound peer connections.
func (t *WSTransport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "stream closed")
		conn.SetReadLimit(t.cfg.MaxMessageBytes)
		t.metrics.ConnectionOpened()
		defer t.metrics.ConnectionClosed()
		if err := t.readLoop(r.Context(), conn, remoteHost(r)); err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				_ = conn.Close(websocket.StatusInternalError, "read error")
			}
		}
	})
}

// readLoop delivers the messages of one inbound connection. The first
// message binds the connection to its sender; messages claiming another
// sender are dropped.
func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, source string) error {
	var sender string
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("Discarding malformed peer message", slog.Any("error", err))
			continue
		}
		if !t.allow(source, time.Now()) {
			t.metrics.ObserveThrottled(source)
			continue
		}
		if sender == "" {
			sender = msg.From
		}
		if msg.From != sender {
			t.logger.Warn("Dropping message from a second sender on one connection",
				slog.String("source", source),
				slog.String("bound", short(sender)),
				slog.String("claimed", short(msg.From)))
			continue
		}
		if err := t.router.Deliver(&msg); err != nil {
			t.logger.Warn("Failed to deliver peer message",
				slog.String("protocol", msg.Protocol),
				slog.String("peer", short(msg.From)),
				slog.Any("error", err))
		}
	}
}

// Close shuts every outbound connection.
func (t *WSTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for xpub, conn := range t.conns {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		delete(t.conns, xpub)
		t.metrics.ConnectionClosed()
	}
}
