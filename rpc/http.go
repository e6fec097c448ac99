// Package rpc serves the node over HTTP: JSON-RPC method calls, the event
// stream, the peer messaging endpoint and Prometheus metrics.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"statechannels/core"
	chanerrors "statechannels/core/errors"
	"statechannels/core/events"
	"statechannels/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeRateLimited    = -32002
	codeServerError    = -32000
)

// Caller executes node methods. *core.Node satisfies it.
type Caller interface {
	Call(ctx context.Context, req core.MethodRequest) (*core.MethodResponse, error)
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// ServiceName names the tracing spans of incoming requests.
	ServiceName string
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	// Peers accepts inbound peer connections on /p2p when set.
	Peers             http.Handler
	ReadHeaderTimeout time.Duration
}

// Server routes HTTP requests to the node.
type Server struct {
	node    Caller
	bus     *events.Bus
	cfg     ServerConfig
	auth    *Authenticator
	limits  *sourceLimiters
	logger  *slog.Logger
	metrics interface {
		Observe(method string, status int, duration time.Duration)
		RecordThrottle(reason string)
	}

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer builds a server calling node and streaming from bus. bus may be
// nil, in which case /events is not served.
func NewServer(node Caller, bus *events.Bus, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if node == nil {
		return nil, errors.New("rpc: node required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "channeld"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	metrics := observability.ModuleMetrics()
	auth.record = metrics.RecordThrottle
	return &Server{
		node:    node,
		bus:     bus,
		cfg:     cfg,
		auth:    auth,
		limits:  newSourceLimiters(cfg.RateLimit),
		logger:  logger.With(slog.String("component", "rpc")),
		metrics: metrics,
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if s.cfg.Peers != nil {
		r.Handle("/p2p", s.cfg.Peers)
	}
	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.Post("/", s.handle)
		if s.bus != nil {
			protected.Get("/events", s.handleEventsWS)
		}
	})
	return otelhttp.NewHandler(r, s.cfg.ServiceName)
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	s.logger.Info("Serving channel node", slog.String("addr", listener.Addr().String()))
	return srv.Serve(listener)
}

// Shutdown gracefully stops a running server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorData identifies the channel failure behind a server error.
type ErrorData struct {
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func rawID(id json.RawMessage) interface{} {
	if len(id) == 0 {
		return nil
	}
	return id
}

// handle decodes a JSON-RPC envelope and dispatches it to the node.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := ""
	defer func() {
		s.metrics.Observe(method, recorder.status, time.Since(start))
	}()
	w = recorder

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
			s.metrics.RecordThrottle("body_limit")
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	id := rawID(req.ID)
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, id, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, id, codeInvalidRequest, "method required", nil)
		return
	}
	method = req.Method

	if source := s.limits.clientSource(r); !s.limits.allow(source, time.Now()) {
		s.metrics.RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, id, codeRateLimited, "rate limit exceeded", source)
		return
	}

	resp, err := s.node.Call(r.Context(), core.MethodRequest{
		ID:         req.ID,
		MethodName: req.Method,
		Parameters: req.Params,
	})
	if err != nil {
		status, code := classify(err)
		writeError(w, status, id, code, err.Error(), &ErrorData{Reason: chanerrors.Code(err)})
		return
	}
	writeResult(w, id, resp.Result.Result)
}

// classify maps a node failure onto an HTTP status and JSON-RPC code.
func classify(err error) (int, int) {
	switch {
	case errors.Is(err, core.ErrUnknownMethod):
		return http.StatusNotFound, codeMethodNotFound
	case errors.Is(err, chanerrors.ErrInvalidParams), errors.Is(err, chanerrors.ErrNullInitialState):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, chanerrors.ErrMessagingTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeServerError
	case chanerrors.Code(err) == "internal":
		return http.StatusInternalServerError, codeServerError
	default:
		return http.StatusConflict, codeServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
