package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"statechannels/core"
	chanerrors "statechannels/core/errors"
	"statechannels/core/events"
)

type fakeCaller struct {
	calls []core.MethodRequest
	fn    func(req core.MethodRequest) (interface{}, error)
}

func (f *fakeCaller) Call(_ context.Context, req core.MethodRequest) (*core.MethodResponse, error) {
	f.calls = append(f.calls, req)
	result, err := f.fn(req)
	if err != nil {
		return nil, err
	}
	return &core.MethodResponse{Result: core.MethodResult{ID: req.ID, Result: result}}, nil
}

func echoCaller() *fakeCaller {
	return &fakeCaller{fn: func(req core.MethodRequest) (interface{}, error) {
		switch req.MethodName {
		case core.MethodCreateChannel:
			return core.CreateChannelResult{MultisigAddress: common.HexToAddress("0x01")}, nil
		case core.MethodGetAppInstanceDetails:
			return nil, chanerrors.NewAppNotFound(common.HexToHash("0x02"), common.Address{})
		case core.MethodTakeAction:
			return nil, fmt.Errorf("%w: action required", chanerrors.ErrInvalidParams)
		default:
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownMethod, req.MethodName)
		}
	}}
}

func newTestServer(t *testing.T, caller Caller, bus *events.Bus, cfg ServerConfig) *Server {
	t.Helper()
	server, err := NewServer(caller, bus, cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server
}

func post(t *testing.T, handler http.Handler, body string, header http.Header) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.5:1234"
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestHandleDispatchesToNode(t *testing.T) {
	caller := echoCaller()
	handler := newTestServer(t, caller, nil, ServerConfig{}).Handler()

	rec, resp := post(t, handler, `{"jsonrpc":"2.0","id":7,"method":"chan_create","params":{"owners":["a","b"]}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if fmt.Sprint(resp.ID) != "7" {
		t.Fatalf("expected id 7, got %v", resp.ID)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || !strings.EqualFold(result["multisigAddress"].(string), common.HexToAddress("0x01").Hex()) {
		t.Fatalf("unexpected result %v", resp.Result)
	}
	if len(caller.calls) != 1 || string(caller.calls[0].Parameters) != `{"owners":["a","b"]}` {
		t.Fatalf("parameters not forwarded: %+v", caller.calls)
	}
}

func TestHandleMapsErrors(t *testing.T) {
	handler := newTestServer(t, echoCaller(), nil, ServerConfig{}).Handler()
	cases := []struct {
		name   string
		body   string
		status int
		code   int
		reason string
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"chan_nope"}`, http.StatusNotFound, codeMethodNotFound, ""},
		{"invalid params", `{"jsonrpc":"2.0","id":1,"method":"chan_takeAction"}`, http.StatusBadRequest, codeInvalidParams, "invalid_params"},
		{"channel failure", `{"jsonrpc":"2.0","id":1,"method":"chan_getAppInstance"}`, http.StatusConflict, codeServerError, "app_not_found"},
		{"parse error", `{"jsonrpc":`, http.StatusBadRequest, codeParseError, ""},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, http.StatusBadRequest, codeInvalidRequest, ""},
		{"bad version", `{"jsonrpc":"1.0","id":1,"method":"chan_create"}`, http.StatusBadRequest, codeInvalidRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := post(t, handler, tc.body, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %+v", tc.code, resp.Error)
			}
			if tc.reason != "" {
				data, _ := resp.Error.Data.(map[string]interface{})
				if data["reason"] != tc.reason {
					t.Fatalf("expected reason %q, got %v", tc.reason, resp.Error.Data)
				}
			}
		})
	}
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	handler := newTestServer(t, echoCaller(), nil, ServerConfig{}).Handler()
	padding := strings.Repeat("a", maxRequestBytes)
	body := `{"jsonrpc":"2.0","id":1,"method":"chan_create","params":{"pad":"` + padding + `"}}`
	rec, resp := post(t, handler, body, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
}

func TestHandleRateLimitsPerSource(t *testing.T) {
	cfg := ServerConfig{RateLimit: RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}}
	handler := newTestServer(t, echoCaller(), nil, cfg).Handler()
	body := `{"jsonrpc":"2.0","id":1,"method":"chan_create"}`

	if rec, _ := post(t, handler, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d", rec.Code)
	}
	rec, resp := post(t, handler, body, nil)
	if rec.Code != http.StatusTooManyRequests || resp.Error == nil || resp.Error.Code != codeRateLimited {
		t.Fatalf("second call: expected rate limit, got %d %+v", rec.Code, resp.Error)
	}
}

func TestClientSourceIgnoresForwardedForWhenNotTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	untrusted := newSourceLimiters(RateLimitConfig{RequestsPerSecond: 1})
	if source := untrusted.clientSource(req); source != "10.0.0.5" {
		t.Fatalf("expected remote address, got %q", source)
	}
	trusted := newSourceLimiters(RateLimitConfig{RequestsPerSecond: 1, TrustForwardedFor: true})
	if source := trusted.clientSource(req); source != "203.0.113.9" {
		t.Fatalf("expected forwarded address, got %q", source)
	}
}

const testSecret = "rpc-test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthRequiresValidBearerToken(t *testing.T) {
	cfg := ServerConfig{Auth: AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "channel-ops", Audience: "channeld"}}
	handler := newTestServer(t, echoCaller(), nil, cfg).Handler()
	body := `{"jsonrpc":"2.0","id":1,"method":"chan_create"}`
	valid := jwt.RegisteredClaims{
		Subject:   "operator",
		Issuer:    "channel-ops",
		Audience:  jwt.ClaimStrings{"channeld"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	rec, resp := post(t, handler, body, nil)
	if rec.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("missing token: expected 401, got %d %+v", rec.Code, resp.Error)
	}

	wrongSecret := http.Header{"Authorization": {"Bearer " + signToken(t, "other", valid)}}
	if rec, _ := post(t, handler, body, wrongSecret); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", rec.Code)
	}

	wrongAudience := valid
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}
	header := http.Header{"Authorization": {"Bearer " + signToken(t, testSecret, wrongAudience)}}
	if rec, _ := post(t, handler, body, header); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong audience: expected 401, got %d", rec.Code)
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	header = http.Header{"Authorization": {"Bearer " + signToken(t, testSecret, expired)}}
	if rec, _ := post(t, handler, body, header); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired: expected 401, got %d", rec.Code)
	}

	header = http.Header{"Authorization": {"Bearer " + signToken(t, testSecret, valid)}}
	rec, resp = post(t, handler, body, header)
	if rec.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("valid token: expected 200, got %d %+v", rec.Code, resp.Error)
	}
}

func TestAuthEnabledRequiresSecret(t *testing.T) {
	if _, err := NewServer(echoCaller(), nil, ServerConfig{Auth: AuthConfig{Enabled: true}}, nil); err == nil {
		t.Fatalf("expected error for auth without secret")
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	cfg := ServerConfig{Auth: AuthConfig{Enabled: true, HMACSecret: testSecret}}
	handler := newTestServer(t, echoCaller(), nil, cfg).Handler()
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestPeersHandlerMounted(t *testing.T) {
	var hit bool
	peers := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
		w.WriteHeader(http.StatusAccepted)
	})
	handler := newTestServer(t, echoCaller(), nil, ServerConfig{Peers: peers}).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p2p", nil))
	if !hit || rec.Code != http.StatusAccepted {
		t.Fatalf("expected peers handler, got %d", rec.Code)
	}
}

func readDelivery(t *testing.T, ctx context.Context, conn *websocket.Conn) events.Delivery {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	var delivery events.Delivery
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&delivery); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	return delivery
}

func TestEventsStreamResumesFromCursor(t *testing.T) {
	bus := events.NewBus(0, 16)
	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")
	bus.Emit(events.New("xpub-a", events.Install{AppIdentityHash: first}))
	bus.Emit(events.New("xpub-a", events.Install{AppIdentityHash: second}))

	srv := httptest.NewServer(newTestServer(t, echoCaller(), bus, ServerConfig{}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?cursor=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	backlog := readDelivery(t, ctx, conn)
	if backlog.Sequence != 2 {
		t.Fatalf("expected backlog sequence 2, got %d", backlog.Sequence)
	}
	install, ok := backlog.Event.Data.(events.Install)
	if !ok || install.AppIdentityHash != second {
		t.Fatalf("unexpected backlog payload %#v", backlog.Event.Data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	bus.Emit(events.New("xpub-b", events.RejectInstall{AppIdentityHash: first}))
	live := readDelivery(t, ctx, conn)
	if live.Sequence != 3 || live.Event.Type != events.KindRejectInstall || live.Event.From != "xpub-b" {
		t.Fatalf("unexpected live delivery %+v", live)
	}
}

func TestEventsStreamRejectsBadCursor(t *testing.T) {
	handler := newTestServer(t, echoCaller(), events.NewBus(0, 0), ServerConfig{}).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?cursor=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
