package rpc_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"circuit/archive"
	"circuit/codec/recode"
	"circuit/core"
	"circuit/core/events"
	"circuit/core/state"
	"circuit/core/types"
	"circuit/native/grandpa/grandpatest"
	"circuit/native/portal"
	"circuit/native/sfx"
	"circuit/native/xdns"
	"circuit/rpc"
)

const secret = "test-secret"

var (
	pdot        = types.GatewayID{'p', 'd', 'o', 't'}
	requester   = types.AccountFromByte(2)
	beneficiary = types.AccountFromByte(3)
	dot         = types.AssetID(1)
)

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpc.RPCError   `json:"error"`
}

func newRuntime(t *testing.T) *core.Runtime {
	t.Helper()
	mgr, err := state.NewMemoryManager()
	require.NoError(t, err)
	rt := core.NewRuntime(mgr, core.DefaultParams())
	zero := common.Address{}
	self := core.DefaultParams().SelfGateway
	require.NoError(t, rt.Genesis(&xdns.Genesis{
		SelfGateway: self,
		Gateways: []xdns.GenesisGateway{{
			Record: xdns.GatewayRecord{
				ID:                 pdot,
				Vendor:             uint8(portal.VendorPolkadot),
				Codec:              uint8(recode.SCALE),
				AllowedSideEffects: [][4]byte{sfx.ActionAssetTransfer},
			},
			Registration: grandpatest.RelayRegistration(grandpatest.Genesis(0), grandpatest.NewVoters(4, 1, 0)),
		}},
		Tokens:   []xdns.TokenRecord{{AssetID: dot, Gateway: self, Symbol: "DOT", Address: &zero, Mintable: true}},
		Balances: []xdns.GenesisBalance{{Account: requester, Asset: dot, Amount: big.NewInt(1000)}},
	}))
	require.NoError(t, rt.OnInitialize(1))
	return rt
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func call(t *testing.T, h http.Handler, method string, params interface{}, bearer string, headers map[string]string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		req["params"] = []json.RawMessage{raw}
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httpReq)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func orderParams(maxReward string) map[string]interface{} {
	return map[string]interface{}{
		"kind":        "transfer",
		"target":      "pdot",
		"asset":       uint32(dot),
		"destination": "0x" + hex.EncodeToString(beneficiary[:]),
		"amount":      "100",
		"maxReward":   maxReward,
		"rewardAsset": uint32(dot),
		"speed":       "fast",
	}
}

func TestReadMethodsNeedNoToken(t *testing.T) {
	rt := newRuntime(t)
	h := rpc.NewServer(rt, rpc.Config{JWTSecret: secret}).Handler()

	rec, resp := call(t, h, "circuit_status", nil, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)
	var status struct {
		Block       uint64 `json:"block"`
		SelfGateway string `json:"selfGateway"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	require.Equal(t, uint64(1), status.Block)
	require.Equal(t, core.DefaultParams().SelfGateway.String(), status.SelfGateway)

	_, resp = call(t, h, "xdns_gateways", nil, "", nil)
	require.Nil(t, resp.Error)
	var gateways []struct {
		ID                 string   `json:"id"`
		AllowedSideEffects []string `json:"allowedSideEffects"`
		Operational        bool     `json:"operational"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &gateways))
	require.Len(t, gateways, 1)
	require.Equal(t, pdot.String(), gateways[0].ID)
	require.Equal(t, []string{"tass"}, gateways[0].AllowedSideEffects)
	require.True(t, gateways[0].Operational)

	rec, resp = call(t, h, "xdns_gateway", map[string]string{"gateway": "nope"}, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
}

func TestCommandsRequireAuthentication(t *testing.T) {
	rt := newRuntime(t)
	h := rpc.NewServer(rt, rpc.Config{JWTSecret: secret}).Handler()

	rec, resp := call(t, h, "vacuum_singleOrder", orderParams("200"), "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, resp.Error)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": requester.Hex()}).SignedString([]byte("other"))
	require.NoError(t, err)
	rec, _ = call(t, h, "vacuum_singleOrder", orderParams("200"), bad, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	signed := token(t, jwt.MapClaims{"sub": requester.Hex()})
	rec, resp = call(t, h, "xdns_purgeGateway", map[string]string{"gateway": "pdot"}, signed, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, resp.Error)

	root := token(t, jwt.MapClaims{"sub": "operator", "scope": "root"})
	rec, resp = call(t, h, "xdns_purgeGateway", map[string]string{"gateway": "pdot"}, root, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Nil(t, resp.Error)
}

func TestSingleOrderEscrowsReward(t *testing.T) {
	rt := newRuntime(t)
	h := rpc.NewServer(rt, rpc.Config{JWTSecret: secret}).Handler()
	signed := token(t, jwt.MapClaims{"sub": requester.Hex()})

	rec, resp := call(t, h, "vacuum_singleOrder", orderParams("200"), signed, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created struct {
		XtxID string `json:"xtxId"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	require.True(t, strings.HasPrefix(created.XtxID, "0x"))

	_, resp = call(t, h, "bank_balance", map[string]interface{}{"account": requester.Hex(), "asset": uint32(dot)}, "", nil)
	var bal struct {
		Free string `json:"free"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &bal))
	require.Equal(t, "800", bal.Free)

	_, resp = call(t, h, "circuit_xtx", map[string]string{"xtxId": created.XtxID}, "", nil)
	require.Nil(t, resp.Error)
	var xtx struct {
		Requester   string `json:"requester"`
		Status      string `json:"status"`
		SideEffects []struct {
			Action string `json:"action"`
		} `json:"sideEffects"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &xtx))
	require.Equal(t, requester.Hex(), xtx.Requester)
	require.Equal(t, "pending_bidding", xtx.Status)
	require.Len(t, xtx.SideEffects, 1)
	require.Equal(t, "tass", xtx.SideEffects[0].Action)

	rec, resp = call(t, h, "vacuum_singleOrder", orderParams("5000"), signed, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, resp.Error)

	rec, _ = call(t, h, "vacuum_singleOrder", map[string]interface{}{"target": "pdot", "amount": "oops"}, signed, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentReplay(t *testing.T) {
	rt := newRuntime(t)
	store, err := rpc.OpenIdempotencyStore(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h := rpc.NewServer(rt, rpc.Config{JWTSecret: secret}, rpc.WithIdempotency(store)).Handler()
	signed := token(t, jwt.MapClaims{"sub": requester.Hex()})
	key := map[string]string{"Idempotency-Key": "order-1"}

	first, firstResp := call(t, h, "vacuum_singleOrder", orderParams("200"), signed, key)
	require.Equal(t, http.StatusOK, first.Code)
	second, secondResp := call(t, h, "vacuum_singleOrder", orderParams("200"), signed, key)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, string(firstResp.Result), string(secondResp.Result))

	_, resp := call(t, h, "bank_balance", map[string]interface{}{"account": requester.Hex(), "asset": uint32(dot)}, "", nil)
	require.Contains(t, string(resp.Result), `"free":"800"`)

	conflict, _ := call(t, h, "vacuum_singleOrder", orderParams("300"), signed, key)
	require.Equal(t, http.StatusConflict, conflict.Code)
}

func TestIdempotencyStoreSharesArchiveDatabase(t *testing.T) {
	db, err := archive.Open("sqlite", filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	store, err := rpc.NewIdempotencyStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	got, err := store.Lookup(ctx, "alice", "k1", "h1")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, store.Save(ctx, "alice", "k1", "h1", rpc.StoredResponse{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}))
	require.NoError(t, store.Save(ctx, "alice", "k1", "h1", rpc.StoredResponse{Status: http.StatusAccepted, Body: []byte(`{}`)}))
	got, err = store.Lookup(ctx, "alice", "k1", "h1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.Status, "first writer wins")
	require.JSONEq(t, `{"ok":true}`, string(got.Body))

	_, err = store.Lookup(ctx, "alice", "k1", "h2")
	require.ErrorIs(t, err, rpc.ErrIdempotencyMismatch)
	got, err = store.Lookup(ctx, "bob", "k1", "h2")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRateLimit(t *testing.T) {
	rt := newRuntime(t)
	h := rpc.NewServer(rt, rpc.Config{RequestsPerSecond: 0.001, Burst: 1}).Handler()
	rec, _ := call(t, h, "circuit_status", nil, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = call(t, h, "circuit_status", nil, "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUnknownMethod(t *testing.T) {
	h := rpc.NewServer(newRuntime(t), rpc.Config{}).Handler()
	rec, resp := call(t, h, "nope_nothing", nil, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
}

func TestHubStreamsCommittedEvents(t *testing.T) {
	rt := newRuntime(t)
	hub := rpc.NewHub()
	rt.SetEmitter(hub)
	srv := httptest.NewServer(rpc.NewServer(rt, rpc.Config{JWTSecret: secret}, rpc.WithHub(hub)).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?types=circuit", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit(events.Wrap(&types.Event{Type: "bank.transfer", Attributes: map[string]string{}}))
	_, err = rt.SingleOrder(types.SignedOrigin(requester), beneficiary[:], dot, big.NewInt(100), dot, big.NewInt(200), big.NewInt(0), pdot, types.SpeedFast)
	require.NoError(t, err)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.True(t, strings.HasPrefix(evt.Type, "circuit."), evt.Type)
}

func TestHubFilter(t *testing.T) {
	hub := rpc.NewHub()
	updates, cancel := hub.Subscribe("vacuum.order_status_read")
	defer cancel()
	hub.Emit(events.Wrap(&types.Event{Type: "circuit.xtx_received"}))
	hub.Emit(events.Wrap(&types.Event{Type: "vacuum.order_status_read"}))
	select {
	case evt := <-updates:
		require.Equal(t, "vacuum.order_status_read", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	cancel()
	require.Equal(t, 0, hub.Subscribers())
}
