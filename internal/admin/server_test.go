package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/circuitbreaker"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opsFakeAdapter struct {
	chainID uint64
	kind    chain.ChainType
	seq     uint64
}

func (f *opsFakeAdapter) ChainID() uint64       { return f.chainID }
func (f *opsFakeAdapter) Type() chain.ChainType { return f.kind }
func (f *opsFakeAdapter) GetBlockNumber(context.Context) (uint64, error) {
	return 1, nil
}
func (f *opsFakeAdapter) GetGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *opsFakeAdapter) GetBalance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *opsFakeAdapter) GetSequence(context.Context, string) (uint64, error) {
	return f.seq, nil
}
func (f *opsFakeAdapter) EstimateFee(context.Context, []byte) (chain.FeeEstimate, error) {
	return chain.FeeEstimate{}, nil
}
func (f *opsFakeAdapter) SendRaw(context.Context, []byte, ...chain.SendOption) (chain.TxHandle, error) {
	return chain.TxHandle{}, nil
}
func (f *opsFakeAdapter) WaitForFinality(context.Context, chain.TxHandle) (chain.FinalityStatus, error) {
	return chain.FinalityConfirmed, nil
}
func (f *opsFakeAdapter) WatchPending(context.Context) (<-chan chain.PendingTx, error) {
	return nil, chain.ErrPendingNotSupported
}
func (f *opsFakeAdapter) Close() error { return nil }

func opsTestServer(t *testing.T) (*Server, *nonce.Manager, *rpcpool.Pool) {
	t.Helper()

	registry := chain.NewRegistry(func(cfg chain.Config) (chain.Adapter, error) {
		return &opsFakeAdapter{chainID: cfg.ChainID, kind: cfg.Type}, nil
	})
	t.Cleanup(func() { _ = registry.Close() })

	require.NoError(t, registry.Register(chain.Config{
		ChainID:    1,
		Name:       "ethereum",
		Type:       chain.TypeEVM,
		Endpoints:  []chain.EndpointConfig{{URL: "https://rpc.example.org", Weight: 10}},
		WSEndpoint: "wss://rpc.example.org/ws",
		Confirm:    12,
	}))

	pool := rpcpool.New("ethereum",
		[]chain.EndpointConfig{{URL: "https://rpc.example.org", Weight: 10}},
		chain.PoolTuning{},
		func(url string) *circuitbreaker.Breaker {
			return circuitbreaker.New(circuitbreaker.Config{})
		},
		func(ctx context.Context, url string) error { return nil },
		slog.Default(),
	)
	t.Cleanup(func() { _ = pool.Close() })

	nonces := nonce.NewManager(time.Minute, nil)
	provider := func(chainID uint64) (*rpcpool.Pool, error) {
		if _, err := registry.Get(chainID); err != nil {
			return nil, err
		}
		return pool, nil
	}
	return NewServer(registry, provider, nonces, slog.Default()), nonces, pool
}

func TestOps_ListChains(t *testing.T) {
	srv, _, _ := opsTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/v1/chains", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var chains []struct {
		ChainID    uint64 `json:"chain_id"`
		Name       string `json:"name"`
		Type       string `json:"type"`
		Endpoints  int    `json:"endpoints"`
		WSEndpoint string `json:"ws_endpoint"`
		Confirm    uint64 `json:"confirmation_blocks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chains))
	require.Len(t, chains, 1)
	assert.Equal(t, uint64(1), chains[0].ChainID)
	assert.Equal(t, "ethereum", chains[0].Name)
	assert.Equal(t, "evm", chains[0].Type)
	assert.Equal(t, 1, chains[0].Endpoints)
	assert.Equal(t, "wss://rpc.example.org/ws", chains[0].WSEndpoint)
	assert.Equal(t, uint64(12), chains[0].Confirm)
}

func TestOps_ListEndpoints(t *testing.T) {
	srv, _, _ := opsTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/v1/endpoints?chain_id=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []endpointView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "https://rpc.example.org", views[0].URL)
	assert.Equal(t, 10, views[0].Weight)
	assert.Equal(t, "healthy", views[0].Health)
	assert.Equal(t, "closed", views[0].BreakerState)
}

func TestOps_ListEndpointsValidation(t *testing.T) {
	srv, _, _ := opsTestServer(t)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/v1/endpoints", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/v1/endpoints?chain_id=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/v1/endpoints?chain_id=404", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOps_AddEndpoint(t *testing.T) {
	srv, _, pool := opsTestServer(t)

	body := `{"chain_id":1,"url":"https://backup.example.org","weight":5}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/v1/endpoints", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	infos := pool.Endpoints()
	require.Len(t, infos, 2)
	assert.Equal(t, "https://backup.example.org", infos[1].URL)
}

func TestOps_AddEndpointRejectsDuplicate(t *testing.T) {
	srv, _, _ := opsTestServer(t)

	body := `{"chain_id":1,"url":"https://rpc.example.org","weight":5}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/v1/endpoints", strings.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOps_AddEndpointValidation(t *testing.T) {
	srv, _, _ := opsTestServer(t)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/v1/endpoints", strings.NewReader(`{"chain_id":1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing url")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/v1/endpoints", strings.NewReader(`{"chain_id":1,"bogus":true,"url":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields rejected")
}

func TestOps_InvalidateNonce(t *testing.T) {
	srv, nonces, _ := opsTestServer(t)

	src := &opsFakeAdapter{chainID: 1, seq: 5}
	nonces.RegisterSource(1, src)
	_, err := nonces.Next(context.Background(), 1, "0xabc")
	require.NoError(t, err)

	src.seq = 40
	body := `{"chain_id":1,"address":"0xabc"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/v1/nonce/invalidate", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	next, err := nonces.Next(context.Background(), 1, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), next, "invalidation forced a refetch")
}

func TestOps_InvalidateNonceRequiresAddress(t *testing.T) {
	srv, _, _ := opsTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/v1/nonce/invalidate", strings.NewReader(`{"chain_id":1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
