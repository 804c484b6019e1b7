package solana

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/chain/solana/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mu       sync.Mutex
	slot     uint64
	balance  uint64
	fees     []rpc.PrioritizationFee
	sig      string
	sendErr  error
	statuses []*rpc.SignatureStatus
}

func (m *mockClient) GetSlot(context.Context, string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot, nil
}

func (m *mockClient) GetBalance(context.Context, string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *mockClient) GetRecentPrioritizationFees(context.Context) ([]rpc.PrioritizationFee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fees, nil
}

func (m *mockClient) SendTransaction(context.Context, []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return m.sig, nil
}

func (m *mockClient) GetSignatureStatuses(context.Context, []string) ([]*rpc.SignatureStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses, nil
}

func testAdapter(t *testing.T, mock *mockClient) *Adapter {
	t.Helper()
	cfg := chain.Config{
		ChainID:   501,
		Name:      "solana",
		Type:      chain.TypeSolana,
		Endpoints: []chain.EndpointConfig{{URL: "https://sol.example.org", Weight: 1}},
		Retry:     chain.RetryTuning{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
	a := NewAdapter(cfg, nil, WithClientFactory(func(url string) rpc.RPCClient {
		return mock
	}))
	a.pollInterval = time.Millisecond
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAdapter_GetBlockNumberIsSlot(t *testing.T) {
	a := testAdapter(t, &mockClient{slot: 250_000_000})
	n, err := a.GetBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000_000), n)
}

func TestAdapter_GetGasPriceAddsMedianPriorityFee(t *testing.T) {
	a := testAdapter(t, &mockClient{fees: []rpc.PrioritizationFee{
		{Slot: 1, PrioritizationFee: 0},
		{Slot: 2, PrioritizationFee: 100},
		{Slot: 3, PrioritizationFee: 10_000},
	}})

	price, err := a.GetGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5100", price.String(), "base 5000 plus median 100")
}

func TestAdapter_GetGasPriceNoFeeData(t *testing.T) {
	a := testAdapter(t, &mockClient{})
	price, err := a.GetGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5000", price.String())
}

func TestMedianFee(t *testing.T) {
	assert.Zero(t, medianFee(nil))
	assert.Equal(t, uint64(7), medianFee([]rpc.PrioritizationFee{{PrioritizationFee: 7}}))
	assert.Equal(t, uint64(5), medianFee([]rpc.PrioritizationFee{
		{PrioritizationFee: 9}, {PrioritizationFee: 1}, {PrioritizationFee: 5},
	}))
}

func TestAdapter_GetSequenceUnsupported(t *testing.T) {
	a := testAdapter(t, &mockClient{})
	_, err := a.GetSequence(context.Background(), "anyAddr")
	assert.ErrorIs(t, err, chain.ErrSequenceNotSupported)
}

func TestAdapter_WatchPendingUnsupported(t *testing.T) {
	a := testAdapter(t, &mockClient{})
	_, err := a.WatchPending(context.Background())
	assert.ErrorIs(t, err, chain.ErrPendingNotSupported)
}

func TestAdapter_EstimateFeeSingleUnit(t *testing.T) {
	a := testAdapter(t, &mockClient{})
	fee, err := a.EstimateFee(context.Background(), make([]byte, 1232))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fee.Units, "payload size does not change the fee")
	assert.Equal(t, "5000", fee.Total().String())
}

func TestAdapter_SendRaw(t *testing.T) {
	a := testAdapter(t, &mockClient{sig: "5VERYLONGBASE58SIG"})
	handle, err := a.SendRaw(context.Background(), []byte("signed"))
	require.NoError(t, err)
	assert.Equal(t, "5VERYLONGBASE58SIG", handle.Hash)
	assert.Equal(t, uint64(501), handle.ChainID)
}

func TestAdapter_SendRawExpiredBlockhashIsStale(t *testing.T) {
	a := testAdapter(t, &mockClient{sendErr: errors.New("Blockhash not found")})
	_, err := a.SendRaw(context.Background(), []byte("signed"))
	require.Error(t, err)
	assert.True(t, chain.IsNonceStale(err), "expired blockhash forces a rebuild, like a stale nonce")
}

func TestMapSubmissionError(t *testing.T) {
	var le *chain.LogicError

	require.ErrorAs(t, mapSubmissionError(errors.New("insufficient lamports 100, need 5000")), &le)
	assert.Equal(t, chain.LogicInsufficientFunds, le.Kind)

	require.ErrorAs(t, mapSubmissionError(errors.New("signature verification failure")), &le)
	assert.Equal(t, chain.LogicInvalidSignature, le.Kind)

	plain := errors.New("node is behind")
	assert.Equal(t, plain, mapSubmissionError(plain))
}

func TestAdapter_WaitForFinalityConfirmed(t *testing.T) {
	a := testAdapter(t, &mockClient{statuses: []*rpc.SignatureStatus{
		{Slot: 100, ConfirmationStatus: "confirmed"},
	}})

	status, err := a.WaitForFinality(context.Background(), chain.TxHandle{Hash: "sig"})
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityConfirmed, status)
}

func TestAdapter_WaitForFinalityRequiresFinalizedWithDepth(t *testing.T) {
	mock := &mockClient{statuses: []*rpc.SignatureStatus{
		{Slot: 100, ConfirmationStatus: "confirmed"},
	}}
	a := testAdapter(t, mock)
	a.cfg.Confirm = 1

	done := make(chan struct{})
	go func() {
		defer close(done)
		status, err := a.WaitForFinality(context.Background(), chain.TxHandle{Hash: "sig"})
		assert.NoError(t, err)
		assert.Equal(t, chain.FinalityConfirmed, status)
	}()

	time.Sleep(20 * time.Millisecond)
	mock.mu.Lock()
	mock.statuses = []*rpc.SignatureStatus{{Slot: 100, ConfirmationStatus: "finalized"}}
	mock.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("finality wait never saw the finalized commitment")
	}
}

func TestAdapter_WaitForFinalityOnChainError(t *testing.T) {
	a := testAdapter(t, &mockClient{statuses: []*rpc.SignatureStatus{
		{Slot: 100, ConfirmationStatus: "processed", Err: map[string]any{"InstructionError": []any{}}},
	}})

	status, err := a.WaitForFinality(context.Background(), chain.TxHandle{Hash: "sig"})
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityReverted, status)
}

func TestAdapter_WaitForFinalityTimesOut(t *testing.T) {
	a := testAdapter(t, &mockClient{statuses: []*rpc.SignatureStatus{nil}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	status, err := a.WaitForFinality(ctx, chain.TxHandle{Hash: "sig"})
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityTimedOut, status)
}
