package evm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/chain/evm/rpc"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient is a canned-response RPCClient shared by every endpoint of the
// test pool.
type mockClient struct {
	mu sync.Mutex

	blockNumber    uint64
	blockNumberErr error
	gasPrice       uint64
	gasPriceCalls  int
	balance        string
	balanceCalls   int
	txCount        uint64

	sendHash  string
	sendErr   error
	sendCalls int

	receipt    *rpc.TransactionReceipt
	receiptSeq []*rpc.TransactionReceipt

	filterID      string
	filterCalls   int
	filterBatches [][]string
	filterErr     error
	txByHash      map[string]*rpc.Transaction
}

func (m *mockClient) filterSetupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterCalls
}

func (m *mockClient) GetBlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockNumber, m.blockNumberErr
}

func (m *mockClient) GetGasPrice(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasPriceCalls++
	return m.gasPrice, nil
}

func (m *mockClient) GetBalance(context.Context, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceCalls++
	return m.balance, nil
}

func (m *mockClient) GetTransactionCount(context.Context, string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txCount, nil
}

func (m *mockClient) SendRawTransaction(context.Context, []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return m.sendHash, nil
}

func (m *mockClient) GetTransactionReceipt(context.Context, string) (*rpc.TransactionReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.receiptSeq) > 0 {
		r := m.receiptSeq[0]
		m.receiptSeq = m.receiptSeq[1:]
		return r, nil
	}
	return m.receipt, nil
}

func (m *mockClient) GetTransactionByHash(_ context.Context, hash string) (*rpc.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txByHash[hash], nil
}

func (m *mockClient) NewPendingTransactionFilter(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterCalls++
	if m.filterID == "" {
		return "", errors.New("filters not supported")
	}
	return m.filterID, nil
}

func (m *mockClient) GetFilterChanges(context.Context, string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filterErr != nil {
		return nil, m.filterErr
	}
	if len(m.filterBatches) == 0 {
		return nil, nil
	}
	batch := m.filterBatches[0]
	m.filterBatches = m.filterBatches[1:]
	return batch, nil
}

func testAdapter(t *testing.T, mock *mockClient) (*Adapter, *nonce.Manager) {
	t.Helper()
	cfg := chain.Config{
		ChainID: 1,
		Name:    "ethereum",
		Type:    chain.TypeEVM,
		Endpoints: []chain.EndpointConfig{
			{URL: "https://rpc.example.org", Weight: 1},
		},
		Retry: chain.RetryTuning{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
	nonces := nonce.NewManager(time.Minute, nil)
	a := NewAdapter(cfg, nonces, nil, WithClientFactory(func(url string) rpc.RPCClient {
		return mock
	}))
	nonces.RegisterSource(cfg.ChainID, a)
	t.Cleanup(func() { _ = a.Close() })
	return a, nonces
}

func TestAdapter_GetBlockNumber(t *testing.T) {
	a, _ := testAdapter(t, &mockClient{blockNumber: 19_000_000})
	n, err := a.GetBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(19_000_000), n)
}

func TestAdapter_GetGasPriceCaches(t *testing.T) {
	mock := &mockClient{gasPrice: 30_000_000_000}
	a, _ := testAdapter(t, mock)

	for i := 0; i < 3; i++ {
		price, err := a.GetGasPrice(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "30000000000", price.String())
	}
	assert.Equal(t, 1, mock.gasPriceCalls, "cached within the TTL")
}

func TestAdapter_GetBalanceParsesHex(t *testing.T) {
	mock := &mockClient{balance: "0xde0b6b3a7640000"} // 1 ETH
	a, _ := testAdapter(t, mock)

	bal, err := a.GetBalance(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", bal.String())

	_, err = a.GetBalance(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 1, mock.balanceCalls)
}

func TestAdapter_GetSequence(t *testing.T) {
	a, _ := testAdapter(t, &mockClient{txCount: 42})
	seq, err := a.GetSequence(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
}

func TestAdapter_EstimateFee(t *testing.T) {
	a, _ := testAdapter(t, &mockClient{gasPrice: 10})
	fee, err := a.EstimateFee(context.Background(), make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(21000+100*16), fee.Units)
	assert.Equal(t, "10", fee.Price.String())
}

func TestAdapter_SendRaw(t *testing.T) {
	a, _ := testAdapter(t, &mockClient{sendHash: "0xdead"})
	handle, err := a.SendRaw(context.Background(), []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, "0xdead", handle.Hash)
	assert.Equal(t, uint64(1), handle.ChainID)
	assert.False(t, handle.SubmittedAt.IsZero())
}

func TestAdapter_SendRawStaleNonceInvalidatesSender(t *testing.T) {
	mock := &mockClient{sendErr: errors.New("nonce too low"), txCount: 5}
	a, nonces := testAdapter(t, mock)

	// Seed the cached counter.
	seq, err := nonces.Next(context.Background(), 1, "0xsender")
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)

	mock.mu.Lock()
	mock.txCount = 20
	mock.mu.Unlock()

	_, err = a.SendRaw(context.Background(), []byte{0x01}, chain.WithSender("0xsender"))
	require.Error(t, err)
	assert.True(t, chain.IsNonceStale(err))
	assert.Equal(t, 1, mock.sendCalls, "stale nonce is not retried with the same payload")

	// The invalidation forces the next allocation to re-fetch.
	seq, err = nonces.Next(context.Background(), 1, "0xsender")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), seq)
}

func TestMapSubmissionError(t *testing.T) {
	tests := []struct {
		msg  string
		kind chain.LogicKind
	}{
		{"nonce too low", chain.LogicNonceStale},
		{"replacement transaction underpriced", chain.LogicNonceStale},
		{"insufficient funds for gas * price + value", chain.LogicInsufficientFunds},
		{"invalid sender", chain.LogicInvalidSignature},
		{"execution reverted: ERC20: transfer amount exceeds balance", chain.LogicReverted},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			var le *chain.LogicError
			require.ErrorAs(t, mapSubmissionError(errors.New(tt.msg)), &le)
			assert.Equal(t, tt.kind, le.Kind)
		})
	}

	plain := errors.New("connection reset by peer")
	assert.Equal(t, plain, mapSubmissionError(plain))
	assert.NoError(t, mapSubmissionError(nil))
}

func TestAdapter_WaitForFinalityConfirmed(t *testing.T) {
	mock := &mockClient{
		blockNumber: 110,
		receipt:     &rpc.TransactionReceipt{TransactionHash: "0xdead", BlockNumber: "0x64", Status: "0x1"}, // block 100
	}
	a, _ := testAdapter(t, mock)
	a.cfg.Confirm = 10
	a.pollInterval = time.Millisecond

	status, err := a.WaitForFinality(context.Background(), chain.TxHandle{Hash: "0xdead"})
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityConfirmed, status)
}

func TestAdapter_WaitForFinalityWaitsForDepth(t *testing.T) {
	mock := &mockClient{
		blockNumber: 100,
		receipt:     &rpc.TransactionReceipt{TransactionHash: "0xdead", BlockNumber: "0x64", Status: "0x1"},
	}
	a, _ := testAdapter(t, mock)
	a.cfg.Confirm = 5
	a.pollInterval = time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		status, err := a.WaitForFinality(context.Background(), chain.TxHandle{Hash: "0xdead"})
		assert.NoError(t, err)
		assert.Equal(t, chain.FinalityConfirmed, status)
	}()

	// Not buried deep enough yet; advancing the head unblocks the wait.
	time.Sleep(20 * time.Millisecond)
	mock.mu.Lock()
	mock.blockNumber = 105
	mock.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("finality wait did not complete after head advanced")
	}
}

func TestAdapter_WaitForFinalityReverted(t *testing.T) {
	mock := &mockClient{
		receipt: &rpc.TransactionReceipt{TransactionHash: "0xdead", BlockNumber: "0x64", Status: "0x0"},
	}
	a, _ := testAdapter(t, mock)
	a.pollInterval = time.Millisecond

	status, err := a.WaitForFinality(context.Background(), chain.TxHandle{Hash: "0xdead"})
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityReverted, status)
}

func TestAdapter_WaitForFinalityTimesOut(t *testing.T) {
	a, _ := testAdapter(t, &mockClient{receipt: nil})
	a.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	status, err := a.WaitForFinality(ctx, chain.TxHandle{Hash: "0xmissing"})
	require.NoError(t, err)
	assert.Equal(t, chain.FinalityTimedOut, status)
}

func TestAdapter_WatchPendingEmitsAndEnriches(t *testing.T) {
	mock := &mockClient{
		blockNumber:   1,
		filterID:      "0xf1",
		filterBatches: [][]string{{"0xaaa", "0xbbb"}},
		txByHash: map[string]*rpc.Transaction{
			"0xaaa": {Hash: "0xaaa", From: "0xf00", To: "0xba4", Value: "0xde0b6b3a7640000", GasPrice: "0x77359400"},
		},
	}
	a, _ := testAdapter(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending, err := a.WatchPending(ctx)
	require.NoError(t, err)

	first := <-pending
	assert.Equal(t, "0xaaa", first.Hash)
	assert.Equal(t, "0xf00", first.From)
	assert.Equal(t, "1000000000000000000", first.Value.String())
	assert.False(t, first.SeenAt.IsZero())

	second := <-pending
	assert.Equal(t, "0xbbb", second.Hash)
	assert.Nil(t, second.Value, "unknown tx stays hash-only")

	cancel()
	for range pending {
	}
}

func TestAdapter_WatchPendingBacksOffOnSetupFailure(t *testing.T) {
	mock := &mockClient{} // empty filterID: every setup attempt fails
	a, _ := testAdapter(t, mock)
	a.watchBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := a.WatchPending(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mock.filterSetupCalls() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the first attempt window drain
	before := mock.filterSetupCalls()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, mock.filterSetupCalls(),
		"setup retried again instead of waiting out the restart backoff")
}

func TestParseHexBig(t *testing.T) {
	assert.Equal(t, "255", parseHexBig("0xff").String())
	assert.Equal(t, "0", parseHexBig("0x0").String())
	assert.Nil(t, parseHexBig(""))
	assert.Nil(t, parseHexBig("0xzz"))
}
