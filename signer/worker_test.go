package signer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/config"
	"github.com/arcpay/withdrawd/noncer"
	"github.com/arcpay/withdrawd/queue"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/tokens"
	"github.com/arcpay/withdrawd/types"
)

// fakeClient satisfies chains.Client for worker tests.
type fakeClient struct {
	pendingNonce uint64
	blockNumber  uint64
	baseFee      *big.Int
	tip          *big.Int
	estimate     uint64
	estimateErr  error
	sent         []*gtypes.Transaction
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		blockNumber: 100,
		baseFee:     big.NewInt(10_000_000_000),
		tip:         big.NewInt(1_000_000_000),
		estimate:    50_000,
	}
}

func (f *fakeClient) TransactionByHash(context.Context, common.Hash) (*gtypes.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*gtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return f.blockNumber, nil }

func (f *fakeClient) BlockByNumber(context.Context, *big.Int) (*gtypes.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) HeaderByNumber(context.Context, *big.Int) (*gtypes.Header, error) {
	return &gtypes.Header{Number: new(big.Int).SetUint64(f.blockNumber), BaseFee: f.baseFee}, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Add(f.baseFee, f.tip), nil
}

func (f *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, nil }

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

type workerHarness struct {
	worker *Worker
	bus    *queue.MemQueue
	store  *store.Memory
	client *fakeClient
	cfg    *config.Config
}

func newHarness(t *testing.T) *workerHarness {
	cfg := config.Defaults()
	cfg.InstanceID = "test-instance"
	cfg.Queues.WaitTime = 50 * time.Millisecond

	bus := queue.NewMemQueue()
	st := store.NewMemory()
	client := newFakeClient()

	registry := chains.NewRegistry(chains.DefaultTable(), cfg.Reconnect)
	registry.RegisterClient("ethereum", "mainnet", client)

	txSigner, err := NewTxSigner(testKeyHex)
	require.NoError(t, err)

	nonces := noncer.New(noncer.NewMemoryBacking())
	worker := NewWorker(cfg, bus, st, registry, nonces, tokens.NewDirectory(), txSigner)
	return &workerHarness{worker: worker, bus: bus, store: st, client: client, cfg: cfg}
}

func (h *workerHarness) enqueue(t *testing.T, reqs ...*types.WithdrawalRequest) {
	for _, req := range reqs {
		body, err := types.EncodeJSON(req)
		require.NoError(t, err)
		require.NoError(t, h.bus.Send(context.Background(), h.cfg.Queues.RequestQueue, body, nil))
	}
}

func (h *workerHarness) cycle(t *testing.T) {
	ctx := context.Background()
	msgs, err := h.bus.Receive(ctx, h.cfg.Queues.RequestQueue, 10, 0, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	h.worker.processCycle(ctx, msgs)
}

func tokenRequest(id string) *types.WithdrawalRequest {
	return &types.WithdrawalRequest{
		RequestID: id,
		To:        "0x4444444444444444444444444444444444444444",
		Amount:    "1000000",
		Token:     "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Chain:     "ethereum",
		Network:   "mainnet",
		Status:    types.StatusPending,
	}
}

func nativeRequest(id string) *types.WithdrawalRequest {
	return &types.WithdrawalRequest{
		RequestID: id,
		To:        "0x4444444444444444444444444444444444444444",
		Amount:    "1000000000000000",
		Chain:     "ethereum",
		Network:   "mainnet",
		Status:    types.StatusPending,
	}
}

func TestSingleNativeSigning(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, nativeRequest("r1"))
	h.cycle(t)

	assert.Equal(t, 1, h.bus.Len(h.cfg.Queues.SignedQueue))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestQueue))

	req, err := h.store.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSigned, req.Status)
	assert.Equal(t, types.ModeSingle, req.ProcessingMode)
	assert.Equal(t, 1, req.TryCount)

	msgs, err := h.bus.Receive(context.Background(), h.cfg.Queues.SignedQueue, 1, 0, time.Minute)
	require.NoError(t, err)
	var signed types.SignedTx
	require.NoError(t, types.DecodeJSON(msgs[0].Body, &signed))
	assert.Equal(t, types.KindSingle, signed.Kind)
	assert.Equal(t, "r1", signed.RequestID)
	assert.Equal(t, uint64(nativeTransferGas), signed.GasLimit)
	assert.Equal(t, uint64(0), signed.Nonce)
}

func TestBatchSigning(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, tokenRequest("r1"), tokenRequest("r2"), tokenRequest("r3"))
	h.cycle(t)

	// One aggregate transaction for the three requests.
	assert.Equal(t, 1, h.bus.Len(h.cfg.Queues.SignedQueue))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestQueue))

	ctx := context.Background()
	var batchID string
	for _, id := range []string{"r1", "r2", "r3"} {
		req, err := h.store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSigned, req.Status)
		assert.Equal(t, types.ModeBatch, req.ProcessingMode)
		require.NotEmpty(t, req.BatchID)
		if batchID == "" {
			batchID = req.BatchID
		}
		assert.Equal(t, batchID, req.BatchID)
	}

	batch, err := h.store.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchSigned, batch.Status)
	assert.NotEmpty(t, batch.TxHash)

	msgs, err := h.bus.Receive(ctx, h.cfg.Queues.SignedQueue, 1, 0, time.Minute)
	require.NoError(t, err)
	var signed types.SignedTx
	require.NoError(t, types.DecodeJSON(msgs[0].Body, &signed))
	assert.Equal(t, types.KindBatch, signed.Kind)
	assert.Equal(t, batchID, signed.BatchID)
}

func TestSmallGroupGoesSingle(t *testing.T) {
	h := newHarness(t)
	// Two token requests: below the batch threshold of three.
	h.enqueue(t, tokenRequest("r1"), tokenRequest("r2"))
	h.cycle(t)

	assert.Equal(t, 2, h.bus.Len(h.cfg.Queues.SignedQueue))
	req, err := h.store.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.ModeSingle, req.ProcessingMode)
}

func TestBatchingDisabledGoesSingle(t *testing.T) {
	h := newHarness(t)
	h.cfg.Batch.Enabled = false
	h.enqueue(t, tokenRequest("r1"), tokenRequest("r2"), tokenRequest("r3"))
	h.cycle(t)

	assert.Equal(t, 3, h.bus.Len(h.cfg.Queues.SignedQueue))
}

func TestRetriedRequestGoesSingle(t *testing.T) {
	h := newHarness(t)
	retried := tokenRequest("r1")
	retried.TryCount = 1
	// Seed the store row with the try count; the queue copy alone is not
	// authoritative.
	require.NoError(t, h.store.CreateRequest(context.Background(), retried))
	h.enqueue(t, retried, tokenRequest("r2"), tokenRequest("r3"))
	h.cycle(t)

	req, err := h.store.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.ModeSingle, req.ProcessingMode)
}

func TestInvalidRequestMarkedFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := nativeRequest("r1")
	bad.To = "not-an-address"
	require.NoError(t, h.store.CreateRequest(ctx, bad))
	h.enqueue(t, bad)
	h.cycle(t)

	// Validation failures are terminal: the request fails and the message is
	// consumed, not dead-lettered for recovery.
	req, err := h.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, req.Status)
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestDLQ))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestQueue))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedQueue))
}

func TestUnknownChainMarkedFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := nativeRequest("r1")
	bad.Chain = "dogecoin"
	require.NoError(t, h.store.CreateRequest(ctx, bad))
	h.enqueue(t, bad)
	h.cycle(t)

	req, err := h.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, req.Status)
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestDLQ))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestQueue))
}

func TestClaimedByOtherInstanceDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := nativeRequest("r1")
	require.NoError(t, h.store.CreateRequest(ctx, req))
	_, err := h.store.ClaimRequest(ctx, "r1", "other-instance")
	require.NoError(t, err)

	h.enqueue(t, req)
	h.cycle(t)

	// Message dropped without signing anything.
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestQueue))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedQueue))
	row, err := h.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "other-instance", row.ProcessingInstanceID)
}

func TestNoncesSequentialAcrossCycle(t *testing.T) {
	h := newHarness(t)
	h.client.pendingNonce = 5
	h.enqueue(t, nativeRequest("r1"), nativeRequest("r2"))
	h.cycle(t)

	ctx := context.Background()
	msgs, err := h.bus.Receive(ctx, h.cfg.Queues.SignedQueue, 10, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	seen := make(map[uint64]bool)
	for _, m := range msgs {
		var signed types.SignedTx
		require.NoError(t, types.DecodeJSON(m.Body, &signed))
		seen[signed.Nonce] = true
	}
	assert.True(t, seen[5])
	assert.True(t, seen[6])
}

func TestContestedBatchFallsBackToSingles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var group []claimed
	for _, id := range []string{"r1", "r2", "r3"} {
		req := tokenRequest(id)
		require.NoError(t, h.store.CreateRequest(ctx, req))
		_, err := h.store.ClaimRequest(ctx, id, h.cfg.InstanceID)
		require.NoError(t, err)
		body, err := types.EncodeJSON(req)
		require.NoError(t, err)
		require.NoError(t, h.bus.Send(ctx, h.cfg.Queues.RequestQueue, body, nil))
		msgs, err := h.bus.Receive(ctx, h.cfg.Queues.RequestQueue, 1, 0, time.Minute)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		row, err := h.store.GetRequest(ctx, id)
		require.NoError(t, err)
		group = append(group, claimed{msg: msgs[0], req: row})
	}
	// The third member slips away before batch formation, so the all-or-nothing
	// capture must abort and the group degrades to single processing.
	require.NoError(t, h.store.ReleaseRequest(ctx, "r3", "requeued elsewhere"))

	h.worker.processGroup(ctx, group)

	assert.Equal(t, 2, h.bus.Len(h.cfg.Queues.SignedQueue))
	for _, id := range []string{"r1", "r2"} {
		req, err := h.store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSigned, req.Status)
		assert.Equal(t, types.ModeSingle, req.ProcessingMode)
		assert.Empty(t, req.BatchID)
	}
	// The contested member is untouched and its message dropped for the new
	// owner's copy to drive.
	req, err := h.store.GetRequest(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, req.Status)
	assert.Zero(t, h.bus.Len(h.cfg.Queues.RequestQueue))
}
