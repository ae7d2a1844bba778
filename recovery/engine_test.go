package recovery

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
	"github.com/arcpay/withdrawd/signer"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/types"
)

// Well-known throwaway key, never funded.
const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

// fakeClient satisfies chains.Client for engine tests.
type fakeClient struct {
	sent []*gtypes.Transaction
}

func (f *fakeClient) TransactionByHash(context.Context, common.Hash) (*gtypes.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*gtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeClient) BlockByNumber(context.Context, *big.Int) (*gtypes.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) HeaderByNumber(context.Context, *big.Int) (*gtypes.Header, error) {
	return &gtypes.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10_000_000_000)}, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(11_000_000_000), nil
}

func (f *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }

type engineHarness struct {
	e      *Engine
	bus    *queue.MemQueue
	store  *store.Memory
	client *fakeClient
	cfg    *config.Config
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	cfg := config.Defaults()
	cfg.InstanceID = "test-instance"
	cfg.Recovery.EnableDummyTx = true

	bus := queue.NewMemQueue()
	st := store.NewMemory()
	client := &fakeClient{}

	registry := chains.NewRegistry(chains.DefaultTable(), cfg.Reconnect)
	registry.RegisterClient("ethereum", "mainnet", client)

	txSigner, err := signer.NewTxSigner(testKeyHex)
	require.NoError(t, err)
	nonces := noncer.New(noncer.NewMemoryBacking())

	return &engineHarness{
		e:      NewEngine(cfg, bus, st, registry, nonces, txSigner),
		bus:    bus,
		store:  st,
		client: client,
		cfg:    cfg,
	}
}

// realSigned builds a signed transaction whose raw payload decodes, which the
// resign and dummy paths require.
func realSigned(t *testing.T, nonce uint64) *types.SignedTx {
	t.Helper()
	s, err := signer.NewTxSigner(testKeyHex)
	require.NoError(t, err)
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")
	tx, err := s.Sign(1, nonce, &to, big.NewInt(1000), nil, 21000, big.NewInt(2), big.NewInt(100))
	require.NoError(t, err)
	rec, err := signer.Record(tx, types.KindSingle, "r1", s.Address(), "ethereum", "mainnet")
	require.NoError(t, err)
	return rec
}

// admitSigned dead-letters the payload with the given error text and admits it.
func (h *engineHarness) admitSigned(t *testing.T, signed *types.SignedTx, errText string) {
	t.Helper()
	ctx := context.Background()
	body, err := types.EncodeJSON(signed)
	require.NoError(t, err)
	dlq := h.cfg.Queues.SignedDLQ
	require.NoError(t, h.bus.SendToDLQ(ctx, dlq, body, errText, 0))
	msgs, err := h.bus.Receive(ctx, dlq, 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	h.e.admit(ctx, dlq, msgs[0])
}

func (h *engineHarness) processNext(t *testing.T) {
	t.Helper()
	it := h.e.pq.PopReady(time.Now())
	require.NotNil(t, it)
	h.e.process(context.Background(), it)
}

func TestNetworkErrorRequeues(t *testing.T) {
	h := newEngineHarness(t)
	h.admitSigned(t, realSigned(t, 3), "dial tcp 10.0.0.1:8545: connection refused")
	require.Equal(t, 1, h.e.pq.Len())

	h.processNext(t)

	assert.Equal(t, 1, h.bus.Len(h.cfg.Queues.SignedQueue))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedDLQ))
	assert.Equal(t, int64(1), h.e.Stats().Recovered)

	msgs, err := h.bus.Receive(context.Background(), h.cfg.Queues.SignedQueue, 1, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "1", msgs[0].Attributes[types.AttrRetryCount])
}

func TestUnrecoverableMarksFailed(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateRequest(ctx, &types.WithdrawalRequest{
		RequestID: "r1", Chain: "ethereum", Network: "mainnet", Status: types.StatusSigned,
	}))

	h.admitSigned(t, realSigned(t, 3), "invalid address: bad checksum")

	// Abandoned on admission: nothing scheduled.
	assert.Zero(t, h.e.pq.Len())
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedDLQ))

	req, err := h.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, req.Status)
}

func TestNonceLowCompletesWithoutAction(t *testing.T) {
	h := newEngineHarness(t)
	h.admitSigned(t, realSigned(t, 3), "nonce too low")
	h.processNext(t)

	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedDLQ))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedQueue))
	assert.Equal(t, int64(1), h.e.Stats().Recovered)
}

func TestAlreadyKnownCompletesWithoutAction(t *testing.T) {
	h := newEngineHarness(t)
	// A node holding the transaction means the original send landed; nothing
	// to replay.
	h.admitSigned(t, realSigned(t, 3), "already known")
	h.processNext(t)

	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedDLQ))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedQueue))
	assert.Equal(t, int64(1), h.e.Stats().Recovered)
}

func TestGasErrorResignsWithBumpedFees(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	orig := realSigned(t, 3)
	h.admitSigned(t, orig, "transaction underpriced")
	h.processNext(t)

	msgs, err := h.bus.Receive(ctx, h.cfg.Queues.SignedQueue, 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var replacement types.SignedTx
	require.NoError(t, types.DecodeJSON(msgs[0].Body, &replacement))

	assert.Equal(t, orig.Nonce, replacement.Nonce)
	assert.NotEqual(t, orig.TxHash, replacement.TxHash)
	assert.Equal(t, "150", replacement.MaxFeePerGas) // 100 + 50%

	stored, err := h.store.GetSignedTx(ctx, replacement.TxHash)
	require.NoError(t, err)
	assert.Equal(t, replacement.TxHash, stored.TxHash)
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedDLQ))
}

func TestNonceHighFillsGapAndRequeues(t *testing.T) {
	h := newEngineHarness(t)
	h.admitSigned(t, realSigned(t, 5), "nonce too high: address 0xabc, tx: 5 state: 2")
	h.processNext(t)

	// Nonces 2, 3 and 4 get zero-value self-transfers.
	require.Len(t, h.client.sent, 3)
	seen := make(map[uint64]bool)
	for _, tx := range h.client.sent {
		seen[tx.Nonce()] = true
		assert.Equal(t, uint64(0), tx.Value().Uint64())
	}
	assert.True(t, seen[2] && seen[3] && seen[4])

	// The original goes back to the broadcaster.
	assert.Equal(t, 1, h.bus.Len(h.cfg.Queues.SignedQueue))
	assert.Zero(t, h.bus.Len(h.cfg.Queues.SignedDLQ))
}

func TestFullQueueDefersAdmission(t *testing.T) {
	h := newEngineHarness(t)
	h.cfg.Recovery.MaxQueueSize = 1
	h.e.pq = newPriorityQueue(1)

	h.admitSigned(t, realSigned(t, 1), "connection refused")
	h.admitSigned(t, realSigned(t, 2), "connection refused")

	// The second message stays on the DLQ for a later poll.
	assert.Equal(t, 1, h.e.pq.Len())
	assert.Equal(t, 2, h.bus.Len(h.cfg.Queues.SignedDLQ))
}
