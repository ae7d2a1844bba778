package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcpay/withdrawd/types"
)

// The same semantics must hold for both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("leveldb", func(t *testing.T) {
		s, err := OpenLevelDB(t.TempDir())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func newRequest(id string) *types.WithdrawalRequest {
	return &types.WithdrawalRequest{
		RequestID: id,
		To:        "0x4444444444444444444444444444444444444444",
		Amount:    "1000",
		Token:     "0x1111111111111111111111111111111111111111",
		Chain:     "ethereum",
		Network:   "mainnet",
		Status:    types.StatusPending,
	}
}

func TestClaimRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRequest(ctx, newRequest("r1")))

		outcome, err := s.ClaimRequest(ctx, "r1", "inst-a")
		require.NoError(t, err)
		assert.Equal(t, Claimed, outcome)

		// Redelivery to the same instance.
		outcome, err = s.ClaimRequest(ctx, "r1", "inst-a")
		require.NoError(t, err)
		assert.Equal(t, AlreadyOwned, outcome)

		// Another instance loses the race.
		outcome, err = s.ClaimRequest(ctx, "r1", "inst-b")
		require.NoError(t, err)
		assert.Equal(t, NotOurs, outcome)

		req, err := s.GetRequest(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusValidating, req.Status)
		assert.Equal(t, "inst-a", req.ProcessingInstanceID)
	})
}

func TestClaimMissingRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.ClaimRequest(context.Background(), "nope", "inst-a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkRequestSigningGuard(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRequest(ctx, newRequest("r1")))
		_, err := s.ClaimRequest(ctx, "r1", "inst-a")
		require.NoError(t, err)

		// The non-owner cannot advance it.
		assert.ErrorIs(t, s.MarkRequestSigning(ctx, "r1", "inst-b"), ErrConflict)

		require.NoError(t, s.MarkRequestSigning(ctx, "r1", "inst-a"))
		req, err := s.GetRequest(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusSigning, req.Status)
		assert.Equal(t, types.ModeSingle, req.ProcessingMode)
		assert.Equal(t, 1, req.TryCount)

		// Already SIGNING: the guard rejects a second transition.
		assert.ErrorIs(t, s.MarkRequestSigning(ctx, "r1", "inst-a"), ErrConflict)
	})
}

func TestReleaseRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRequest(ctx, newRequest("r1")))
		_, err := s.ClaimRequest(ctx, "r1", "inst-a")
		require.NoError(t, err)

		require.NoError(t, s.ReleaseRequest(ctx, "r1", "transient failure"))
		req, err := s.GetRequest(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, req.Status)
		assert.Empty(t, req.ProcessingInstanceID)
		assert.Equal(t, "transient failure", req.Error)

		// Released requests are claimable again, by anyone.
		outcome, err := s.ClaimRequest(ctx, "r1", "inst-b")
		require.NoError(t, err)
		assert.Equal(t, Claimed, outcome)
	})
}

func testBatch(ids ...string) *types.BatchTransaction {
	return &types.BatchTransaction{
		BatchID:          "b1",
		MemberRequestIDs: ids,
		TotalAmount:      "3000",
		TokenFingerprint: "0x1111111111111111111111111111111111111111",
		Chain:            "ethereum",
		Network:          "mainnet",
	}
}

func TestFormBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"r1", "r2", "r3"} {
			require.NoError(t, s.CreateRequest(ctx, newRequest(id)))
			_, err := s.ClaimRequest(ctx, id, "inst-a")
			require.NoError(t, err)
		}

		require.NoError(t, s.FormBatch(ctx, testBatch("r1", "r2", "r3"), "inst-a"))

		batch, err := s.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, types.BatchPending, batch.Status)

		for _, id := range []string{"r1", "r2", "r3"} {
			req, err := s.GetRequest(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, types.StatusSigning, req.Status)
			assert.Equal(t, types.ModeBatch, req.ProcessingMode)
			assert.Equal(t, "b1", req.BatchID)
			assert.Equal(t, 1, req.TryCount)
		}
	})
}

func TestFormBatchAllOrNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"r1", "r2"} {
			require.NoError(t, s.CreateRequest(ctx, newRequest(id)))
			_, err := s.ClaimRequest(ctx, id, "inst-a")
			require.NoError(t, err)
		}
		// r3 belongs to someone else.
		require.NoError(t, s.CreateRequest(ctx, newRequest("r3")))
		_, err := s.ClaimRequest(ctx, "r3", "inst-b")
		require.NoError(t, err)

		err = s.FormBatch(ctx, testBatch("r1", "r2", "r3"), "inst-a")
		assert.ErrorIs(t, err, ErrConflict)

		// Nothing moved: the owned members are untouched.
		_, err = s.GetBatch(ctx, "b1")
		assert.ErrorIs(t, err, ErrNotFound)
		for _, id := range []string{"r1", "r2"} {
			req, gerr := s.GetRequest(ctx, id)
			require.NoError(t, gerr)
			assert.Equal(t, types.StatusValidating, req.Status)
			assert.Empty(t, req.BatchID)
			assert.Zero(t, req.TryCount)
		}
	})
}

func TestDissolveBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"r1", "r2"} {
			require.NoError(t, s.CreateRequest(ctx, newRequest(id)))
			_, err := s.ClaimRequest(ctx, id, "inst-a")
			require.NoError(t, err)
		}
		require.NoError(t, s.FormBatch(ctx, testBatch("r1", "r2"), "inst-a"))

		require.NoError(t, s.DissolveBatch(ctx, "b1", "signing failed"))

		batch, err := s.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, types.BatchFailed, batch.Status)
		assert.Equal(t, "signing failed", batch.Error)

		for _, id := range []string{"r1", "r2"} {
			req, gerr := s.GetRequest(ctx, id)
			require.NoError(t, gerr)
			assert.Equal(t, types.StatusPending, req.Status)
			assert.Empty(t, req.BatchID)
			assert.Empty(t, req.ProcessingInstanceID)
		}
	})
}

func TestSetBatchMembersStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"r1", "r2"} {
			require.NoError(t, s.CreateRequest(ctx, newRequest(id)))
			_, err := s.ClaimRequest(ctx, id, "inst-a")
			require.NoError(t, err)
		}
		require.NoError(t, s.FormBatch(ctx, testBatch("r1", "r2"), "inst-a"))

		n, err := s.SetBatchMembersStatus(ctx, "b1", types.StatusSigned)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		req, err := s.GetRequest(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusSigned, req.Status)
	})
}

func TestSignedAndSentRows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		signed := &types.SignedTx{
			Kind:      types.KindSingle,
			RequestID: "r1",
			TxHash:    "0xabc",
			Nonce:     7,
			Chain:     "ethereum",
			Network:   "mainnet",
		}
		require.NoError(t, s.SaveSignedTx(ctx, signed))
		got, err := s.GetSignedTx(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), got.Nonce)

		sent := &types.SentTransaction{
			TxHash:  "0xabc",
			Kind:    types.KindSingle,
			RefID:   "r1",
			Chain:   "ethereum",
			Network: "mainnet",
			Status:  types.SentSubmitted,
		}
		require.NoError(t, s.SaveSentTransaction(ctx, sent))
		require.NoError(t, s.UpdateSentTransaction(ctx, "0xabc", types.SentConfirmed, 100, 21000))

		row, err := s.GetSentTransaction(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, types.SentConfirmed, row.Status)
		assert.Equal(t, uint64(100), row.BlockNumber)
		assert.Equal(t, uint64(21000), row.GasUsed)
	})
}
