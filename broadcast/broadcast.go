// Package broadcast submits signed transactions to their chain. One
// submission attempt per message: successes flow to the broadcast queue for
// the monitor, failures are dead-lettered for the recovery engine. The
// broadcaster never retries on its own; redundancy comes from the queue.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/config"
	"github.com/arcpay/withdrawd/queue"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/types"
)

const receiveBackoff = time.Second

var (
	submittedMeter  = metrics.NewRegisteredMeter("withdraw/broadcast/submitted", nil)
	duplicateMeter  = metrics.NewRegisteredMeter("withdraw/broadcast/duplicates", nil)
	failedMeter     = metrics.NewRegisteredMeter("withdraw/broadcast/failed", nil)
	submitTimeTimer = metrics.NewRegisteredTimer("withdraw/broadcast/submittime", nil)
)

// Broadcaster consumes the signed-transaction queue and pushes raw
// transactions at the chain.
type Broadcaster struct {
	cfg      *config.Config
	bus      queue.Queue
	store    store.Store
	registry *chains.Registry
	logger   log.Logger
}

// New wires a broadcaster.
func New(cfg *config.Config, bus queue.Queue, st store.Store, reg *chains.Registry) *Broadcaster {
	return &Broadcaster{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		registry: reg,
		logger:   log.New("service", "broadcast", "instance", cfg.InstanceID),
	}
}

// Run consumes the signed queue until the context is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("Broadcaster started", "queue", b.cfg.Queues.SignedQueue)
	q := b.cfg.Queues
	for {
		msgs, err := b.bus.Receive(ctx, q.SignedQueue, q.ReceiveBatchSize, q.WaitTime, q.VisibilityTimeout)
		if ctx.Err() != nil {
			b.logger.Info("Broadcaster stopped")
			return
		}
		if err != nil {
			b.logger.Warn("Receive failed", "err", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, msg := range msgs {
			b.handle(ctx, msg)
		}
	}
}

// handle performs the single submission attempt for one message.
func (b *Broadcaster) handle(ctx context.Context, msg queue.Message) {
	q := b.cfg.Queues

	var signed types.SignedTx
	if err := types.DecodeJSON(msg.Body, &signed); err != nil {
		b.logger.Warn("Malformed signed message", "id", msg.MessageID, "err", err)
		b.deadLetter(ctx, msg, err.Error())
		return
	}

	start := time.Now()
	err := b.submit(ctx, &signed)
	submitTimeTimer.UpdateSince(start)

	if err != nil {
		failedMeter.Mark(1)
		b.logger.Error("Broadcast failed", "tx", signed.TxHash, "ref", signed.Ref(), "chain", signed.Chain, "err", err)
		b.recordFailure(ctx, &signed, err)
		b.deadLetter(ctx, msg, err.Error())
		return
	}

	submittedMeter.Mark(1)
	b.recordSuccess(ctx, &signed)
	b.delete(ctx, q.SignedQueue, msg)
	b.logger.Info("Transaction broadcast", "tx", signed.TxHash, "ref", signed.Ref(), "chain", signed.Chain, "nonce", signed.Nonce)
}

// submit decodes the raw transaction and sends it. A node already holding the
// transaction counts as success: the first attempt evidently reached the
// mempool even if our response was lost.
func (b *Broadcaster) submit(ctx context.Context, signed *types.SignedTx) error {
	client, err := b.registry.Client(signed.Chain, signed.Network)
	if err != nil {
		return err
	}
	raw, err := hexutil.Decode(signed.RawTransaction)
	if err != nil {
		return fmt.Errorf("decode raw transaction: %w", err)
	}
	var tx gtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode transaction %s: %w", signed.TxHash, err)
	}
	if err := client.SendTransaction(ctx, &tx); err != nil {
		if alreadyKnown(err) {
			duplicateMeter.Mark(1)
			b.logger.Debug("Transaction already known to node", "tx", signed.TxHash)
			return nil
		}
		return err
	}
	return nil
}

// alreadyKnown matches the node responses that mean the transaction is
// already in the mempool or mined.
func alreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "alreadyknown") ||
		strings.Contains(msg, "transaction already imported")
}

// recordSuccess persists the sent row, flips the request/batch status and
// emits the broadcast result that admits the tx into the monitor.
func (b *Broadcaster) recordSuccess(ctx context.Context, signed *types.SignedTx) {
	now := time.Now()
	sent := &types.SentTransaction{
		TxHash:      signed.TxHash,
		Kind:        signed.Kind,
		RefID:       signed.Ref(),
		Chain:       signed.Chain,
		Network:     signed.Network,
		Nonce:       signed.Nonce,
		Status:      types.SentSubmitted,
		SubmittedAt: now,
	}
	if err := b.store.SaveSentTransaction(ctx, sent); err != nil {
		b.logger.Error("Failed to persist sent transaction", "tx", signed.TxHash, "err", err)
	}
	b.updateRefs(ctx, signed, types.StatusBroadcasting, types.BatchBroadcasted, "")

	result := b.result(signed)
	result.Status = types.Broadcasted
	result.BroadcastTxHash = signed.TxHash
	result.BroadcastedAt = now
	b.emit(ctx, result)
}

// recordFailure flips statuses and emits a failed result so the affected
// rows are traceable even though the message itself goes to the DLQ.
func (b *Broadcaster) recordFailure(ctx context.Context, signed *types.SignedTx, cause error) {
	b.updateRefs(ctx, signed, types.StatusFailed, types.BatchFailed, cause.Error())

	result := b.result(signed)
	result.Status = types.BroadcastFailed
	result.Error = cause.Error()
	b.emit(ctx, result)
}

func (b *Broadcaster) updateRefs(ctx context.Context, signed *types.SignedTx, reqStatus types.RequestStatus, batchStatus types.BatchStatus, reason string) {
	if signed.Kind == types.KindBatch {
		// A failed batch dissolves: members go back to PENDING with their
		// batch reference cleared so the signer can pick them up again.
		if reqStatus == types.StatusFailed {
			if err := b.store.DissolveBatch(ctx, signed.BatchID, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
				b.logger.Error("Failed to dissolve batch", "batch", signed.BatchID, "err", err)
			}
			return
		}
		if err := b.store.UpdateBatchStatus(ctx, signed.BatchID, batchStatus, signed.TxHash); err != nil && !errors.Is(err, store.ErrNotFound) {
			b.logger.Error("Failed to update batch status", "batch", signed.BatchID, "err", err)
		}
		if _, err := b.store.SetBatchMembersStatus(ctx, signed.BatchID, reqStatus); err != nil && !errors.Is(err, store.ErrNotFound) {
			b.logger.Error("Failed to update batch members", "batch", signed.BatchID, "err", err)
		}
		return
	}
	if err := b.store.UpdateRequestStatus(ctx, signed.RequestID, reqStatus, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		b.logger.Error("Failed to update request status", "request", signed.RequestID, "err", err)
	}
}

func (b *Broadcaster) result(signed *types.SignedTx) *types.BroadcastResult {
	result := &types.BroadcastResult{
		ID:             signed.Ref(),
		OriginalTxHash: signed.TxHash,
		Chain:          signed.Chain,
		Network:        signed.Network,
	}
	if signed.Kind == types.KindBatch {
		result.TransactionType = types.TypeBatch
		result.BatchID = signed.BatchID
	} else {
		result.TransactionType = types.TypeSingle
		result.WithdrawalID = signed.RequestID
	}
	return result
}

// emit publishes the result to the broadcast queue. Batch results carry the
// affected request ids so downstream consumers need no extra lookup.
func (b *Broadcaster) emit(ctx context.Context, result *types.BroadcastResult) {
	if result.TransactionType == types.TypeBatch {
		if batch, err := b.store.GetBatch(ctx, result.BatchID); err == nil {
			result.Metadata.AffectedRequests = batch.MemberRequestIDs
		}
	}
	body, err := types.EncodeJSON(result)
	if err != nil {
		b.logger.Error("Failed to encode broadcast result", "tx", result.OriginalTxHash, "err", err)
		return
	}
	if err := b.bus.Send(ctx, b.cfg.Queues.BroadcastQueue, body, nil); err != nil {
		b.logger.Error("Failed to emit broadcast result", "tx", result.OriginalTxHash, "err", err)
	}
}

func (b *Broadcaster) deadLetter(ctx context.Context, msg queue.Message, errText string) {
	if err := b.bus.SendToDLQ(ctx, b.cfg.Queues.SignedDLQ, msg.Body, errText, msg.RetryCount()+1); err != nil {
		b.logger.Error("Failed to dead-letter message", "id", msg.MessageID, "err", err)
		return
	}
	b.delete(ctx, b.cfg.Queues.SignedQueue, msg)
}

func (b *Broadcaster) delete(ctx context.Context, q string, msg queue.Message) {
	if err := b.bus.Delete(ctx, q, msg.ReceiptHandle); err != nil {
		b.logger.Warn("Failed to delete message", "id", msg.MessageID, "err", err)
	}
}
