package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/config"
	"github.com/arcpay/withdrawd/noncer"
	"github.com/arcpay/withdrawd/queue"
	"github.com/arcpay/withdrawd/signer"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/types"
)

// processInterval paces the strategy dispatcher between pops.
const processInterval = 500 * time.Millisecond

// Engine is the recovery service: three DLQ pollers feed a bounded priority
// queue that a single dispatcher drains through the strategy set.
type Engine struct {
	cfg      *config.Config
	bus      queue.Queue
	store    store.Store
	registry *chains.Registry
	nonces   *noncer.Cache
	signer   *signer.TxSigner
	logger   log.Logger

	pq         *priorityQueue
	strategies []Strategy
	collector  *Collector
}

// NewEngine wires the recovery engine and its strategy set.
func NewEngine(cfg *config.Config, bus queue.Queue, st store.Store, reg *chains.Registry, nonces *noncer.Cache, txSigner *signer.TxSigner) *Engine {
	e := &Engine{
		cfg:       cfg,
		bus:       bus,
		store:     st,
		registry:  reg,
		nonces:    nonces,
		signer:    txSigner,
		logger:    log.New("service", "recovery", "instance", cfg.InstanceID),
		pq:        newPriorityQueue(cfg.Recovery.MaxQueueSize),
		collector: NewCollector(),
	}
	rc := cfg.Recovery
	e.strategies = []Strategy{
		NewNonceLowStrategy(),
		NewNonceHighStrategy(rc, e.sendDummies, e.requeue),
		NewGasStrategy(rc, e.resignAndPublish),
		NewNetworkStrategy(rc, e.requeue),
		NewUnknownStrategy(rc, e.requeue),
	}
	return e
}

// Stats exposes the collector, for the status log and tests.
func (e *Engine) Stats() Stats { return e.collector.Stats() }

// Run polls the three dead-letter queues and dispatches scheduled items
// until the context is canceled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Recovery engine started",
		"requestDLQ", e.cfg.Queues.RequestDLQ,
		"signedDLQ", e.cfg.Queues.SignedDLQ,
		"broadcastDLQ", e.cfg.Queues.BroadcastDLQ)

	g, gctx := errgroup.WithContext(ctx)
	for _, dlq := range []string{e.cfg.Queues.RequestDLQ, e.cfg.Queues.SignedDLQ, e.cfg.Queues.BroadcastDLQ} {
		dlq := dlq
		g.Go(func() error {
			e.pollDLQ(gctx, dlq)
			return nil
		})
	}
	g.Go(func() error {
		e.dispatch(gctx)
		return nil
	})
	g.Wait()
	e.logger.Info("Recovery engine stopped")
}

// pollDLQ admits dead-lettered messages into the priority queue. Messages the
// queue has no room for stay on the DLQ and return on the next poll.
func (e *Engine) pollDLQ(ctx context.Context, dlq string) {
	q := e.cfg.Queues
	for {
		select {
		case <-time.After(e.cfg.Recovery.PollInterval):
		case <-ctx.Done():
			return
		}
		msgs, err := e.bus.Receive(ctx, dlq, q.ReceiveBatchSize, 0, q.VisibilityTimeout)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("DLQ receive failed", "dlq", dlq, "err", err)
			}
			continue
		}
		for _, msg := range msgs {
			e.admit(ctx, dlq, msg)
		}
		queueGauge.Update(int64(e.pq.Len()))
	}
}

func (e *Engine) admit(ctx context.Context, dlq string, msg queue.Message) {
	if e.pq.Contains(msg.MessageID) {
		return
	}
	it := &Item{
		Msg:          msg,
		SourceDLQ:    dlq,
		Class:        Classify(msg.ErrorAttribute()),
		EnqueuedAt:   time.Now(),
		basePriority: e.basePriority(dlq),
	}
	e.decodePayload(it)

	if !it.Class.Retryable {
		e.logger.Warn("Unrecoverable failure", "dlq", dlq, "id", msg.MessageID, "type", it.Class.Type, "error", msg.ErrorAttribute())
		e.abandon(ctx, it, ActionUnrecoverable, msg.ErrorAttribute())
		return
	}
	if err := e.pq.Push(it); err != nil {
		// Full queue: leave the message for a later poll.
		e.logger.Warn("Recovery queue full, deferring message", "dlq", dlq, "id", msg.MessageID)
		return
	}
	e.logger.Info("Recovery scheduled", "dlq", dlq, "id", msg.MessageID, "type", it.Class.Type, "priority", it.basePriority)
}

// basePriority weights the pipeline stage: the further a transaction got, the
// more urgent its recovery.
func (e *Engine) basePriority(dlq string) int {
	switch dlq {
	case e.cfg.Queues.BroadcastDLQ:
		return 7
	case e.cfg.Queues.SignedDLQ:
		return 6
	default:
		return 5
	}
}

// decodePayload recovers the typed payload by source queue. A payload that
// fails to decode stays nil; strategies gate on it.
func (e *Engine) decodePayload(it *Item) {
	switch it.SourceDLQ {
	case e.cfg.Queues.RequestDLQ:
		var req types.WithdrawalRequest
		if types.DecodeJSON(it.Msg.Body, &req) == nil && req.RequestID != "" {
			it.Request = &req
		}
	default:
		var signed types.SignedTx
		if types.DecodeJSON(it.Msg.Body, &signed) == nil && signed.TxHash != "" {
			it.Signed = &signed
		}
	}
}

// dispatch pops ready items and runs their strategy.
func (e *Engine) dispatch(ctx context.Context) {
	ticker := time.NewTicker(processInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		for {
			it := e.pq.PopReady(time.Now())
			if it == nil {
				break
			}
			e.process(ctx, it)
			queueGauge.Update(int64(e.pq.Len()))
		}
	}
}

func (e *Engine) process(ctx context.Context, it *Item) {
	strategy := e.strategyFor(it)
	if strategy == nil {
		e.abandon(ctx, it, ActionUnrecoverable, fmt.Sprintf("no strategy for %s", it.Class.Type))
		return
	}

	start := time.Now()
	result := strategy.Recover(ctx, it)
	duration := time.Since(start)
	it.Attempts++

	switch {
	case result.Success:
		recoveredMeter.Mark(1)
		if result.Action == ActionRequeued {
			requeuedMeter.Mark(1)
		}
		e.collector.Record(it.SourceDLQ, it.Class.Type, it.Attempts, duration, true)
		e.deleteMsg(ctx, it)
		e.logger.Info("Recovery succeeded", "id", it.Msg.MessageID, "type", it.Class.Type, "action", result.Action, "attempts", it.Attempts, "reason", result.Reason)

	case result.ShouldRetry && it.Attempts < strategy.MaxRetries():
		after := result.RetryAfter
		if after <= 0 {
			after = backoff(e.cfg.Recovery.InitialDelay, it.Attempts)
		}
		e.pq.Reschedule(it, after, time.Now())
		e.logger.Debug("Recovery retry scheduled", "id", it.Msg.MessageID, "type", it.Class.Type, "attempts", it.Attempts, "after", after)

	default:
		e.collector.Record(it.SourceDLQ, it.Class.Type, it.Attempts, duration, false)
		e.abandon(ctx, it, result.Action, result.Reason)
	}
}

func (e *Engine) strategyFor(it *Item) Strategy {
	for _, s := range e.strategies {
		if s.CanRecover(it) {
			return s
		}
	}
	return nil
}

// abandon marks the affected rows failed and drops the message. Terminal: no
// further recovery will be attempted.
func (e *Engine) abandon(ctx context.Context, it *Item, action, reason string) {
	abandonedMeter.Mark(1)
	e.logger.Warn("Recovery abandoned", "id", it.Msg.MessageID, "type", it.Class.Type, "action", action, "reason", reason)
	e.markFailed(ctx, it, reason)
	e.deleteMsg(ctx, it)
}

func (e *Engine) markFailed(ctx context.Context, it *Item, reason string) {
	switch {
	case it.Request != nil:
		if err := e.store.UpdateRequestStatus(ctx, it.Request.RequestID, types.StatusFailed, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("Failed to mark request failed", "request", it.Request.RequestID, "err", err)
		}
	case it.Signed != nil && it.Signed.Kind == types.KindBatch:
		if err := e.store.UpdateBatchStatus(ctx, it.Signed.BatchID, types.BatchFailed, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("Failed to mark batch failed", "batch", it.Signed.BatchID, "err", err)
		}
		if _, err := e.store.SetBatchMembersStatus(ctx, it.Signed.BatchID, types.StatusFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("Failed to mark batch members failed", "batch", it.Signed.BatchID, "err", err)
		}
	case it.Signed != nil:
		if err := e.store.UpdateRequestStatus(ctx, it.Signed.RequestID, types.StatusFailed, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("Failed to mark request failed", "request", it.Signed.RequestID, "err", err)
		}
	}
}

func (e *Engine) deleteMsg(ctx context.Context, it *Item) {
	if err := e.bus.Delete(ctx, it.SourceDLQ, it.Msg.ReceiptHandle); err != nil {
		e.logger.Warn("Failed to delete DLQ message", "id", it.Msg.MessageID, "err", err)
	}
}

// requeue returns an item's payload to its forward queue. Request payloads
// are reset to PENDING first so the signing worker can claim them again.
func (e *Engine) requeue(ctx context.Context, it *Item) error {
	var forward string
	switch it.SourceDLQ {
	case e.cfg.Queues.RequestDLQ:
		forward = e.cfg.Queues.RequestQueue
		if it.Request != nil {
			if err := e.store.ReleaseRequest(ctx, it.Request.RequestID, it.Msg.ErrorAttribute()); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("release request %s: %w", it.Request.RequestID, err)
			}
		}
	case e.cfg.Queues.SignedDLQ:
		forward = e.cfg.Queues.SignedQueue
	case e.cfg.Queues.BroadcastDLQ:
		forward = e.cfg.Queues.BroadcastQueue
	default:
		return fmt.Errorf("no forward queue for %s", it.SourceDLQ)
	}
	attrs := map[string]string{types.AttrRetryCount: fmt.Sprintf("%d", it.Msg.RetryCount()+1)}
	if err := e.bus.Send(ctx, forward, it.Msg.Body, attrs); err != nil {
		return fmt.Errorf("requeue to %s: %w", forward, err)
	}
	return nil
}

// resignAndPublish replaces a signed transaction with a fee-bumped signature
// at the same nonce and hands it back to the broadcaster.
func (e *Engine) resignAndPublish(ctx context.Context, signed *types.SignedTx) error {
	replacement, err := e.signer.Resign(signed, e.cfg.Recovery.FeeBumpPercent)
	if err != nil {
		return err
	}
	if err := e.store.SaveSignedTx(ctx, replacement); err != nil {
		return fmt.Errorf("persist replacement: %w", err)
	}
	body, err := types.EncodeJSON(replacement)
	if err != nil {
		return err
	}
	if err := e.bus.Send(ctx, e.cfg.Queues.SignedQueue, body, nil); err != nil {
		return fmt.Errorf("enqueue replacement: %w", err)
	}
	e.logger.Info("Transaction re-signed with bumped fees", "old", signed.TxHash, "new", replacement.TxHash, "nonce", replacement.Nonce)
	return nil
}

// sendDummies broadcasts zero-value self-transfers for every nonce in
// [from, to), closing the gap blocking the original transaction.
func (e *Engine) sendDummies(ctx context.Context, signed *types.SignedTx, from, to uint64) error {
	client, err := e.registry.Client(signed.Chain, signed.Network)
	if err != nil {
		return err
	}
	for n := from; n < to; n++ {
		dummy, err := e.signer.DummyTx(ctx, client, signed.ChainID, n, signed.Chain, signed.Network)
		if err != nil {
			return fmt.Errorf("build dummy for nonce %d: %w", n, err)
		}
		raw, err := hexutil.Decode(dummy.RawTransaction)
		if err != nil {
			return err
		}
		var tx gtypes.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return err
		}
		if err := client.SendTransaction(ctx, &tx); err != nil {
			return fmt.Errorf("broadcast dummy nonce %d: %w", n, err)
		}
		if err := e.store.SaveSignedTx(ctx, dummy); err != nil {
			e.logger.Warn("Failed to persist dummy tx", "tx", dummy.TxHash, "err", err)
		}
		e.logger.Info("Dummy transaction sent", "tx", dummy.TxHash, "nonce", n, "chain", signed.Chain)
	}
	// The shared counter must cover the plugged range.
	sgn := noncer.Signer{Address: e.signer.Address().Hex(), Chain: signed.Chain, Network: signed.Network}
	if cur, err := e.nonces.Current(ctx, sgn); err == nil && cur < to {
		if err := e.nonces.Reset(ctx, sgn, to); err != nil {
			e.logger.Warn("Failed to advance nonce counter", "err", err)
		}
	}
	return nil
}
