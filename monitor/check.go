package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/types"
)

const checkTimeout = 15 * time.Second

// check runs the full status algorithm for one transaction: fetch the
// receipt, fall back to the mempool lookup, then apply the confirmation rule
// against the current head. Store rows are only written on a status change.
func (m *Monitor) check(ctx context.Context, t *tracked) {
	client, err := m.registry.Client(t.key.Chain, t.key.Network)
	if err != nil {
		m.logger.Warn("No client for tracked transaction", "tx", t.hash, "chain", t.key.Chain, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	t.mu.Lock()
	t.lastChecked = time.Now()
	t.mu.Unlock()

	receipt, err := client.TransactionReceipt(ctx, t.hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			m.noteCheckError(ctx, t, err)
			return
		}
		m.checkUnmined(ctx, t, client)
		return
	}

	if receipt.Status == 0 {
		m.finalize(ctx, t, types.SentFailed, receipt.BlockNumber.Uint64(), receipt.GasUsed, "transaction reverted on chain")
		return
	}

	t.mu.Lock()
	t.minedBlock = receipt.BlockNumber.Uint64()
	t.checkRetries = 0
	t.mu.Unlock()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		m.noteCheckError(ctx, t, err)
		return
	}
	m.applyConfirmations(ctx, t, head, receipt.GasUsed)
}

// checkAgainstHead is the cheap new-head path: when the mined block is
// already known only the confirmation arithmetic runs; otherwise it falls
// through to the full check.
func (m *Monitor) checkAgainstHead(ctx context.Context, t *tracked, head uint64) {
	t.mu.Lock()
	mined := t.minedBlock
	t.mu.Unlock()
	if mined == 0 {
		m.check(ctx, t)
		return
	}
	m.applyConfirmations(ctx, t, head, 0)
}

// applyConfirmations promotes a mined transaction to CONFIRMING or, once the
// chain's requirement is met, to CONFIRMED.
func (m *Monitor) applyConfirmations(ctx context.Context, t *tracked, head, gasUsed uint64) {
	cfg, err := m.registry.Config(t.key.Chain, t.key.Network)
	if err != nil {
		return
	}
	t.mu.Lock()
	mined := t.minedBlock
	t.mu.Unlock()
	if mined == 0 || head < mined {
		return
	}
	if head-mined >= cfg.RequiredConfirmations {
		m.finalize(ctx, t, types.SentConfirmed, mined, gasUsed, "")
		return
	}
	m.transition(ctx, t, types.SentConfirming, mined, gasUsed)
}

// checkUnmined handles the no-receipt path: the transaction is either still
// in the mempool or has been dropped. Repeated complete absence past the
// retry budget or the drop age counts as dropped.
func (m *Monitor) checkUnmined(ctx context.Context, t *tracked, client chains.Client) {
	_, pending, err := client.TransactionByHash(ctx, t.hash)
	if err == nil {
		if pending {
			// Still in the mempool; nothing to record.
			t.mu.Lock()
			t.checkRetries = 0
			t.mu.Unlock()
			return
		}
		// Mined per the node but no receipt yet; the next check resolves it.
		return
	}
	if !errors.Is(err, ethereum.NotFound) {
		m.noteCheckError(ctx, t, err)
		return
	}

	// Unknown to the node entirely.
	t.mu.Lock()
	t.checkRetries++
	retries := t.checkRetries
	age := t.age(time.Now())
	t.mu.Unlock()

	if retries >= m.cfg.Monitor.MaxCheckRetries || age >= m.cfg.Monitor.MempoolDropAge {
		droppedMeter.Mark(1)
		m.logger.Warn("Transaction dropped from mempool", "tx", t.hash, "ref", t.ref, "age", age, "retries", retries)
		m.routeToRecovery(ctx, t, "transaction dropped from mempool")
		m.finalize(ctx, t, types.SentCanceled, 0, 0, "dropped from mempool")
	}
}

// transition records a non-terminal status change; repeated identical states
// write nothing.
func (m *Monitor) transition(ctx context.Context, t *tracked, status types.SentStatus, blockNumber, gasUsed uint64) {
	t.mu.Lock()
	changed := t.status != status
	t.status = status
	t.mu.Unlock()
	if !changed {
		return
	}
	if err := m.store.UpdateSentTransaction(ctx, t.hash.Hex(), status, blockNumber, gasUsed); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("Failed to persist transaction status", "tx", t.hash, "err", err)
	}
	if status == types.SentConfirming {
		m.updateRefs(ctx, t, types.StatusConfirming, types.BatchBroadcasted, "")
	}
	m.logger.Debug("Transaction status changed", "tx", t.hash, "ref", t.ref, "status", status)
}

// finalize records a terminal state and removes the transaction from the
// active set.
func (m *Monitor) finalize(ctx context.Context, t *tracked, status types.SentStatus, blockNumber, gasUsed uint64, reason string) {
	if err := m.store.UpdateSentTransaction(ctx, t.hash.Hex(), status, blockNumber, gasUsed); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("Failed to persist transaction status", "tx", t.hash, "err", err)
	}
	switch status {
	case types.SentConfirmed:
		confirmedMeter.Mark(1)
		m.updateRefs(ctx, t, types.StatusConfirmed, types.BatchConfirmed, "")
		m.logger.Info("Transaction confirmed", "tx", t.hash, "ref", t.ref, "block", blockNumber)
	case types.SentFailed:
		failedMeter.Mark(1)
		m.updateRefs(ctx, t, types.StatusFailed, types.BatchFailed, reason)
		m.logger.Warn("Transaction failed", "tx", t.hash, "ref", t.ref, "block", blockNumber, "reason", reason)
	case types.SentCanceled:
		m.updateRefs(ctx, t, types.StatusFailed, types.BatchFailed, reason)
	}
	m.remove(t)
}

func (m *Monitor) updateRefs(ctx context.Context, t *tracked, reqStatus types.RequestStatus, batchStatus types.BatchStatus, reason string) {
	if t.kind == types.KindBatch {
		// A failed batch dissolves: members go back to PENDING with their
		// batch reference cleared so the signer can pick them up again.
		if reqStatus == types.StatusFailed {
			if err := m.store.DissolveBatch(ctx, t.ref, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
				m.logger.Error("Failed to dissolve batch", "batch", t.ref, "err", err)
			}
			return
		}
		if err := m.store.UpdateBatchStatus(ctx, t.ref, batchStatus, t.hash.Hex()); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("Failed to update batch status", "batch", t.ref, "err", err)
		}
		if _, err := m.store.SetBatchMembersStatus(ctx, t.ref, reqStatus); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("Failed to update batch members", "batch", t.ref, "err", err)
		}
		return
	}
	if err := m.store.UpdateRequestStatus(ctx, t.ref, reqStatus, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("Failed to update request status", "request", t.ref, "err", err)
	}
}

// noteCheckError counts transient RPC failures; past the retry budget the
// transaction stops being checked by this instance and is handed to the
// recovery engine.
func (m *Monitor) noteCheckError(ctx context.Context, t *tracked, cause error) {
	t.mu.Lock()
	t.checkRetries++
	retries := t.checkRetries
	t.mu.Unlock()
	m.logger.Warn("Transaction check failed", "tx", t.hash, "ref", t.ref, "retries", retries, "err", cause)
	if retries >= m.cfg.Monitor.MaxCheckRetries {
		m.routeToRecovery(ctx, t, cause.Error())
		m.finalize(ctx, t, types.SentCanceled, 0, 0, cause.Error())
	}
}

// routeToRecovery sends the original signed transaction to the signed-tx DLQ
// so the recovery engine can decide how to replace it.
func (m *Monitor) routeToRecovery(ctx context.Context, t *tracked, reason string) {
	signed, err := m.store.GetSignedTx(ctx, t.hash.Hex())
	if err != nil {
		m.logger.Error("No signed row for recovery routing", "tx", t.hash, "err", err)
		return
	}
	body, err := types.EncodeJSON(signed)
	if err != nil {
		m.logger.Error("Failed to encode signed tx", "tx", t.hash, "err", err)
		return
	}
	if err := m.bus.SendToDLQ(ctx, m.cfg.Queues.SignedDLQ, body, reason, 0); err != nil {
		m.logger.Error("Failed to route to recovery", "tx", t.hash, "err", err)
	}
}
