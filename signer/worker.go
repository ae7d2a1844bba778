package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/config"
	"github.com/arcpay/withdrawd/multicall"
	"github.com/arcpay/withdrawd/noncer"
	"github.com/arcpay/withdrawd/queue"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/tokens"
	"github.com/arcpay/withdrawd/types"
)

const (
	nativeTransferGas = 21_000

	// maxTryCount bounds how often a request cycles through signing before it
	// is dead-lettered.
	maxTryCount = 5

	receiveBackoff = time.Second
)

var (
	requestsMeter   = metrics.NewRegisteredMeter("withdraw/signer/requests", nil)
	signedMeter     = metrics.NewRegisteredMeter("withdraw/signer/signed", nil)
	batchesMeter    = metrics.NewRegisteredMeter("withdraw/signer/batches", nil)
	batchAbortMeter = metrics.NewRegisteredMeter("withdraw/signer/batchaborts", nil)
	failuresMeter   = metrics.NewRegisteredMeter("withdraw/signer/failures", nil)
	dlqMeter        = metrics.NewRegisteredMeter("withdraw/signer/dlq", nil)
)

// Worker is the signing stage. Multiple workers may run against the same
// queues across processes; the store's atomic claim keeps them from
// processing the same request twice.
type Worker struct {
	cfg      *config.Config
	bus      queue.Queue
	store    store.Store
	registry *chains.Registry
	nonces   *noncer.Cache
	tokens   *tokens.Directory
	gas      *multicall.Estimator
	signer   *TxSigner
	logger   log.Logger
}

// NewWorker wires a signing worker. The estimator is shared so learned gas
// observations survive across receive cycles.
func NewWorker(cfg *config.Config, bus queue.Queue, st store.Store, reg *chains.Registry, nonces *noncer.Cache, dir *tokens.Directory, signer *TxSigner) *Worker {
	return &Worker{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		registry: reg,
		nonces:   nonces,
		tokens:   dir,
		gas:      multicall.NewEstimator(),
		signer:   signer,
		logger:   log.New("service", "signer", "instance", cfg.InstanceID),
	}
}

// claimed pairs a queue message with its decoded, successfully claimed
// request for the rest of the cycle.
type claimed struct {
	msg queue.Message
	req *types.WithdrawalRequest
}

// Run consumes the request queue until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Signing worker started", "queue", w.cfg.Queues.RequestQueue)
	q := w.cfg.Queues
	for {
		msgs, err := w.bus.Receive(ctx, q.RequestQueue, q.ReceiveBatchSize, q.WaitTime, q.VisibilityTimeout)
		if ctx.Err() != nil {
			w.logger.Info("Signing worker stopped")
			return
		}
		if err != nil {
			w.logger.Warn("Receive failed", "err", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(msgs) > 0 {
			w.processCycle(ctx, msgs)
		}
	}
}

// processCycle claims the received requests, partitions them into batchable
// groups and singles, and signs everything claimed.
func (w *Worker) processCycle(ctx context.Context, msgs []queue.Message) {
	requestsMeter.Mark(int64(len(msgs)))

	var owned []claimed
	for _, msg := range msgs {
		if c, ok := w.admit(ctx, msg); ok {
			owned = append(owned, c)
		}
	}
	if len(owned) == 0 {
		return
	}

	groups, singles := w.partition(owned)
	for _, group := range groups {
		w.processGroup(ctx, group)
	}
	for _, c := range singles {
		w.signSingle(ctx, c)
	}
}

// admit decodes, validates and claims one message. Malformed payloads are
// dead-lettered; requests that fail validation are marked FAILED and their
// message deleted, since no retry or recovery can fix them.
func (w *Worker) admit(ctx context.Context, msg queue.Message) (claimed, bool) {
	q := w.cfg.Queues

	var req types.WithdrawalRequest
	if err := types.DecodeJSON(msg.Body, &req); err != nil {
		w.logger.Warn("Malformed request message", "id", msg.MessageID, "err", err)
		w.deadLetter(ctx, msg, err.Error())
		return claimed{}, false
	}
	if err := w.validate(&req); err != nil {
		w.logger.Warn("Invalid withdrawal request", "request", req.RequestID, "err", err)
		if uerr := w.store.UpdateRequestStatus(ctx, req.RequestID, types.StatusFailed, err.Error()); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
			w.logger.Error("Failed to mark request failed", "request", req.RequestID, "err", uerr)
		}
		failuresMeter.Mark(1)
		w.delete(ctx, q.RequestQueue, msg)
		return claimed{}, false
	}

	outcome, err := w.store.ClaimRequest(ctx, req.RequestID, w.cfg.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		// First sight of this request: create the row, then claim it.
		req.Status = types.StatusPending
		if err := w.store.CreateRequest(ctx, &req); err != nil {
			w.logger.Error("Failed to persist request", "request", req.RequestID, "err", err)
			return claimed{}, false
		}
		outcome, err = w.store.ClaimRequest(ctx, req.RequestID, w.cfg.InstanceID)
	}
	if err != nil {
		w.logger.Error("Claim failed", "request", req.RequestID, "err", err)
		return claimed{}, false
	}
	switch outcome {
	case store.NotOurs:
		// Another instance owns it; drop our copy of the message.
		w.delete(ctx, q.RequestQueue, msg)
		return claimed{}, false
	case store.AlreadyOwned:
		w.logger.Debug("Redelivered owned request", "request", req.RequestID)
	}

	row, err := w.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		w.logger.Error("Failed to load claimed request", "request", req.RequestID, "err", err)
		return claimed{}, false
	}
	if row.Status.Terminal() {
		w.delete(ctx, q.RequestQueue, msg)
		return claimed{}, false
	}
	return claimed{msg: msg, req: row}, true
}

// validate applies the request-level checks that no retry can fix.
func (w *Worker) validate(req *types.WithdrawalRequest) error {
	if req.RequestID == "" {
		return errors.New("missing request id")
	}
	if _, err := w.registry.Config(req.Chain, req.Network); err != nil {
		return err
	}
	if !common.IsHexAddress(req.To) {
		return fmt.Errorf("malformed recipient %q", req.To)
	}
	if req.Token != "" && !common.IsHexAddress(req.Token) {
		return fmt.Errorf("malformed token address %q", req.Token)
	}
	if _, err := multicall.NormalizeAmount(req.Amount, w.decimals(req)); err != nil {
		return err
	}
	return nil
}

func (w *Worker) decimals(req *types.WithdrawalRequest) uint8 {
	if req.Token == "" {
		return tokens.DefaultDecimals
	}
	return w.tokens.Decimals(req.Chain, req.Network, req.Token)
}

// groupKey buckets batch candidates: same deployment, same token.
type groupKey struct {
	chain   string
	network string
	token   string
}

// partition splits claimed requests into per-token batch candidate groups and
// the remainder. Native transfers and retried requests always go single.
func (w *Worker) partition(owned []claimed) (map[groupKey][]claimed, []claimed) {
	groups := make(map[groupKey][]claimed)
	var singles []claimed
	for _, c := range owned {
		if !w.cfg.Batch.Enabled || c.req.Token == "" || c.req.TryCount > 0 {
			singles = append(singles, c)
			continue
		}
		key := groupKey{chain: c.req.Chain, network: c.req.Network, token: c.req.Token}
		groups[key] = append(groups[key], c)
	}
	// Groups too small to batch fold back into singles.
	threshold := w.cfg.Batch.BatchThreshold
	if w.cfg.Batch.MinBatchSize > threshold {
		threshold = w.cfg.Batch.MinBatchSize
	}
	for key, group := range groups {
		if len(group) < threshold {
			singles = append(singles, group...)
			delete(groups, key)
		}
	}
	return groups, singles
}

// processGroup applies the gas-savings decision and signs the group as one or
// more batches, falling back to single processing when batching does not pay
// or batch formation is contested.
func (w *Worker) processGroup(ctx context.Context, group []claimed) {
	bc := w.cfg.Batch
	first := group[0].req

	savings := multicall.ProjectedSavingsPct(bc.SinglePerTxGas, bc.BaseBatchGas, bc.PerBatchTxGas, len(group))
	if savings < bc.MinGasSavingsPct {
		w.logger.Debug("Batching not worthwhile", "chain", first.Chain, "token", first.Token, "size", len(group), "savingsPct", savings)
		for _, c := range group {
			w.signSingle(ctx, c)
		}
		return
	}

	chainCfg, err := w.registry.Config(first.Chain, first.Network)
	if err != nil {
		w.logger.Error("Chain vanished mid-cycle", "chain", first.Chain, "network", first.Network, "err", err)
		return
	}

	inputs := make([]multicall.TransferInput, 0, len(group))
	byID := make(map[string]claimed, len(group))
	for _, c := range group {
		inputs = append(inputs, multicall.TransferInput{
			Token:         c.req.Token,
			To:            c.req.To,
			Amount:        c.req.Amount,
			TransactionID: c.req.RequestID,
		})
		byID[c.req.RequestID] = c
	}
	transfers, err := multicall.Prepare(inputs, w.tokens, first.Chain, first.Network)
	if err != nil {
		// Should not happen past admit(); degrade to singles.
		w.logger.Warn("Batch preparation failed", "chain", first.Chain, "token", first.Token, "err", err)
		for _, c := range group {
			w.signSingle(ctx, c)
		}
		return
	}

	perCall := w.gas.PerCallGas(first.Chain, transfers[0].Token, len(transfers))
	chunks := multicall.SplitBatches(transfers, perCall, chainCfg.BlockGasLimit, bc.GasSafetyMarginPC, bc.MaxBatchSize)
	for _, chunk := range chunks {
		members := make([]claimed, 0, len(chunk))
		for _, t := range chunk {
			members = append(members, byID[t.TransactionID])
		}
		if len(chunk) < bc.MinBatchSize {
			for _, c := range members {
				w.signSingle(ctx, c)
			}
			continue
		}
		w.signBatch(ctx, chainCfg, chunk, members)
	}
}

// signBatch forms, signs and enqueues one aggregate transaction. On a
// contested formation every member falls back to single processing; on a
// later failure the batch is dissolved and the messages are left for
// redelivery.
func (w *Worker) signBatch(ctx context.Context, chainCfg chains.Config, chunk []multicall.Transfer, members []claimed) {
	ids := make([]string, 0, len(members))
	for _, c := range members {
		ids = append(ids, c.req.RequestID)
	}
	batch := &types.BatchTransaction{
		BatchID:          uuid.NewString(),
		AggregatorAddr:   chainCfg.AggregatorAddr.Hex(),
		MemberRequestIDs: ids,
		TotalAmount:      multicall.TotalAmount(chunk).String(),
		TokenFingerprint: chunk[0].Fingerprint(),
		Chain:            chainCfg.Chain,
		Network:          chainCfg.Network,
	}

	if err := w.store.FormBatch(ctx, batch, w.cfg.InstanceID); err != nil {
		batchAbortMeter.Mark(1)
		w.logger.Warn("Batch formation contested, falling back to singles", "batch", batch.BatchID, "size", len(members), "err", err)
		for _, c := range members {
			w.signSingle(ctx, c)
		}
		return
	}

	signed, err := w.buildBatchTx(ctx, chainCfg, batch, chunk)
	if err != nil {
		failuresMeter.Mark(1)
		w.logger.Error("Batch signing failed", "batch", batch.BatchID, "err", err)
		if derr := w.store.DissolveBatch(ctx, batch.BatchID, err.Error()); derr != nil {
			w.logger.Error("Failed to dissolve batch", "batch", batch.BatchID, "err", derr)
		}
		// Messages stay invisible until the timeout; members are PENDING again.
		return
	}

	if err := w.publish(ctx, signed); err != nil {
		failuresMeter.Mark(1)
		w.logger.Error("Failed to enqueue signed batch", "batch", batch.BatchID, "err", err)
		if derr := w.store.DissolveBatch(ctx, batch.BatchID, err.Error()); derr != nil {
			w.logger.Error("Failed to dissolve batch", "batch", batch.BatchID, "err", derr)
		}
		return
	}

	if err := w.store.UpdateBatchStatus(ctx, batch.BatchID, types.BatchSigned, signed.TxHash); err != nil {
		w.logger.Error("Failed to record batch status", "batch", batch.BatchID, "err", err)
	}
	if _, err := w.store.SetBatchMembersStatus(ctx, batch.BatchID, types.StatusSigned); err != nil {
		w.logger.Error("Failed to record member status", "batch", batch.BatchID, "err", err)
	}
	for _, c := range members {
		w.delete(ctx, w.cfg.Queues.RequestQueue, c.msg)
	}
	batchesMeter.Mark(1)
	signedMeter.Mark(int64(len(members)))
	w.logger.Info("Batch signed", "batch", batch.BatchID, "size", len(members), "tx", signed.TxHash, "nonce", signed.Nonce)
}

// buildBatchTx encodes the aggregate call, allocates a nonce and signs.
func (w *Worker) buildBatchTx(ctx context.Context, chainCfg chains.Config, batch *types.BatchTransaction, chunk []multicall.Transfer) (*types.SignedTx, error) {
	client, err := w.registry.Client(chainCfg.Chain, chainCfg.Network)
	if err != nil {
		return nil, err
	}
	calls, err := multicall.BuildCalls(chunk, w.signer.Address(), false)
	if err != nil {
		return nil, err
	}
	calldata, err := multicall.EncodeAggregate(calls)
	if err != nil {
		return nil, err
	}
	gasLimit := w.gas.BatchGas(ctx, client, chainCfg.Chain, w.signer.Address(), chainCfg.AggregatorAddr, calldata, chunk[0].Token, len(chunk))
	tip, feeCap, err := SuggestFees(ctx, client)
	if err != nil {
		return nil, err
	}
	nonce, err := w.nextNonce(ctx, client, chainCfg)
	if err != nil {
		return nil, err
	}
	to := chainCfg.AggregatorAddr
	tx, err := w.signer.Sign(chainCfg.ChainID, nonce, &to, big.NewInt(0), calldata, gasLimit, tip, feeCap)
	if err != nil {
		return nil, err
	}
	return Record(tx, types.KindBatch, batch.BatchID, w.signer.Address(), chainCfg.Chain, chainCfg.Network)
}

// signSingle signs one request on its own. On a transient failure the request
// is released and the message left for redelivery; once the try budget is
// exhausted the request is dead-lettered.
func (w *Worker) signSingle(ctx context.Context, c claimed) {
	req := c.req
	if err := w.store.MarkRequestSigning(ctx, req.RequestID, w.cfg.InstanceID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			w.logger.Warn("Lost ownership before signing", "request", req.RequestID)
			w.delete(ctx, w.cfg.Queues.RequestQueue, c.msg)
			return
		}
		w.logger.Error("Failed to mark request signing", "request", req.RequestID, "err", err)
		return
	}

	signed, err := w.buildSingleTx(ctx, req)
	if err == nil {
		err = w.publish(ctx, signed)
	}
	if err != nil {
		failuresMeter.Mark(1)
		w.logger.Error("Single signing failed", "request", req.RequestID, "try", req.TryCount+1, "err", err)
		if req.TryCount+1 >= maxTryCount {
			if uerr := w.store.UpdateRequestStatus(ctx, req.RequestID, types.StatusFailed, err.Error()); uerr != nil {
				w.logger.Error("Failed to mark request failed", "request", req.RequestID, "err", uerr)
			}
			w.deadLetter(ctx, c.msg, err.Error())
			return
		}
		if rerr := w.store.ReleaseRequest(ctx, req.RequestID, err.Error()); rerr != nil {
			w.logger.Error("Failed to release request", "request", req.RequestID, "err", rerr)
		}
		// Leave the message; the visibility timeout brings it back.
		return
	}

	if err := w.store.UpdateRequestStatus(ctx, req.RequestID, types.StatusSigned, ""); err != nil {
		w.logger.Error("Failed to record request status", "request", req.RequestID, "err", err)
	}
	w.delete(ctx, w.cfg.Queues.RequestQueue, c.msg)
	signedMeter.Mark(1)
	w.logger.Info("Request signed", "request", req.RequestID, "tx", signed.TxHash, "nonce", signed.Nonce)
}

// buildSingleTx constructs either a native transfer or an erc20 transfer call.
func (w *Worker) buildSingleTx(ctx context.Context, req *types.WithdrawalRequest) (*types.SignedTx, error) {
	chainCfg, err := w.registry.Config(req.Chain, req.Network)
	if err != nil {
		return nil, err
	}
	client, err := w.registry.Client(req.Chain, req.Network)
	if err != nil {
		return nil, err
	}
	amount, err := multicall.NormalizeAmount(req.Amount, w.decimals(req))
	if err != nil {
		return nil, err
	}

	var (
		to       common.Address
		value    *big.Int
		data     []byte
		gasLimit uint64
	)
	if req.Token == "" {
		to = common.HexToAddress(req.To)
		value = amount
		gasLimit = nativeTransferGas
	} else {
		to = common.HexToAddress(req.Token)
		value = big.NewInt(0)
		if data, err = multicall.EncodeTransfer(common.HexToAddress(req.To), amount); err != nil {
			return nil, err
		}
		gasLimit = w.cfg.Batch.SinglePerTxGas
		msg := ethereum.CallMsg{From: w.signer.Address(), To: &to, Data: data}
		if est, eerr := client.EstimateGas(ctx, msg); eerr == nil {
			gasLimit = est * 115 / 100
		}
	}

	tip, feeCap, err := SuggestFees(ctx, client)
	if err != nil {
		return nil, err
	}
	nonce, err := w.nextNonce(ctx, client, chainCfg)
	if err != nil {
		return nil, err
	}
	tx, err := w.signer.Sign(chainCfg.ChainID, nonce, &to, value, data, gasLimit, tip, feeCap)
	if err != nil {
		return nil, err
	}
	return Record(tx, types.KindSingle, req.RequestID, w.signer.Address(), req.Chain, req.Network)
}

// nextNonce seeds the shared counter on first use, then allocates.
func (w *Worker) nextNonce(ctx context.Context, client chains.Client, chainCfg chains.Config) (uint64, error) {
	signer := noncer.Signer{
		Address: w.signer.Address().Hex(),
		Chain:   chainCfg.Chain,
		Network: chainCfg.Network,
	}
	pending, err := client.PendingNonceAt(ctx, w.signer.Address())
	if err != nil {
		return 0, fmt.Errorf("fetch pending nonce: %w", err)
	}
	if err := w.nonces.EnsureInitialized(ctx, signer, pending); err != nil {
		return 0, err
	}
	return w.nonces.Next(ctx, signer)
}

// publish stores the signed row and enqueues it for broadcast.
func (w *Worker) publish(ctx context.Context, signed *types.SignedTx) error {
	if err := w.store.SaveSignedTx(ctx, signed); err != nil {
		return fmt.Errorf("persist signed tx: %w", err)
	}
	body, err := types.EncodeJSON(signed)
	if err != nil {
		return err
	}
	if err := w.bus.Send(ctx, w.cfg.Queues.SignedQueue, body, nil); err != nil {
		return fmt.Errorf("enqueue signed tx: %w", err)
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg queue.Message, errText string) {
	dlqMeter.Mark(1)
	if err := w.bus.SendToDLQ(ctx, w.cfg.Queues.RequestDLQ, msg.Body, errText, msg.RetryCount()+1); err != nil {
		w.logger.Error("Failed to dead-letter message", "id", msg.MessageID, "err", err)
		return
	}
	w.delete(ctx, w.cfg.Queues.RequestQueue, msg)
}

func (w *Worker) delete(ctx context.Context, q string, msg queue.Message) {
	if err := w.bus.Delete(ctx, q, msg.ReceiptHandle); err != nil {
		w.logger.Warn("Failed to delete message", "id", msg.MessageID, "err", err)
	}
}
