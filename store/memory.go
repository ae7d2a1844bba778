package store

import (
	"context"
	"sync"
	"time"

	"github.com/arcpay/withdrawd/types"
)

// Memory is an in-process Store used by tests and single-node development
// runs. A single mutex serializes every operation, which makes the guarded
// multi-row updates trivially atomic.
type Memory struct {
	mu       sync.Mutex
	requests map[string]*types.WithdrawalRequest
	batches  map[string]*types.BatchTransaction
	signed   map[string]*types.SignedTx
	sent     map[string]*types.SentTransaction
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]*types.WithdrawalRequest),
		batches:  make(map[string]*types.BatchTransaction),
		signed:   make(map[string]*types.SignedTx),
		sent:     make(map[string]*types.SentTransaction),
	}
}

func (m *Memory) CreateRequest(_ context.Context, req *types.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.requests[cp.RequestID] = &cp
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*types.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *Memory) ClaimRequest(_ context.Context, id, instanceID string) (ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return NotOurs, ErrNotFound
	}
	if req.ProcessingInstanceID == instanceID && req.ProcessingInstanceID != "" {
		return AlreadyOwned, nil
	}
	if req.Status != types.StatusPending || req.ProcessingInstanceID != "" {
		return NotOurs, nil
	}
	req.Status = types.StatusValidating
	req.ProcessingInstanceID = instanceID
	req.UpdatedAt = time.Now()
	return Claimed, nil
}

func (m *Memory) MarkRequestSigning(_ context.Context, id, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != types.StatusValidating || req.ProcessingInstanceID != instanceID {
		return ErrConflict
	}
	req.Status = types.StatusSigning
	req.ProcessingMode = types.ModeSingle
	req.TryCount++
	req.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpdateRequestStatus(_ context.Context, id string, status types.RequestStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = status
	if reason != "" {
		req.Error = reason
	}
	req.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ReleaseRequest(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = types.StatusPending
	req.ProcessingInstanceID = ""
	req.BatchID = ""
	if reason != "" {
		req.Error = reason
	}
	req.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) FormBatch(_ context.Context, batch *types.BatchTransaction, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Check every member before touching anything.
	for _, id := range batch.MemberRequestIDs {
		req, ok := m.requests[id]
		if !ok {
			return ErrNotFound
		}
		if req.Status != types.StatusValidating || req.ProcessingInstanceID != instanceID {
			return ErrConflict
		}
	}
	now := time.Now()
	cp := *batch
	cp.Status = types.BatchPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.batches[cp.BatchID] = &cp
	for _, id := range batch.MemberRequestIDs {
		req := m.requests[id]
		req.Status = types.StatusSigning
		req.ProcessingMode = types.ModeBatch
		req.BatchID = batch.BatchID
		req.TryCount++
		req.UpdatedAt = now
	}
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*types.BatchTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (m *Memory) UpdateBatchStatus(_ context.Context, id string, status types.BatchStatus, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.Status = status
	if txHash != "" {
		batch.TxHash = txHash
	}
	batch.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetBatchMembersStatus(_ context.Context, batchID string, status types.RequestStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return 0, ErrNotFound
	}
	n := 0
	now := time.Now()
	for _, id := range batch.MemberRequestIDs {
		req, ok := m.requests[id]
		if !ok || req.BatchID != batchID {
			continue
		}
		req.Status = status
		req.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) DissolveBatch(_ context.Context, batchID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	batch.Status = types.BatchFailed
	batch.Error = reason
	batch.UpdatedAt = now
	for _, id := range batch.MemberRequestIDs {
		req, ok := m.requests[id]
		if !ok || req.BatchID != batchID {
			continue
		}
		req.Status = types.StatusPending
		req.ProcessingInstanceID = ""
		req.BatchID = ""
		req.ProcessingMode = ""
		req.UpdatedAt = now
	}
	return nil
}

func (m *Memory) SaveSignedTx(_ context.Context, tx *types.SignedTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.signed[cp.TxHash] = &cp
	return nil
}

func (m *Memory) GetSignedTx(_ context.Context, txHash string) (*types.SignedTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.signed[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *Memory) SaveSentTransaction(_ context.Context, tx *types.SentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	if cp.SubmittedAt.IsZero() {
		cp.SubmittedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	m.sent[cp.TxHash] = &cp
	return nil
}

func (m *Memory) GetSentTransaction(_ context.Context, txHash string) (*types.SentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.sent[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *Memory) UpdateSentTransaction(_ context.Context, txHash string, status types.SentStatus, blockNumber, gasUsed uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.sent[txHash]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	if blockNumber != 0 {
		tx.BlockNumber = blockNumber
	}
	if gasUsed != 0 {
		tx.GasUsed = gasUsed
	}
	tx.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Close() error { return nil }
