package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"

	"github.com/arcpay/withdrawd/types"
)

// Key prefixes, one namespace per row type.
const (
	prefixRequest = "req:"
	prefixBatch   = "batch:"
	prefixSigned  = "signed:"
	prefixSent    = "sent:"
)

// LevelDB is the durable Store used by production instances. Rows are JSON
// under prefixed keys; a process-wide mutex serializes writers so that the
// read-modify-write guards behave like transactions, and multi-row updates
// are committed through a single leveldb batch.
type LevelDB struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger log.Logger
}

// OpenLevelDB opens (or creates) the store database under dir.
func OpenLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dir, err)
	}
	return &LevelDB{db: db, logger: log.New("service", "store")}, nil
}

func (s *LevelDB) get(key string, v any) error {
	raw, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *LevelDB) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func batchPut(b *leveldb.Batch, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	b.Put([]byte(key), raw)
	return nil
}

func (s *LevelDB) CreateRequest(_ context.Context, req *types.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	return s.put(prefixRequest+cp.RequestID, &cp)
}

func (s *LevelDB) GetRequest(_ context.Context, id string) (*types.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req types.WithdrawalRequest
	if err := s.get(prefixRequest+id, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *LevelDB) ClaimRequest(_ context.Context, id, instanceID string) (ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req types.WithdrawalRequest
	if err := s.get(prefixRequest+id, &req); err != nil {
		return NotOurs, err
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
	if err := s.put(prefixRequest+id, &req); err != nil {
		return NotOurs, err
	}
	return Claimed, nil
}

func (s *LevelDB) MarkRequestSigning(_ context.Context, id, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req types.WithdrawalRequest
	if err := s.get(prefixRequest+id, &req); err != nil {
		return err
	}
	if req.Status != types.StatusValidating || req.ProcessingInstanceID != instanceID {
		return ErrConflict
	}
	req.Status = types.StatusSigning
	req.ProcessingMode = types.ModeSingle
	req.TryCount++
	req.UpdatedAt = time.Now()
	return s.put(prefixRequest+id, &req)
}

func (s *LevelDB) UpdateRequestStatus(_ context.Context, id string, status types.RequestStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req types.WithdrawalRequest
	if err := s.get(prefixRequest+id, &req); err != nil {
		return err
	}
	req.Status = status
	if reason != "" {
		req.Error = reason
	}
	req.UpdatedAt = time.Now()
	return s.put(prefixRequest+id, &req)
}

func (s *LevelDB) ReleaseRequest(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req types.WithdrawalRequest
	if err := s.get(prefixRequest+id, &req); err != nil {
		return err
	}
	req.Status = types.StatusPending
	req.ProcessingInstanceID = ""
	req.BatchID = ""
	if reason != "" {
		req.Error = reason
	}
	req.UpdatedAt = time.Now()
	return s.put(prefixRequest+id, &req)
}

func (s *LevelDB) FormBatch(_ context.Context, batch *types.BatchTransaction, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]*types.WithdrawalRequest, 0, len(batch.MemberRequestIDs))
	for _, id := range batch.MemberRequestIDs {
		var req types.WithdrawalRequest
		if err := s.get(prefixRequest+id, &req); err != nil {
			return err
		}
		if req.Status != types.StatusValidating || req.ProcessingInstanceID != instanceID {
			return ErrConflict
		}
		members = append(members, &req)
	}

	now := time.Now()
	cp := *batch
	cp.Status = types.BatchPending
	cp.CreatedAt = now
	cp.UpdatedAt = now

	wb := new(leveldb.Batch)
	if err := batchPut(wb, prefixBatch+cp.BatchID, &cp); err != nil {
		return err
	}
	for _, req := range members {
		req.Status = types.StatusSigning
		req.ProcessingMode = types.ModeBatch
		req.BatchID = batch.BatchID
		req.TryCount++
		req.UpdatedAt = now
		if err := batchPut(wb, prefixRequest+req.RequestID, req); err != nil {
			return err
		}
	}
	if err := s.db.Write(wb, nil); err != nil {
		return fmt.Errorf("commit batch %s: %w", cp.BatchID, err)
	}
	return nil
}

func (s *LevelDB) GetBatch(_ context.Context, id string) (*types.BatchTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch types.BatchTransaction
	if err := s.get(prefixBatch+id, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *LevelDB) UpdateBatchStatus(_ context.Context, id string, status types.BatchStatus, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch types.BatchTransaction
	if err := s.get(prefixBatch+id, &batch); err != nil {
		return err
	}
	batch.Status = status
	if txHash != "" {
		batch.TxHash = txHash
	}
	batch.UpdatedAt = time.Now()
	return s.put(prefixBatch+id, &batch)
}

func (s *LevelDB) SetBatchMembersStatus(_ context.Context, batchID string, status types.RequestStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch types.BatchTransaction
	if err := s.get(prefixBatch+batchID, &batch); err != nil {
		return 0, err
	}
	now := time.Now()
	wb := new(leveldb.Batch)
	n := 0
	for _, id := range batch.MemberRequestIDs {
		var req types.WithdrawalRequest
		if err := s.get(prefixRequest+id, &req); err != nil || req.BatchID != batchID {
			continue
		}
		req.Status = status
		req.UpdatedAt = now
		if err := batchPut(wb, prefixRequest+id, &req); err != nil {
			return 0, err
		}
		n++
	}
	if err := s.db.Write(wb, nil); err != nil {
		return 0, fmt.Errorf("commit member update %s: %w", batchID, err)
	}
	return n, nil
}

func (s *LevelDB) DissolveBatch(_ context.Context, batchID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch types.BatchTransaction
	if err := s.get(prefixBatch+batchID, &batch); err != nil {
		return err
	}
	now := time.Now()
	batch.Status = types.BatchFailed
	batch.Error = reason
	batch.UpdatedAt = now

	wb := new(leveldb.Batch)
	if err := batchPut(wb, prefixBatch+batchID, &batch); err != nil {
		return err
	}
	for _, id := range batch.MemberRequestIDs {
		var req types.WithdrawalRequest
		if err := s.get(prefixRequest+id, &req); err != nil || req.BatchID != batchID {
			continue
		}
		req.Status = types.StatusPending
		req.ProcessingInstanceID = ""
		req.BatchID = ""
		req.ProcessingMode = ""
		req.UpdatedAt = now
		if err := batchPut(wb, prefixRequest+id, &req); err != nil {
			return err
		}
	}
	if err := s.db.Write(wb, nil); err != nil {
		return fmt.Errorf("commit dissolve %s: %w", batchID, err)
	}
	s.logger.Warn("Batch dissolved", "batch", batchID, "members", len(batch.MemberRequestIDs), "reason", reason)
	return nil
}

func (s *LevelDB) SaveSignedTx(_ context.Context, tx *types.SignedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(prefixSigned+tx.TxHash, tx)
}

func (s *LevelDB) GetSignedTx(_ context.Context, txHash string) (*types.SignedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tx types.SignedTx
	if err := s.get(prefixSigned+txHash, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *LevelDB) SaveSentTransaction(_ context.Context, tx *types.SentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	if cp.SubmittedAt.IsZero() {
		cp.SubmittedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	return s.put(prefixSent+cp.TxHash, &cp)
}

func (s *LevelDB) GetSentTransaction(_ context.Context, txHash string) (*types.SentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tx types.SentTransaction
	if err := s.get(prefixSent+txHash, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *LevelDB) UpdateSentTransaction(_ context.Context, txHash string, status types.SentStatus, blockNumber, gasUsed uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tx types.SentTransaction
	if err := s.get(prefixSent+txHash, &tx); err != nil {
		return err
	}
	tx.Status = status
	if blockNumber != 0 {
		tx.BlockNumber = blockNumber
	}
	if gasUsed != 0 {
		tx.GasUsed = gasUsed
	}
	tx.UpdatedAt = time.Now()
	return s.put(prefixSent+txHash, &tx)
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}
