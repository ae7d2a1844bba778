// Package store persists the pipeline's request, batch and transaction rows
// and provides the atomic claim operations that serialize request ownership
// across parallel workers.
package store

import (
	"context"
	"errors"

	"github.com/arcpay/withdrawd/types"
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a guarded update whose precondition no longer held,
	// typically because another instance claimed the row first.
	ErrConflict = errors.New("store: conflicting update")
)

// ClaimOutcome is the result of an atomic claim attempt.
type ClaimOutcome int

const (
	// Claimed: the request was PENDING and unowned; it is now VALIDATING and
	// owned by the caller.
	Claimed ClaimOutcome = iota
	// AlreadyOwned: the caller already owns the request (redelivery).
	AlreadyOwned
	// NotOurs: another instance owns the request or it is past claiming.
	NotOurs
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyOwned:
		return "already-owned"
	default:
		return "not-ours"
	}
}

// Store is the persistence boundary of the pipeline. Every method that
// mutates multiple rows does so atomically; guarded methods fail with
// ErrConflict instead of partially applying.
type Store interface {
	// CreateRequest inserts a new withdrawal request.
	CreateRequest(ctx context.Context, req *types.WithdrawalRequest) error
	// GetRequest returns a copy of the request row.
	GetRequest(ctx context.Context, id string) (*types.WithdrawalRequest, error)

	// ClaimRequest performs the atomic claim: PENDING and unowned becomes
	// VALIDATING owned by instanceID. See ClaimOutcome.
	ClaimRequest(ctx context.Context, id, instanceID string) (ClaimOutcome, error)

	// MarkRequestSigning transitions VALIDATING -> SIGNING for a request the
	// instance still owns, incrementing tryCount and recording single-mode
	// processing. ErrConflict when ownership was lost.
	MarkRequestSigning(ctx context.Context, id, instanceID string) error

	// UpdateRequestStatus sets the status (and optional error reason) of a
	// request without an ownership guard; used for terminal transitions and
	// by the monitor.
	UpdateRequestStatus(ctx context.Context, id string, status types.RequestStatus, reason string) error

	// ReleaseRequest reverts a request to PENDING, clearing ownership and
	// recording the error; the queue redelivers it later.
	ReleaseRequest(ctx context.Context, id, reason string) error

	// FormBatch atomically re-checks that every member is VALIDATING and
	// owned by instanceID, then creates the batch row and moves all members
	// to SIGNING with tryCount incremented and BatchID set. If any member
	// fails the check nothing is written and ErrConflict is returned.
	FormBatch(ctx context.Context, batch *types.BatchTransaction, instanceID string) error

	// GetBatch returns a copy of the batch row.
	GetBatch(ctx context.Context, id string) (*types.BatchTransaction, error)

	// UpdateBatchStatus sets the batch status and optional tx hash.
	UpdateBatchStatus(ctx context.Context, id string, status types.BatchStatus, txHash string) error

	// SetBatchMembersStatus updates every member request of a batch to the
	// given status, returning the number updated.
	SetBatchMembersStatus(ctx context.Context, batchID string, status types.RequestStatus) (int, error)

	// DissolveBatch marks the batch FAILED with the reason and reverts every
	// member to PENDING with BatchID cleared and ownership released.
	DissolveBatch(ctx context.Context, batchID, reason string) error

	// SaveSignedTx persists an immutable signed-transaction row.
	SaveSignedTx(ctx context.Context, tx *types.SignedTx) error
	// GetSignedTx returns the signed-transaction row by hash.
	GetSignedTx(ctx context.Context, txHash string) (*types.SignedTx, error)

	// SaveSentTransaction persists the broadcast row.
	SaveSentTransaction(ctx context.Context, tx *types.SentTransaction) error
	// GetSentTransaction returns a copy of the broadcast row.
	GetSentTransaction(ctx context.Context, txHash string) (*types.SentTransaction, error)
	// UpdateSentTransaction records a monitor status change.
	UpdateSentTransaction(ctx context.Context, txHash string, status types.SentStatus, blockNumber, gasUsed uint64) error

	Close() error
}
