// Package types defines the entities that travel between the pipeline stages:
// withdrawal requests, signed transactions, batches and broadcast results.
// Everything here is serialized as JSON on the queues and persisted by the
// store, so fields carry explicit json tags.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a withdrawal request.
type RequestStatus string

const (
	StatusPending      RequestStatus = "PENDING"
	StatusValidating   RequestStatus = "VALIDATING"
	StatusSigning      RequestStatus = "SIGNING"
	StatusSigned       RequestStatus = "SIGNED"
	StatusBroadcasting RequestStatus = "BROADCASTING"
	StatusConfirming   RequestStatus = "CONFIRMING"
	StatusConfirmed    RequestStatus = "CONFIRMED"
	StatusFailed       RequestStatus = "FAILED"
)

// Terminal reports whether the status ends the request lifecycle.
func (s RequestStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// ProcessingMode records whether a request was signed on its own or as a
// member of a multicall batch.
type ProcessingMode string

const (
	ModeSingle ProcessingMode = "SINGLE"
	ModeBatch  ProcessingMode = "BATCH"
)

// WithdrawalRequest is the unit of work submitted to the pipeline. Amount is
// a decimal string in base units (or a token-decimal string, normalized by
// the batcher). An empty Token means a native-coin transfer.
type WithdrawalRequest struct {
	RequestID string `json:"requestId"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Token     string `json:"token,omitempty"`
	Chain     string `json:"chain"`
	Network   string `json:"network"`
	UserID    string `json:"userId,omitempty"`

	Status               RequestStatus  `json:"status"`
	TryCount             int            `json:"tryCount"`
	ProcessingInstanceID string         `json:"processingInstanceId,omitempty"`
	ProcessingMode       ProcessingMode `json:"processingMode,omitempty"`
	BatchID              string         `json:"batchId,omitempty"`
	Error                string         `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TxKind distinguishes single-transfer from aggregated transactions.
type TxKind string

const (
	KindSingle TxKind = "single"
	KindBatch  TxKind = "batch"
)

// SignedTx is the message emitted by the signing worker and consumed by the
// broadcaster. Exactly one of RequestID and BatchID is set, matching Kind.
type SignedTx struct {
	Kind      TxKind `json:"kind"`
	RequestID string `json:"requestId,omitempty"`
	BatchID   string `json:"batchId,omitempty"`

	TxHash         string `json:"txHash"`
	RawTransaction string `json:"rawTransaction"`
	Nonce          uint64 `json:"nonce"`
	GasLimit       uint64 `json:"gasLimit"`
	MaxFeePerGas   string `json:"maxFeePerGas"`
	MaxPriorityFee string `json:"maxPriorityFeePerGas"`

	From    string `json:"from"`
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
	Chain   string `json:"chain"`
	ChainID uint64 `json:"chainId"`
	Network string `json:"network"`
}

// Ref returns the request or batch id the transaction settles.
func (s *SignedTx) Ref() string {
	if s.Kind == KindBatch {
		return s.BatchID
	}
	return s.RequestID
}

// BatchStatus is the lifecycle state of a multicall batch.
type BatchStatus string

const (
	BatchPending     BatchStatus = "PENDING"
	BatchSigned      BatchStatus = "SIGNED"
	BatchBroadcasted BatchStatus = "BROADCASTED"
	BatchConfirmed   BatchStatus = "CONFIRMED"
	BatchFailed      BatchStatus = "FAILED"
)

// BatchTransaction groups several same-token withdrawal requests into one
// aggregate call. While the batch is live every member request carries its
// BatchID; dissolving the batch reverts members to PENDING.
type BatchTransaction struct {
	BatchID          string      `json:"batchId"`
	AggregatorAddr   string      `json:"aggregatorAddress"`
	MemberRequestIDs []string    `json:"memberRequestIds"`
	TotalAmount      string      `json:"totalAmount"`
	TokenFingerprint string      `json:"tokenFingerprint"`
	Chain            string      `json:"chain"`
	Network          string      `json:"network"`
	Status           BatchStatus `json:"status"`
	TxHash           string      `json:"txHash,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// TransactionType tags broadcast results with the shape of the settled tx.
type TransactionType string

const (
	TypeSingle TransactionType = "SINGLE"
	TypeBatch  TransactionType = "BATCH"
)

// BroadcastStatus is the outcome reported by the broadcaster.
type BroadcastStatus string

const (
	Broadcasted     BroadcastStatus = "broadcasted"
	BroadcastFailed BroadcastStatus = "failed"
)

// BroadcastMetadata carries auxiliary result fields, notably the request ids
// affected by a batch transaction.
type BroadcastMetadata struct {
	AffectedRequests []string `json:"affectedRequests,omitempty"`
}

// BroadcastResult is emitted to the broadcast queue after a submission
// attempt and admits the transaction into the monitor on success.
type BroadcastResult struct {
	ID              string          `json:"id"`
	TransactionType TransactionType `json:"transactionType"`
	WithdrawalID    string          `json:"withdrawalId,omitempty"`
	BatchID         string          `json:"batchId,omitempty"`
	UserID          string          `json:"userId,omitempty"`

	OriginalTxHash  string          `json:"originalTransactionHash"`
	BroadcastTxHash string          `json:"broadcastTransactionHash,omitempty"`
	Status          BroadcastStatus `json:"status"`
	Error           string          `json:"error,omitempty"`
	BroadcastedAt   time.Time       `json:"broadcastedAt,omitempty"`
	BlockNumber     uint64          `json:"blockNumber,omitempty"`
	GasUsed         uint64          `json:"gasUsed,omitempty"`

	Chain    string            `json:"chain"`
	Network  string            `json:"network"`
	Metadata BroadcastMetadata `json:"metadata"`
}

// SentStatus is the persisted state of a submitted transaction.
type SentStatus string

const (
	SentSubmitted  SentStatus = "SENT"
	SentConfirming SentStatus = "CONFIRMING"
	SentConfirmed  SentStatus = "CONFIRMED"
	SentFailed     SentStatus = "FAILED"
	SentCanceled   SentStatus = "CANCELED"
)

// SentTransaction is the persistent row for a broadcast transaction; the
// monitor updates it on every status change.
type SentTransaction struct {
	TxHash      string     `json:"txHash"`
	Kind        TxKind     `json:"kind"`
	RefID       string     `json:"refId"` // request or batch id
	Chain       string     `json:"chain"`
	Network     string     `json:"network"`
	Nonce       uint64     `json:"nonce"`
	Status      SentStatus `json:"status"`
	BlockNumber uint64     `json:"blockNumber,omitempty"`
	GasUsed     uint64     `json:"gasUsed,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Queue attribute names shared by producers and consumers.
const (
	AttrRetryCount      = "retryCount"
	AttrRecoveryAttempt = "recoveryAttempt"
	AttrError           = "error"
)

// DecodeJSON unmarshals a queue message body into v, wrapping the error with
// enough context to classify the message as malformed.
func DecodeJSON(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("malformed message body: %w", err)
	}
	return nil
}

// EncodeJSON is the inverse of DecodeJSON for queue producers.
func EncodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message body: %w", err)
	}
	return string(b), nil
}
