package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/arcpay/withdrawd/config"
	"github.com/arcpay/withdrawd/types"
)

// Recovery actions reported in results and logs.
const (
	ActionRequeued         = "REQUEUED"
	ActionResigned         = "RESIGNED"
	ActionDummyTxSent      = "DUMMY_TX_SENT"
	ActionAlreadyProcessed = "NONCE_ALREADY_PROCESSED"
	ActionDummyTxDisabled  = "DUMMY_TX_DISABLED"
	ActionNonceGapTooLarge = "NONCE_GAP_TOO_LARGE"
	ActionRetryScheduled   = "RETRY_SCHEDULED"
	ActionUnrecoverable    = "UNRECOVERABLE"
)

// Result is the outcome of one recovery attempt.
type Result struct {
	Success     bool
	Action      string
	ShouldRetry bool
	RetryAfter  time.Duration
	Reason      string
}

// Strategy handles one failure class. CanRecover gates dispatch; the first
// strategy accepting an item handles it.
type Strategy interface {
	CanRecover(it *Item) bool
	Recover(ctx context.Context, it *Item) Result
	// MaxRetries bounds how often the engine re-attempts this strategy on the
	// same item before giving up.
	MaxRetries() int
}

// requeueFunc puts a payload back onto its forward queue.
type requeueFunc func(ctx context.Context, it *Item) error

// resignFunc replaces a signed transaction with a fee-bumped one and
// publishes it.
type resignFunc func(ctx context.Context, signed *types.SignedTx) error

// dummyFunc fills the nonce range [from, to) with zero-value self-transfers.
type dummyFunc func(ctx context.Context, signed *types.SignedTx, from, to uint64) error

func backoff(initial time.Duration, attempts int) time.Duration {
	d := initial
	for i := 0; i < attempts; i++ {
		d *= 2
		if d > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

// NetworkStrategy requeues items that failed on transport: the original
// operation is sound, the environment was not.
type NetworkStrategy struct {
	cfg     config.RecoveryConfig
	requeue requeueFunc
}

func NewNetworkStrategy(cfg config.RecoveryConfig, requeue requeueFunc) *NetworkStrategy {
	return &NetworkStrategy{cfg: cfg, requeue: requeue}
}

func (s *NetworkStrategy) CanRecover(it *Item) bool {
	return it.Class.Type == ErrNetwork || it.Class.Type == ErrTimeout
}

func (s *NetworkStrategy) Recover(ctx context.Context, it *Item) Result {
	if err := s.requeue(ctx, it); err != nil {
		return Result{
			ShouldRetry: true,
			Action:      ActionRetryScheduled,
			RetryAfter:  backoff(s.cfg.InitialDelay, it.Attempts),
			Reason:      err.Error(),
		}
	}
	return Result{Success: true, Action: ActionRequeued}
}

func (s *NetworkStrategy) MaxRetries() int { return s.cfg.MaxAttempts }

// NonceLowStrategy resolves nonce-too-low failures. The nonce was consumed on
// chain, so the transaction this message carries can never land; either our
// own replacement already made it or the monitor settles the original. The
// message itself is done.
type NonceLowStrategy struct{}

func NewNonceLowStrategy() *NonceLowStrategy { return &NonceLowStrategy{} }

func (s *NonceLowStrategy) CanRecover(it *Item) bool {
	return it.Class.Type == ErrNonce && it.Class.Nonce == NonceTooLow && it.Signed != nil
}

func (s *NonceLowStrategy) Recover(_ context.Context, it *Item) Result {
	return Result{Success: true, Action: ActionAlreadyProcessed,
		Reason: fmt.Sprintf("nonce %d already consumed on chain", it.Signed.Nonce)}
}

func (s *NonceLowStrategy) MaxRetries() int { return 1 }

// NonceHighStrategy plugs nonce gaps: when the chain expects a lower nonce
// than the stuck transaction carries, zero-value self-transfers fill the
// range so the original becomes includable again.
type NonceHighStrategy struct {
	cfg     config.RecoveryConfig
	dummies dummyFunc
	requeue requeueFunc
}

func NewNonceHighStrategy(cfg config.RecoveryConfig, dummies dummyFunc, requeue requeueFunc) *NonceHighStrategy {
	return &NonceHighStrategy{cfg: cfg, dummies: dummies, requeue: requeue}
}

func (s *NonceHighStrategy) CanRecover(it *Item) bool {
	return it.Class.Type == ErrNonce && it.Class.Nonce == NonceTooHigh && it.Signed != nil
}

func (s *NonceHighStrategy) Recover(ctx context.Context, it *Item) Result {
	if !s.cfg.EnableDummyTx {
		return Result{Action: ActionDummyTxDisabled,
			Reason: "nonce gap detected but dummy transactions are disabled"}
	}
	from, to := it.Class.ExpectedNonce, it.Class.ActualNonce
	if !it.Class.HasNonces {
		// The node did not report the gap; use the signed nonce as the upper
		// bound and retry later if the chain state is still unclear.
		to = it.Signed.Nonce
		if to == 0 {
			return Result{ShouldRetry: true, Action: ActionRetryScheduled,
				RetryAfter: backoff(s.cfg.InitialDelay, it.Attempts),
				Reason:     "nonce gap bounds unknown"}
		}
	}
	if to <= from {
		return Result{Success: true, Action: ActionAlreadyProcessed, Reason: "nonce gap already closed"}
	}
	if to-from > s.cfg.MaxNonceGap {
		return Result{Action: ActionNonceGapTooLarge,
			Reason: fmt.Sprintf("nonce gap %d exceeds limit %d", to-from, s.cfg.MaxNonceGap)}
	}
	if err := s.dummies(ctx, it.Signed, from, to); err != nil {
		return Result{ShouldRetry: true, Action: ActionRetryScheduled,
			RetryAfter: backoff(s.cfg.InitialDelay, it.Attempts), Reason: err.Error()}
	}
	if err := s.requeue(ctx, it); err != nil {
		return Result{ShouldRetry: true, Action: ActionRetryScheduled,
			RetryAfter: backoff(s.cfg.InitialDelay, it.Attempts), Reason: err.Error()}
	}
	return Result{Success: true, Action: ActionDummyTxSent,
		Reason: fmt.Sprintf("filled nonces [%d, %d)", from, to)}
}

func (s *NonceHighStrategy) MaxRetries() int { return s.cfg.MaxAttempts }

// GasStrategy replaces underpriced transactions with a fee-bumped signature
// at the same nonce.
type GasStrategy struct {
	cfg    config.RecoveryConfig
	resign resignFunc
}

func NewGasStrategy(cfg config.RecoveryConfig, resign resignFunc) *GasStrategy {
	return &GasStrategy{cfg: cfg, resign: resign}
}

func (s *GasStrategy) CanRecover(it *Item) bool {
	return it.Class.Type == ErrGas && it.Signed != nil
}

func (s *GasStrategy) Recover(ctx context.Context, it *Item) Result {
	if err := s.resign(ctx, it.Signed); err != nil {
		return Result{ShouldRetry: true, Action: ActionRetryScheduled,
			RetryAfter: backoff(s.cfg.InitialDelay, it.Attempts), Reason: err.Error()}
	}
	return Result{Success: true, Action: ActionResigned,
		Reason: fmt.Sprintf("fees bumped %d%%", s.cfg.FeeBumpPercent)}
}

func (s *GasStrategy) MaxRetries() int { return s.cfg.MaxAttempts }

// UnknownStrategy handles unclassified failures cautiously: fewer attempts,
// doubled delays.
type UnknownStrategy struct {
	cfg     config.RecoveryConfig
	requeue requeueFunc
}

func NewUnknownStrategy(cfg config.RecoveryConfig, requeue requeueFunc) *UnknownStrategy {
	return &UnknownStrategy{cfg: cfg, requeue: requeue}
}

func (s *UnknownStrategy) CanRecover(it *Item) bool {
	return it.Class.Type == ErrUnknown
}

func (s *UnknownStrategy) Recover(ctx context.Context, it *Item) Result {
	if err := s.requeue(ctx, it); err != nil {
		return Result{ShouldRetry: true, Action: ActionRetryScheduled,
			RetryAfter: backoff(2*s.cfg.InitialDelay, it.Attempts), Reason: err.Error()}
	}
	return Result{Success: true, Action: ActionRequeued}
}

func (s *UnknownStrategy) MaxRetries() int {
	n := s.cfg.MaxAttempts / 2
	if n < 2 {
		n = 2
	}
	return n
}
