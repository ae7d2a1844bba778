// Package recovery drains the dead-letter queues: it classifies failure
// messages, schedules them through a bounded priority queue and applies
// per-error-type recovery strategies, from plain requeueing to nonce-gap
// plugging and fee-bumped replacement.
package recovery

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorType is the coarse failure class a dead-lettered message falls into.
type ErrorType string

const (
	ErrNonce             ErrorType = "NONCE_ERROR"
	ErrInsufficientFunds ErrorType = "INSUFFICIENT_FUNDS"
	ErrGas               ErrorType = "GAS_ERROR"
	ErrNetwork           ErrorType = "NETWORK_ERROR"
	ErrTimeout           ErrorType = "TIMEOUT"
	ErrInvalidAddress    ErrorType = "INVALID_ADDRESS"
	ErrContract          ErrorType = "CONTRACT_ERROR"
	ErrUnknown           ErrorType = "UNKNOWN"
)

// NonceKind refines NONCE_ERROR.
type NonceKind int

const (
	NonceUnspecified NonceKind = iota
	NonceTooLow
	NonceTooHigh
)

// Classification is the result of inspecting an error string.
type Classification struct {
	Type      ErrorType
	Retryable bool

	// Nonce details, populated for Type == ErrNonce.
	Nonce         NonceKind
	ExpectedNonce uint64 // chain's next nonce
	ActualNonce   uint64 // the transaction's nonce
	HasNonces     bool
}

var (
	// Parity/OpenEthereum-style message carrying both nonce values, with or
	// without parentheses around them.
	nonceValuesRe = regexp.MustCompile(`next nonce \(?(\d+)\)?, tx nonce \(?(\d+)\)?`)
	// Geth-style "nonce too high: address 0x..., tx: 25 state: 22".
	gethNonceRe = regexp.MustCompile(`tx: (\d+)[,;]? state: (\d+)`)
)

var matchers = []struct {
	typ       ErrorType
	retryable bool
	patterns  []string
}{
	{ErrNonce, true, []string{"nonce too low", "nonce too high", "invalid nonce", "nonce is too low", "replacement transaction", "already known", "known transaction", "alreadyknown", "transaction already imported"}},
	{ErrInsufficientFunds, false, []string{"insufficient funds", "insufficient balance", "balance too low"}},
	{ErrGas, true, []string{"underpriced", "fee cap", "max fee per gas", "intrinsic gas", "out of gas", "gas limit", "gas required exceeds", "gas price below"}},
	{ErrTimeout, true, []string{"timeout", "timed out", "deadline exceeded", "context canceled"}},
	{ErrNetwork, true, []string{"connection refused", "connection reset", "broken pipe", "eof", "dial tcp", "no such host", "network is unreachable", "502", "503", "too many requests", "429", "retryable queue error"}},
	{ErrInvalidAddress, false, []string{"invalid address", "malformed recipient", "malformed address", "invalid checksum", "malformed token"}},
	{ErrContract, false, []string{"execution reverted", "revert", "invalid opcode", "always failing transaction"}},
}

// Classify maps an error string to its class, extracting nonce values when
// the node reported them. Unknown errors default to retryable.
func Classify(errText string) Classification {
	msg := strings.ToLower(errText)
	for _, m := range matchers {
		for _, p := range m.patterns {
			if strings.Contains(msg, p) {
				c := Classification{Type: m.typ, Retryable: m.retryable}
				if m.typ == ErrNonce {
					refineNonce(msg, &c)
				}
				return c
			}
		}
	}
	return Classification{Type: ErrUnknown, Retryable: true}
}

func refineNonce(msg string, c *Classification) {
	switch {
	case strings.Contains(msg, "too low") || strings.Contains(msg, "replacement") ||
		strings.Contains(msg, "known") || strings.Contains(msg, "already imported"):
		c.Nonce = NonceTooLow
	case strings.Contains(msg, "too high"):
		c.Nonce = NonceTooHigh
	}
	if m := nonceValuesRe.FindStringSubmatch(msg); m != nil {
		c.ExpectedNonce, _ = strconv.ParseUint(m[1], 10, 64)
		c.ActualNonce, _ = strconv.ParseUint(m[2], 10, 64)
		c.HasNonces = true
		return
	}
	if m := gethNonceRe.FindStringSubmatch(msg); m != nil {
		c.ActualNonce, _ = strconv.ParseUint(m[1], 10, 64)
		c.ExpectedNonce, _ = strconv.ParseUint(m[2], 10, 64)
		c.HasNonces = true
	}
}
