package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err       string
		typ       ErrorType
		retryable bool
	}{
		{"nonce too low: address 0xabc, tx: 25 state: 22", ErrNonce, true},
		{"nonce too high: address 0xabc, tx: 30 state: 22", ErrNonce, true},
		{"already known", ErrNonce, true},
		{"known transaction: 0xabc123", ErrNonce, true},
		{"insufficient funds for gas * price + value", ErrInsufficientFunds, false},
		{"transaction underpriced", ErrGas, true},
		{"max fee per gas less than block base fee", ErrGas, true},
		{"intrinsic gas too low", ErrGas, true},
		{"Post \"https://rpc.example\": dial tcp: connection refused", ErrNetwork, true},
		{"context deadline exceeded", ErrTimeout, true},
		{"invalid address checksum", ErrInvalidAddress, false},
		{"execution reverted: ERC20: transfer amount exceeds balance", ErrContract, false},
		{"something entirely new happened", ErrUnknown, true},
	}
	for _, tc := range cases {
		t.Run(tc.err, func(t *testing.T) {
			c := Classify(tc.err)
			assert.Equal(t, tc.typ, c.Type)
			assert.Equal(t, tc.retryable, c.Retryable)
		})
	}
}

func TestClassifyNonceKinds(t *testing.T) {
	c := Classify("nonce too low")
	assert.Equal(t, NonceTooLow, c.Nonce)

	c = Classify("nonce too high")
	assert.Equal(t, NonceTooHigh, c.Nonce)

	c = Classify("replacement transaction underpriced")
	assert.Equal(t, ErrNonce, c.Type)
	assert.Equal(t, NonceTooLow, c.Nonce)

	// A node that already holds the transaction means the send worked: the
	// low-nonce short circuit applies.
	c = Classify("already known")
	assert.Equal(t, ErrNonce, c.Type)
	assert.Equal(t, NonceTooLow, c.Nonce)

	c = Classify("known transaction: 0xabc123")
	assert.Equal(t, ErrNonce, c.Type)
	assert.Equal(t, NonceTooLow, c.Nonce)
}

func TestClassifyNonceExtraction(t *testing.T) {
	// Parity style.
	c := Classify("Transaction nonce is too low. Next nonce (22), tx nonce (19)")
	assert.True(t, c.HasNonces)
	assert.Equal(t, uint64(22), c.ExpectedNonce)
	assert.Equal(t, uint64(19), c.ActualNonce)

	// Geth style.
	c = Classify("nonce too high: address 0xabc, tx: 30 state: 22")
	assert.True(t, c.HasNonces)
	assert.Equal(t, uint64(22), c.ExpectedNonce)
	assert.Equal(t, uint64(30), c.ActualNonce)

	c = Classify("nonce too high")
	assert.False(t, c.HasNonces)
}
