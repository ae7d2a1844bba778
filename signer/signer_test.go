package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcpay/withdrawd/types"
)

// Well-known throwaway key, never funded.
const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func testSigner(t *testing.T) *TxSigner {
	s, err := NewTxSigner(testKeyHex)
	require.NoError(t, err)
	return s
}

func TestNewTxSignerAcceptsPrefix(t *testing.T) {
	a, err := NewTxSigner(testKeyHex)
	require.NoError(t, err)
	b, err := NewTxSigner("0x" + testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), b.Address())

	_, err = NewTxSigner("not-a-key")
	assert.Error(t, err)
}

func TestSignRecoversSender(t *testing.T) {
	s := testSigner(t)
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")

	tx, err := s.Sign(1, 7, &to, big.NewInt(1000), nil, 21000, big.NewInt(2), big.NewInt(100))
	require.NoError(t, err)

	sender, err := gtypes.Sender(gtypes.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint8(gtypes.DynamicFeeTxType), tx.Type())
}

func TestRecordRoundtrip(t *testing.T) {
	s := testSigner(t)
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")
	tx, err := s.Sign(1, 3, &to, big.NewInt(500), []byte{0xca, 0xfe}, 60000, big.NewInt(2), big.NewInt(100))
	require.NoError(t, err)

	rec, err := Record(tx, types.KindSingle, "req-1", s.Address(), "ethereum", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), rec.TxHash)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Empty(t, rec.BatchID)
	assert.Equal(t, uint64(3), rec.Nonce)
	assert.Equal(t, uint64(60000), rec.GasLimit)
	assert.Equal(t, "100", rec.MaxFeePerGas)
	assert.Equal(t, uint64(1), rec.ChainID)

	// The raw encoding must decode back to the same transaction.
	raw, err := hexutil.Decode(rec.RawTransaction)
	require.NoError(t, err)
	var decoded gtypes.Transaction
	require.NoError(t, decoded.UnmarshalBinary(raw))
	assert.Equal(t, tx.Hash(), decoded.Hash())
}

func TestBumpFees(t *testing.T) {
	tip, feeCap := BumpFees(big.NewInt(100), big.NewInt(1000), 50)
	assert.Equal(t, int64(150), tip.Int64())
	assert.Equal(t, int64(1500), feeCap.Int64())

	// Tiny values still strictly increase.
	tip, feeCap = BumpFees(big.NewInt(1), big.NewInt(1), 50)
	assert.Greater(t, tip.Int64(), int64(1))
	assert.Greater(t, feeCap.Int64(), int64(1))
}

func TestResignKeepsNonceAndBumps(t *testing.T) {
	s := testSigner(t)
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")
	tx, err := s.Sign(1, 9, &to, big.NewInt(500), nil, 21000, big.NewInt(100), big.NewInt(1000))
	require.NoError(t, err)
	rec, err := Record(tx, types.KindSingle, "req-1", s.Address(), "ethereum", "mainnet")
	require.NoError(t, err)

	bumped, err := s.Resign(rec, 50)
	require.NoError(t, err)
	assert.Equal(t, rec.Nonce, bumped.Nonce)
	assert.Equal(t, rec.RequestID, bumped.RequestID)
	assert.NotEqual(t, rec.TxHash, bumped.TxHash)
	assert.Equal(t, "150", bumped.MaxPriorityFee)
	assert.Equal(t, "1500", bumped.MaxFeePerGas)
}
