// Package signer implements the signing worker: it claims withdrawal
// requests off the request queue, decides between single and batched
// processing, signs EIP-1559 transactions with the hot-wallet key and hands
// them to the broadcaster through the signed-transaction queue.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/types"
)

// TxSigner wraps the hot-wallet private key. It only ever signs; key material
// never leaves this struct.
type TxSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewTxSigner parses a hex-encoded private key, with or without 0x prefix.
func NewTxSigner(hexKey string) (*TxSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &TxSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the hot-wallet address derived from the key.
func (s *TxSigner) Address() common.Address { return s.addr }

// Sign produces a signed EIP-1559 transaction. A nil to is a contract
// creation, which the pipeline never emits.
func (s *TxSigner) Sign(chainID, nonce uint64, to *common.Address, value *big.Int, data []byte, gasLimit uint64, tip, feeCap *big.Int) (*gtypes.Transaction, error) {
	id := new(big.Int).SetUint64(chainID)
	inner := &gtypes.DynamicFeeTx{
		ChainID:   id,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	}
	tx, err := gtypes.SignNewTx(s.key, gtypes.LatestSignerForChainID(id), inner)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// SuggestFees returns (tip, feeCap) for a new transaction: the suggested
// priority fee plus twice the current base fee, so the transaction stays
// includable across several fee-raising blocks.
func SuggestFees(ctx context.Context, client chains.Client) (*big.Int, *big.Int, error) {
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch head: %w", err)
	}
	if head.BaseFee == nil {
		// Pre-1559 chain: fall back to the legacy gas price for both caps.
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("suggest gas price: %w", err)
		}
		return price, price, nil
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return tip, feeCap, nil
}

// BumpFees raises both fee caps by percent, used when replacing a stuck
// transaction. The result always exceeds the input even for tiny values.
func BumpFees(tip, feeCap *big.Int, percent int) (*big.Int, *big.Int) {
	bump := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, big.NewInt(int64(100+percent)))
		out.Div(out, big.NewInt(100))
		if out.Cmp(v) <= 0 {
			out = new(big.Int).Add(v, big.NewInt(1))
		}
		return out
	}
	return bump(tip), bump(feeCap)
}

// Record converts a signed transaction into the queue/store row. ref is the
// request or batch id matching kind.
func Record(tx *gtypes.Transaction, kind types.TxKind, ref string, from common.Address, chain, network string) (*types.SignedTx, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode raw transaction: %w", err)
	}
	to := ""
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	st := &types.SignedTx{
		Kind:           kind,
		TxHash:         tx.Hash().Hex(),
		RawTransaction: hexutil.Encode(raw),
		Nonce:          tx.Nonce(),
		GasLimit:       tx.Gas(),
		MaxFeePerGas:   tx.GasFeeCap().String(),
		MaxPriorityFee: tx.GasTipCap().String(),
		From:           from.Hex(),
		To:             to,
		Value:          tx.Value().String(),
		Data:           hexutil.Encode(tx.Data()),
		Chain:          chain,
		ChainID:        tx.ChainId().Uint64(),
		Network:        network,
	}
	if kind == types.KindBatch {
		st.BatchID = ref
	} else {
		st.RequestID = ref
	}
	return st, nil
}

// Resign rebuilds a previously signed transaction with fees bumped by
// percent, keeping nonce, destination, value, data and gas limit. The
// recovery engine uses this to replace underpriced transactions.
func (s *TxSigner) Resign(signed *types.SignedTx, percent int) (*types.SignedTx, error) {
	raw, err := hexutil.Decode(signed.RawTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}
	var old gtypes.Transaction
	if err := old.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", signed.TxHash, err)
	}
	tip, feeCap := BumpFees(old.GasTipCap(), old.GasFeeCap(), percent)
	tx, err := s.Sign(signed.ChainID, old.Nonce(), old.To(), old.Value(), old.Data(), old.Gas(), tip, feeCap)
	if err != nil {
		return nil, err
	}
	return Record(tx, signed.Kind, signed.Ref(), s.addr, signed.Chain, signed.Network)
}

// DummyTx signs a zero-value self-transfer at the given nonce, used by the
// recovery engine to plug nonce gaps.
func (s *TxSigner) DummyTx(ctx context.Context, client chains.Client, chainID, nonce uint64, chain, network string) (*types.SignedTx, error) {
	tip, feeCap, err := SuggestFees(ctx, client)
	if err != nil {
		return nil, err
	}
	to := s.addr
	tx, err := s.Sign(chainID, nonce, &to, big.NewInt(0), nil, nativeTransferGas, tip, feeCap)
	if err != nil {
		return nil, err
	}
	rec, err := Record(tx, types.KindSingle, fmt.Sprintf("dummy-%d", nonce), s.addr, chain, network)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
