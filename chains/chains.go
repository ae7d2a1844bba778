// Package chains holds the per-(chain, network) provider registry: cached
// RPC clients, demand-driven WebSocket block subscriptions with reconnection
// and circuit breaking, and the static chain parameter table.
package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownChain is returned for (chain, network) pairs absent from the table.
var ErrUnknownChain = errors.New("unknown chain/network")

// Key identifies one chain deployment.
type Key struct {
	Chain   string
	Network string
}

func (k Key) String() string { return k.Chain + ":" + k.Network }

// Config is the static parameter set of one chain deployment.
type Config struct {
	Chain   string
	Network string
	RPCURL  string
	WSURL   string
	ChainID uint64

	RequiredConfirmations uint64
	BlockTime             time.Duration
	BlockGasLimit         uint64
	AggregatorAddr        common.Address
	// StuckMinAge is the minimum age before a pending transaction may be
	// flagged stuck by the monitor.
	StuckMinAge time.Duration
}

func (c Config) Key() Key { return Key{Chain: c.Chain, Network: c.Network} }

// Client is the subset of ethclient.Client the pipeline consumes. Narrowing
// the surface lets tests substitute fakes per (chain, network).
type Client interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*gtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gtypes.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// HeadSource delivers new-head notifications; satisfied by an ethclient over
// a WebSocket endpoint.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *gtypes.Header) (ethereum.Subscription, error)
}

// BlockEvent is one observed head, fanned out to monitor subscribers.
type BlockEvent struct {
	Chain   string
	Network string
	Number  uint64
	Hash    common.Hash
	Time    uint64
}

// DisconnectEvent reports a lost WebSocket connection.
type DisconnectEvent struct {
	Chain   string
	Network string
}

// ReconnectEvent reports a re-established connection together with the block
// range missed while disconnected: [LastBlock+1, CurrentBlock].
type ReconnectEvent struct {
	Chain        string
	Network      string
	LastBlock    uint64
	CurrentBlock uint64
}

// DefaultTable returns the built-in chain deployments. URLs are placeholders
// overridden from configuration.
func DefaultTable() []Config {
	return []Config{
		{
			Chain: "ethereum", Network: "mainnet", ChainID: 1,
			RequiredConfirmations: 12, BlockTime: 12 * time.Second,
			BlockGasLimit: 30_000_000, StuckMinAge: 30 * time.Minute,
		},
		{
			Chain: "ethereum", Network: "testnet", ChainID: 11155111,
			RequiredConfirmations: 12, BlockTime: 12 * time.Second,
			BlockGasLimit: 30_000_000, StuckMinAge: 30 * time.Minute,
		},
		{
			Chain: "polygon", Network: "mainnet", ChainID: 137,
			RequiredConfirmations: 30, BlockTime: 2 * time.Second,
			BlockGasLimit: 30_000_000, StuckMinAge: 15 * time.Minute,
		},
		{
			Chain: "polygon", Network: "testnet", ChainID: 80002,
			RequiredConfirmations: 30, BlockTime: 2 * time.Second,
			BlockGasLimit: 30_000_000, StuckMinAge: 15 * time.Minute,
		},
		{
			Chain: "bsc", Network: "mainnet", ChainID: 56,
			RequiredConfirmations: 15, BlockTime: 3 * time.Second,
			BlockGasLimit: 140_000_000, StuckMinAge: 450 * time.Second,
		},
		{
			Chain: "localhost", Network: "localhost", ChainID: 31337,
			RequiredConfirmations: 1, BlockTime: time.Second,
			BlockGasLimit: 30_000_000, StuckMinAge: 15 * time.Minute,
			RPCURL: "http://localhost:8545", WSURL: "ws://localhost:8545",
		},
	}
}

// validateKey normalizes lookups into a useful error.
func validateKey(chain, network string) (Key, error) {
	if chain == "" || network == "" {
		return Key{}, fmt.Errorf("%w: %q/%q", ErrUnknownChain, chain, network)
	}
	return Key{Chain: chain, Network: network}, nil
}
