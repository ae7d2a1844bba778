package multicall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/arcpay/withdrawd/chains"
)

const (
	// estimateSafetyPct is applied on top of a successful eth_estimateGas.
	estimateSafetyPct = 115

	// Fallback model parameters when estimation fails.
	fallbackOverhead = 35_000
	fallbackPerCall  = 65_000
	perCallClamp     = 120_000

	// polygonDiscountPct reflects polygon's cheaper aggregate execution.
	polygonDiscountPct = 90

	learnedCacheSize = 256
)

// Estimator computes gas limits for aggregate calls. Successful on-chain
// estimates feed a learned per-token per-call observation used when later
// estimations fail.
type Estimator struct {
	learned *lru.Cache // "chain:token" -> uint64 gas per call
	logger  log.Logger
}

// NewEstimator builds an estimator with an empty observation cache.
func NewEstimator() *Estimator {
	cache, _ := lru.New(learnedCacheSize)
	return &Estimator{learned: cache, logger: log.New("service", "multicall")}
}

// BatchGas returns the gas limit for an aggregate call over n transfers of
// the given token. It first tries eth_estimateGas with a safety multiplier;
// on failure it falls back to the parametric model, preferring a learned
// per-call observation over the static default.
func (e *Estimator) BatchGas(ctx context.Context, client chains.Client, chain string, from, aggregator common.Address, calldata []byte, token common.Address, n int) uint64 {
	if n <= 0 {
		return fallbackOverhead
	}
	msg := ethereum.CallMsg{From: from, To: &aggregator, Data: calldata}
	if est, err := client.EstimateGas(ctx, msg); err == nil {
		total := est * estimateSafetyPct / 100
		e.learned.Add(learnedKey(chain, token), est/uint64(n))
		return total
	} else {
		e.logger.Debug("Gas estimation failed, using fallback model", "chain", chain, "calls", n, "err", err)
	}
	return fallbackOverhead + e.PerCallGas(chain, token, n)*uint64(n)
}

// PerCallGas returns the modeled per-call gas for a batch of n transfers:
// the learned (or default) per-call cost shrunk by the diminishing factor,
// chain-adjusted and clamped.
func (e *Estimator) PerCallGas(chain string, token common.Address, n int) uint64 {
	perCall := uint64(fallbackPerCall)
	if v, ok := e.learned.Get(learnedKey(chain, token)); ok {
		perCall = v.(uint64)
	}
	perCall = uint64(float64(perCall) * diminishingFactor(n))
	if chain == "polygon" {
		perCall = perCall * polygonDiscountPct / 100
	}
	if perCall > perCallClamp {
		perCall = perCallClamp
	}
	if perCall == 0 {
		perCall = 1
	}
	return perCall
}

// diminishingFactor models the per-call amortization of warm storage and
// calldata costs as a batch grows. Monotone non-increasing, never above 1.
func diminishingFactor(n int) float64 {
	if n <= 1 {
		return 1
	}
	f := 1 - 0.02*float64(n-1)
	if f < 0.6 {
		f = 0.6
	}
	return f
}

func learnedKey(chain string, token common.Address) string {
	return fmt.Sprintf("%s:%s", chain, token.Hex())
}

// ProjectedSavingsPct computes the relative gas saving of batching n
// transfers versus sending them individually:
//
//	(singlePerTx*n - (baseBatch + perBatchTx*n)) / (singlePerTx*n)
//
// expressed in percent. Negative when batching would cost more.
func ProjectedSavingsPct(singlePerTx, baseBatch, perBatchTx uint64, n int) float64 {
	if n <= 0 || singlePerTx == 0 {
		return 0
	}
	single := new(big.Int).SetUint64(singlePerTx)
	single.Mul(single, big.NewInt(int64(n)))
	batch := new(big.Int).SetUint64(baseBatch)
	batch.Add(batch, new(big.Int).Mul(new(big.Int).SetUint64(perBatchTx), big.NewInt(int64(n))))

	diff := new(big.Int).Sub(single, batch)
	f := new(big.Float).Quo(new(big.Float).SetInt(diff), new(big.Float).SetInt(single))
	pct, _ := new(big.Float).Mul(f, big.NewFloat(100)).Float64()
	return pct
}
