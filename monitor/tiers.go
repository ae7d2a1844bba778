package monitor

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/types"
)

// chainKeyAny selects every chain in snapshot().
var chainKeyAny = chains.Key{}

// tierLoop runs one age-based polling tier. The fast tier accelerates while
// young transactions are in flight, since those are the ones a lost head
// event hurts most.
func (m *Monitor) tierLoop(ctx context.Context, idx int) {
	defer m.wg.Done()
	tier := m.cfg.Monitor.Tiers[idx]
	for {
		interval := tier.Interval
		if idx == 0 && m.hasYoungTxs() {
			interval = m.cfg.Monitor.FastAccelerated
		}
		select {
		case <-time.After(interval):
			m.pollTier(ctx, idx)
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		}
	}
}

// pollTier checks every transaction whose age falls into the tier's band and
// whose last check is older than the tier interval, in bounded batches with a
// delay in between to spread RPC load.
func (m *Monitor) pollTier(ctx context.Context, idx int) {
	tier := m.cfg.Monitor.Tiers[idx]
	lower := time.Duration(0)
	if idx > 0 {
		lower = m.cfg.Monitor.Tiers[idx-1].MaxAge
	}

	now := time.Now()
	var due []*tracked
	for _, t := range m.snapshot(chainKeyAny) {
		age := t.age(now)
		if age < lower {
			continue
		}
		if tier.MaxAge > 0 && age >= tier.MaxAge {
			continue
		}
		t.mu.Lock()
		stale := now.Sub(t.lastChecked) >= tier.Interval
		t.mu.Unlock()
		if stale {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return
	}
	m.logger.Debug("Tier poll", "tier", tier.Name, "due", len(due))

	for start := 0; start < len(due); start += tier.BatchSize {
		end := start + tier.BatchSize
		if end > len(due) {
			end = len(due)
		}
		for _, t := range due[start:end] {
			m.check(ctx, t)
		}
		if end < len(due) {
			select {
			case <-time.After(m.cfg.Monitor.InterBatchDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Monitor) hasYoungTxs() bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.active {
		if t.age(now) < m.cfg.Monitor.YoungTxAge {
			return true
		}
	}
	return false
}

// stuckLoop periodically scans for transactions that are old enough and
// whose fee cap has fallen far behind the market, routing them to the
// recovery engine for a fee-bumped replacement.
func (m *Monitor) stuckLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Monitor.StuckScan)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scanStuck(ctx)
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) scanStuck(ctx context.Context) {
	now := time.Now()
	for _, t := range m.snapshot(chainKeyAny) {
		t.mu.Lock()
		mined := t.minedBlock
		t.mu.Unlock()
		if mined != 0 {
			continue
		}
		cfg, err := m.registry.Config(t.key.Chain, t.key.Network)
		if err != nil || t.age(now) < cfg.StuckMinAge {
			continue
		}
		if m.isStuck(ctx, t) {
			stuckMeter.Mark(1)
			m.logger.Warn("Transaction stuck, routing for replacement", "tx", t.hash, "ref", t.ref, "age", t.age(now))
			m.routeToRecovery(ctx, t, "transaction stuck: fee cap below market gas price")
			m.finalizeStuck(ctx, t)
		}
	}
}

// isStuck compares the market gas price against the transaction's fee cap:
// when the market exceeds the cap by the configured factor the transaction
// has effectively no chance of inclusion.
func (m *Monitor) isStuck(ctx context.Context, t *tracked) bool {
	signed, err := m.store.GetSignedTx(ctx, t.hash.Hex())
	if err != nil {
		return false
	}
	feeCap, ok := new(big.Int).SetString(signed.MaxFeePerGas, 10)
	if !ok || feeCap.Sign() <= 0 {
		return false
	}
	client, err := m.registry.Client(t.key.Chain, t.key.Network)
	if err != nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	market, err := client.SuggestGasPrice(cctx)
	if err != nil {
		return false
	}
	// market >= factor * feeCap, in integer arithmetic.
	threshold := new(big.Float).Mul(new(big.Float).SetInt(feeCap), big.NewFloat(m.cfg.Monitor.StuckGasFactor))
	return new(big.Float).SetInt(market).Cmp(threshold) >= 0
}

// finalizeStuck retires the sent row without failing the request or batch:
// the recovery engine replaces the transaction, and the replacement re-enters
// the monitor through the broadcast queue.
func (m *Monitor) finalizeStuck(ctx context.Context, t *tracked) {
	if err := m.store.UpdateSentTransaction(ctx, t.hash.Hex(), types.SentCanceled, 0, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("Failed to persist transaction status", "tx", t.hash, "err", err)
	}
	m.remove(t)
}
