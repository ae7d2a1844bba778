// Package monitor tracks broadcast transactions until they are confirmed,
// failed or dropped. Three observers cooperate: WebSocket new-head events
// trigger cheap checks for the affected chain, a dedicated watcher follows
// each young transaction, and age-based polling tiers sweep everything else.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/arcpay/withdrawd/chains"
	"github.com/arcpay/withdrawd/config"
	"github.com/arcpay/withdrawd/queue"
	"github.com/arcpay/withdrawd/store"
	"github.com/arcpay/withdrawd/types"
)

const receiveBackoff = time.Second

var (
	admittedMeter  = metrics.NewRegisteredMeter("withdraw/monitor/admitted", nil)
	confirmedMeter = metrics.NewRegisteredMeter("withdraw/monitor/confirmed", nil)
	failedMeter    = metrics.NewRegisteredMeter("withdraw/monitor/failed", nil)
	droppedMeter   = metrics.NewRegisteredMeter("withdraw/monitor/dropped", nil)
	stuckMeter     = metrics.NewRegisteredMeter("withdraw/monitor/stuck", nil)
	activeGauge    = metrics.NewRegisteredGauge("withdraw/monitor/active", nil)
)

// tracked is the in-memory state of one transaction under observation.
type tracked struct {
	hash        common.Hash
	kind        types.TxKind
	ref         string
	key         chains.Key
	submittedAt time.Time

	mu           sync.Mutex
	status       types.SentStatus
	minedBlock   uint64
	lastChecked  time.Time
	checkRetries int
	done         chan struct{} // closed on removal; stops the watcher
}

func (t *tracked) age(now time.Time) time.Duration { return now.Sub(t.submittedAt) }

// Monitor owns the active-transaction set and the per-chain block
// subscriptions backing it. Subscriptions are demand driven: the first
// transaction on a chain attaches one, the last one leaving detaches it.
type Monitor struct {
	cfg      *config.Config
	bus      queue.Queue
	store    store.Store
	registry *chains.Registry
	logger   log.Logger

	mu     sync.Mutex
	active map[common.Hash]*tracked
	perKey map[chains.Key]int
	subs   map[chains.Key]*chains.BlockSubscription

	wg   sync.WaitGroup
	quit chan struct{}
}

// New wires a monitor.
func New(cfg *config.Config, bus queue.Queue, st store.Store, reg *chains.Registry) *Monitor {
	return &Monitor{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		registry: reg,
		logger:   log.New("service", "monitor", "instance", cfg.InstanceID),
		active:   make(map[common.Hash]*tracked),
		perKey:   make(map[chains.Key]int),
		subs:     make(map[chains.Key]*chains.BlockSubscription),
		quit:     make(chan struct{}),
	}
}

// Run starts the admission consumer, the tier pollers, the stuck scanner and
// the reconnect listener, blocking until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Transaction monitor started", "queue", m.cfg.Queues.BroadcastQueue)

	m.wg.Add(1)
	go m.admitLoop(ctx)
	for i := range m.cfg.Monitor.Tiers {
		m.wg.Add(1)
		go m.tierLoop(ctx, i)
	}
	m.wg.Add(2)
	go m.stuckLoop(ctx)
	go m.reconnectLoop(ctx)

	<-ctx.Done()
	close(m.quit)
	m.wg.Wait()
	m.detachAll()
	m.logger.Info("Transaction monitor stopped")
}

// admitLoop consumes broadcast results and admits successful transactions
// into the active set.
func (m *Monitor) admitLoop(ctx context.Context) {
	defer m.wg.Done()
	q := m.cfg.Queues
	for {
		msgs, err := m.bus.Receive(ctx, q.BroadcastQueue, q.ReceiveBatchSize, q.WaitTime, q.VisibilityTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("Receive failed", "err", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, msg := range msgs {
			m.admit(ctx, msg)
		}
	}
}

func (m *Monitor) admit(ctx context.Context, msg queue.Message) {
	q := m.cfg.Queues
	var result types.BroadcastResult
	if err := types.DecodeJSON(msg.Body, &result); err != nil {
		m.logger.Warn("Malformed broadcast result", "id", msg.MessageID, "err", err)
		if derr := m.bus.SendToDLQ(ctx, q.BroadcastDLQ, msg.Body, err.Error(), msg.RetryCount()+1); derr != nil {
			m.logger.Error("Failed to dead-letter message", "id", msg.MessageID, "err", derr)
			return
		}
		m.delete(ctx, msg)
		return
	}
	if result.Status != types.Broadcasted {
		// Failed broadcasts were already dead-lettered upstream.
		m.delete(ctx, msg)
		return
	}

	kind := types.KindSingle
	ref := result.WithdrawalID
	if result.TransactionType == types.TypeBatch {
		kind = types.KindBatch
		ref = result.BatchID
	}
	m.Track(result.BroadcastTxHash, kind, ref, result.Chain, result.Network, result.BroadcastedAt)
	m.delete(ctx, msg)
}

// Track adds a transaction to the active set and attaches the chain's block
// subscription and a dedicated watcher. Admitting a hash twice is a no-op.
func (m *Monitor) Track(txHash string, kind types.TxKind, ref, chain, network string, submittedAt time.Time) {
	hash := common.HexToHash(txHash)
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	key := chains.Key{Chain: chain, Network: network}

	m.mu.Lock()
	if _, ok := m.active[hash]; ok {
		m.mu.Unlock()
		return
	}
	t := &tracked{
		hash:        hash,
		kind:        kind,
		ref:         ref,
		key:         key,
		submittedAt: submittedAt,
		status:      types.SentSubmitted,
		done:        make(chan struct{}),
	}
	m.active[hash] = t
	m.perKey[key]++
	first := m.perKey[key] == 1
	m.mu.Unlock()

	admittedMeter.Mark(1)
	activeGauge.Inc(1)
	m.logger.Info("Tracking transaction", "tx", txHash, "ref", ref, "chain", chain, "network", network)

	if first {
		m.attach(key)
	}
	m.wg.Add(1)
	go m.watch(t)
}

// remove drops a transaction from the active set, stopping its watcher and
// detaching the block subscription when it was the chain's last.
func (m *Monitor) remove(t *tracked) {
	m.mu.Lock()
	if _, ok := m.active[t.hash]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, t.hash)
	m.perKey[t.key]--
	last := m.perKey[t.key] == 0
	if last {
		delete(m.perKey, t.key)
	}
	m.mu.Unlock()

	close(t.done)
	activeGauge.Dec(1)
	if last {
		m.detach(t.key)
	}
}

// attach opens the block subscription for a chain and starts the consumer
// that triggers checks on every new head.
func (m *Monitor) attach(key chains.Key) {
	sub, err := m.registry.SubscribeBlocks(key.Chain, key.Network)
	if err != nil {
		// Tier pollers still cover the chain.
		m.logger.Warn("Block subscription unavailable", "chain", key.Chain, "network", key.Network, "err", err)
		return
	}
	m.mu.Lock()
	m.subs[key] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case ev, ok := <-sub.Chan():
				if !ok {
					return
				}
				m.onBlock(key, ev.Number)
			case <-m.quit:
				return
			}
		}
	}()
}

func (m *Monitor) detach(key chains.Key) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if ok {
		sub.Unsubscribe()
		m.logger.Debug("Block subscription released", "chain", key.Chain, "network", key.Network)
	}
}

func (m *Monitor) detachAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[chains.Key]*chains.BlockSubscription)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// onBlock checks every transaction of the chain against the new head. Mined
// transactions only need the confirmation arithmetic, so this stays cheap
// even on short block times.
func (m *Monitor) onBlock(key chains.Key, head uint64) {
	for _, t := range m.snapshot(key) {
		m.checkAgainstHead(context.Background(), t, head)
	}
}

// reconnectLoop replays checks for a chain after its WebSocket connection was
// re-established, covering heads missed while disconnected.
func (m *Monitor) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()
	ch := make(chan chains.ReconnectEvent, 8)
	sub := m.registry.SubscribeReconnects(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-ch:
			key := chains.Key{Chain: ev.Chain, Network: ev.Network}
			missed := int64(ev.CurrentBlock) - int64(ev.LastBlock)
			m.logger.Info("Replaying checks after reconnect", "chain", ev.Chain, "network", ev.Network, "missedBlocks", missed)
			for _, t := range m.snapshot(key) {
				m.check(ctx, t)
			}
		case <-sub.Err():
			return
		case <-ctx.Done():
			return
		}
	}
}

// watch is the dedicated per-transaction observer: it polls at roughly the
// chain's block time while the transaction is young, then leaves the rest to
// the tier pollers.
func (m *Monitor) watch(t *tracked) {
	defer m.wg.Done()
	interval := 5 * time.Second
	if cfg, err := m.registry.Config(t.key.Chain, t.key.Network); err == nil && cfg.BlockTime > 0 {
		interval = cfg.BlockTime
	}
	deadline := time.NewTimer(m.cfg.Monitor.YoungTxAge)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.check(context.Background(), t)
		case <-deadline.C:
			return
		case <-t.done:
			return
		case <-m.quit:
			return
		}
	}
}

// snapshot returns the active transactions of one chain (or all for the zero
// key) without holding the lock during checks.
func (m *Monitor) snapshot(key chains.Key) []*tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tracked, 0, len(m.active))
	for _, t := range m.active {
		if key == (chains.Key{}) || t.key == key {
			out = append(out, t)
		}
	}
	return out
}

// ActiveCount reports the size of the active set.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Monitor) delete(ctx context.Context, msg queue.Message) {
	if err := m.bus.Delete(ctx, m.cfg.Queues.BroadcastQueue, msg.ReceiptHandle); err != nil {
		m.logger.Warn("Failed to delete message", "id", msg.MessageID, "err", err)
	}
}
