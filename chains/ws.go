package chains

import (
	"context"
	"sync"
	"time"

	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// blockSubBuffer bounds each subscriber channel. On overflow the oldest
// event is dropped; the tier poller compensates for missed heads.
const blockSubBuffer = 64

// BlockSubscription is one consumer of a provider's block events.
type BlockSubscription struct {
	ch   chan BlockEvent
	p    *wsProvider
	once sync.Once
}

// Chan returns the event channel.
func (s *BlockSubscription) Chan() <-chan BlockEvent { return s.ch }

// Unsubscribe detaches the subscription. The provider disconnects its
// WebSocket once the last subscriber leaves.
func (s *BlockSubscription) Unsubscribe() {
	s.once.Do(func() { s.p.unsubscribe(s) })
}

// wsProvider owns the WebSocket connection for one (chain, network) and its
// reconnection state machine. The connection exists only while at least one
// block subscriber is attached.
type wsProvider struct {
	reg    *Registry
	key    Key
	cfg    Config
	logger log.Logger

	mu        sync.Mutex
	brk       *breaker
	subs      map[*BlockSubscription]struct{}
	lastBlock uint64
	running   bool
	quit      chan struct{}
	wg        sync.WaitGroup
}

func newWSProvider(reg *Registry, key Key, cfg Config) *wsProvider {
	return &wsProvider{
		reg:    reg,
		key:    key,
		cfg:    cfg,
		logger: reg.logger.New("chain", key.Chain, "network", key.Network),
		brk:    newBreaker(reg.reconnectCfg),
		subs:   make(map[*BlockSubscription]struct{}),
	}
}

func (p *wsProvider) subscribe() *BlockSubscription {
	sub := &BlockSubscription{ch: make(chan BlockEvent, blockSubBuffer), p: p}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	if !p.running {
		p.running = true
		p.quit = make(chan struct{})
		p.wg.Add(1)
		go p.run(p.quit)
	}
	p.mu.Unlock()
	return sub
}

func (p *wsProvider) unsubscribe(sub *BlockSubscription) {
	p.mu.Lock()
	delete(p.subs, sub)
	stop := len(p.subs) == 0 && p.running
	var quit chan struct{}
	if stop {
		p.running = false
		quit = p.quit
	}
	p.mu.Unlock()
	if stop {
		close(quit)
	}
}

func (p *wsProvider) close() {
	p.mu.Lock()
	if p.running {
		p.running = false
		close(p.quit)
	}
	p.subs = make(map[*BlockSubscription]struct{})
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *wsProvider) stats() (successes, failures uint64, open bool, lastBlock uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, f, o := p.brk.Stats()
	return s, f, o, p.lastBlock
}

// run is the connection loop: dial, subscribe to heads, fan events out, and
// on any failure walk the breaker's backoff schedule before trying again.
func (p *wsProvider) run(quit chan struct{}) {
	defer p.wg.Done()

	everConnected := false
	for {
		select {
		case <-quit:
			return
		default:
		}

		src, closeSrc, err := p.reg.headSource(p.key, p.cfg)
		if err != nil {
			if !p.backoff(quit, err) {
				return
			}
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		headers := make(chan *gtypes.Header, blockSubBuffer)
		sub, err := src.SubscribeNewHead(ctx, headers)
		if err != nil {
			cancel()
			closeSrc()
			if !p.backoff(quit, err) {
				return
			}
			continue
		}

		p.mu.Lock()
		p.brk.Success()
		prevBlock := p.lastBlock
		p.mu.Unlock()

		if everConnected {
			current := p.reg.currentBlock(p.key, prevBlock)
			wsReconnectMeter.Mark(1)
			p.logger.Info("WebSocket reconnected", "lastBlock", prevBlock, "currentBlock", current)
			p.reg.reconnectFeed.Send(ReconnectEvent{
				Chain:        p.key.Chain,
				Network:      p.key.Network,
				LastBlock:    prevBlock,
				CurrentBlock: current,
			})
		} else {
			p.logger.Info("WebSocket connected")
		}
		everConnected = true

		disconnected := p.consume(quit, sub.Err(), headers)
		sub.Unsubscribe()
		cancel()
		closeSrc()
		if !disconnected {
			return // quit requested
		}

		wsDisconnectMeter.Mark(1)
		p.reg.disconnectFeed.Send(DisconnectEvent{Chain: p.key.Chain, Network: p.key.Network})
		if !p.backoff(quit, nil) {
			return
		}
	}
}

// consume drains head events until the subscription errors (returns true) or
// shutdown is requested (returns false).
func (p *wsProvider) consume(quit chan struct{}, errc <-chan error, headers <-chan *gtypes.Header) bool {
	for {
		select {
		case <-quit:
			return false
		case err := <-errc:
			p.logger.Warn("WebSocket subscription lost", "err", err)
			return true
		case h := <-headers:
			if h == nil {
				continue
			}
			num := h.Number.Uint64()
			p.mu.Lock()
			p.lastBlock = num
			p.mu.Unlock()
			blockEventMeter.Mark(1)
			p.fanout(BlockEvent{
				Chain:   p.key.Chain,
				Network: p.key.Network,
				Number:  num,
				Hash:    h.Hash(),
				Time:    h.Time,
			})
		}
	}
}

// fanout delivers an event to every subscriber, dropping the oldest buffered
// event when a subscriber channel is full.
func (p *wsProvider) fanout(ev BlockEvent) {
	p.mu.Lock()
	subs := make([]*BlockSubscription, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// backoff sleeps out the breaker delay; returns false if shutdown was
// requested while waiting.
func (p *wsProvider) backoff(quit chan struct{}, err error) bool {
	p.mu.Lock()
	p.brk.Failure()
	delay := p.brk.NextDelay(time.Now())
	_, failures, open := p.brk.Stats()
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("WebSocket connection failed", "err", err, "retryIn", delay, "failures", failures, "circuitOpen", open)
	} else {
		p.logger.Debug("WebSocket reconnect scheduled", "retryIn", delay, "circuitOpen", open)
	}
	select {
	case <-quit:
		return false
	case <-time.After(delay):
		return true
	}
}
