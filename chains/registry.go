package chains

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/arcpay/withdrawd/config"
)

var (
	wsReconnectMeter  = metrics.NewRegisteredMeter("withdraw/chains/ws/reconnects", nil)
	wsDisconnectMeter = metrics.NewRegisteredMeter("withdraw/chains/ws/disconnects", nil)
	blockEventMeter   = metrics.NewRegisteredMeter("withdraw/chains/blocks", nil)
)

// Registry lazily constructs and caches one RPC client and one WebSocket
// provider per (chain, network) and fans lifecycle events out to
// subscribers. It is safe for concurrent use.
type Registry struct {
	logger       log.Logger
	reconnectCfg config.ReconnectConfig

	mu        sync.Mutex
	configs   map[Key]Config
	clients   map[Key]Client
	providers map[Key]*wsProvider
	headSrcs  map[Key]HeadSource

	dialRPC func(url string) (Client, error)
	dialWS  func(url string) (HeadSource, func(), error)

	disconnectFeed event.FeedOf[DisconnectEvent]
	reconnectFeed  event.FeedOf[ReconnectEvent]
}

// NewRegistry builds a registry over the given chain table. The table is
// expected to already carry any configuration overrides.
func NewRegistry(table []Config, rc config.ReconnectConfig) *Registry {
	r := &Registry{
		logger:       log.New("service", "chains"),
		reconnectCfg: rc,
		configs:      make(map[Key]Config, len(table)),
		clients:      make(map[Key]Client),
		providers:    make(map[Key]*wsProvider),
		headSrcs:     make(map[Key]HeadSource),
	}
	for _, cfg := range table {
		r.configs[cfg.Key()] = cfg
	}
	r.dialRPC = func(url string) (Client, error) {
		return ethclient.Dial(url)
	}
	r.dialWS = func(url string) (HeadSource, func(), error) {
		c, err := ethclient.Dial(url)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	return r
}

// Config returns the static parameters of a chain deployment.
func (r *Registry) Config(chain, network string) (Config, error) {
	key, err := validateKey(chain, network)
	if err != nil {
		return Config{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[key]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownChain, key)
	}
	return cfg, nil
}

// Client returns the cached RPC client for the key, dialing on first use.
func (r *Registry) Client(chain, network string) (Client, error) {
	key, err := validateKey(chain, network)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	cfg, ok := r.configs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, key)
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("no RPC URL configured for %s", key)
	}
	c, err := r.dialRPC(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	r.clients[key] = c
	r.logger.Info("RPC provider created", "chain", chain, "network", network)
	return c, nil
}

// RegisterClient installs a pre-built client, replacing lazy dialing for the
// key. Used by tests and the localhost profile.
func (r *Registry) RegisterClient(chain, network string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[Key{Chain: chain, Network: network}] = c
}

// RegisterHeadSource installs a head source used instead of dialing the WS
// URL for the key.
func (r *Registry) RegisterHeadSource(chain, network string, src HeadSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headSrcs[Key{Chain: chain, Network: network}] = src
}

// SubscribeBlocks attaches a block-event subscription for the key. The
// underlying WebSocket connection is established when the first subscriber
// appears and torn down when the last one leaves. Delivery is bounded with
// drop-oldest on overflow; the monitor's tier poller compensates for drops.
func (r *Registry) SubscribeBlocks(chain, network string) (*BlockSubscription, error) {
	key, err := validateKey(chain, network)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	cfg, ok := r.configs[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, key)
	}
	p, ok := r.providers[key]
	if !ok {
		p = newWSProvider(r, key, cfg)
		r.providers[key] = p
	}
	r.mu.Unlock()

	return p.subscribe(), nil
}

// SubscribeDisconnects delivers WebSocket-lost events.
func (r *Registry) SubscribeDisconnects(ch chan<- DisconnectEvent) event.Subscription {
	return r.disconnectFeed.Subscribe(ch)
}

// SubscribeReconnects delivers connection-restored events carrying the
// missed block range.
func (r *Registry) SubscribeReconnects(ch chan<- ReconnectEvent) event.Subscription {
	return r.reconnectFeed.Subscribe(ch)
}

// ProviderStats exposes the reconnection statistics of a WS provider.
func (r *Registry) ProviderStats(chain, network string) (successes, failures uint64, open bool, lastBlock uint64) {
	r.mu.Lock()
	p, ok := r.providers[Key{Chain: chain, Network: network}]
	r.mu.Unlock()
	if !ok {
		return 0, 0, false, 0
	}
	return p.stats()
}

// Close destroys every WS provider and closes cached RPC clients.
func (r *Registry) Close() {
	r.mu.Lock()
	providers := make([]*wsProvider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.providers = make(map[Key]*wsProvider)
	r.clients = make(map[Key]Client)
	r.mu.Unlock()

	for _, p := range providers {
		p.close()
	}
	for _, c := range clients {
		if ec, ok := c.(*ethclient.Client); ok {
			ec.Close()
		}
	}
}

func (r *Registry) headSource(key Key, cfg Config) (HeadSource, func(), error) {
	r.mu.Lock()
	src, ok := r.headSrcs[key]
	r.mu.Unlock()
	if ok {
		return src, func() {}, nil
	}
	if cfg.WSURL == "" {
		return nil, nil, fmt.Errorf("no WS URL configured for %s", key)
	}
	return r.dialWS(cfg.WSURL)
}

// currentBlock asks the RPC client for the head number, used to compute the
// missed range after a reconnect. Best effort: falls back to the last block
// seen over the old connection.
func (r *Registry) currentBlock(key Key, fallback uint64) uint64 {
	c, err := r.Client(key.Chain, key.Network)
	if err != nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := c.BlockNumber(ctx)
	if err != nil {
		return fallback
	}
	return n
}
