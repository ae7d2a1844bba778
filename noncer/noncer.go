// Package noncer allocates transaction nonces per signer account. The
// counter lives in a shared atomic-increment backing (Redis in production) so
// that parallel workers across processes never hand out the same nonce.
package noncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// ErrUninitialized is returned when a nonce is requested for a signer whose
// counter was never seeded from the chain.
var ErrUninitialized = errors.New("nonce counter not initialized")

// Backing is the shared counter store. Incr must be atomic across processes:
// two concurrent calls return distinct, strictly increasing values.
type Backing interface {
	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64) error
	// SetNX stores the value only if the key is absent, reporting whether it
	// did. Used to seed a counter exactly once.
	SetNX(ctx context.Context, key string, value int64) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// Signer identifies one counter: an account on a chain deployment.
type Signer struct {
	Address string
	Chain   string
	Network string
}

func (s Signer) key() string {
	return fmt.Sprintf("nonce:%s:%s:%s", s.Chain, s.Network, strings.ToLower(s.Address))
}

// Cache is the nonce allocator. The backing stores the next nonce to hand
// out; Next advances it atomically.
type Cache struct {
	backing Backing
	logger  log.Logger
}

// New wraps a backing into an allocator.
func New(backing Backing) *Cache {
	return &Cache{backing: backing, logger: log.New("service", "noncer")}
}

// EnsureInitialized seeds the counter from the chain's pending nonce if no
// counter exists yet. Safe to call from every worker on startup.
func (c *Cache) EnsureInitialized(ctx context.Context, signer Signer, pendingNonce uint64) error {
	set, err := c.backing.SetNX(ctx, signer.key(), int64(pendingNonce))
	if err != nil {
		return fmt.Errorf("seed nonce for %s: %w", signer.Address, err)
	}
	if set {
		c.logger.Info("Nonce counter seeded", "address", signer.Address, "chain", signer.Chain, "network", signer.Network, "nonce", pendingNonce)
	}
	return nil
}

// Current returns the next nonce that would be allocated, without advancing.
func (c *Cache) Current(ctx context.Context, signer Signer) (uint64, error) {
	v, ok, err := c.backing.Get(ctx, signer.key())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s/%s", ErrUninitialized, signer.Address, signer.Chain, signer.Network)
	}
	return uint64(v), nil
}

// Next allocates and returns the next nonce. The backing's Incr returns the
// post-increment counter, so the allocated nonce is that value minus one.
func (c *Cache) Next(ctx context.Context, signer Signer) (uint64, error) {
	v, err := c.backing.Incr(ctx, signer.key())
	if err != nil {
		return 0, fmt.Errorf("allocate nonce for %s: %w", signer.Address, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: %s on %s/%s", ErrUninitialized, signer.Address, signer.Chain, signer.Network)
	}
	return uint64(v - 1), nil
}

// Reset forces the counter to the given next nonce. Only the recovery engine
// calls this, on detected nonce divergence.
func (c *Cache) Reset(ctx context.Context, signer Signer, next uint64) error {
	if err := c.backing.Set(ctx, signer.key(), int64(next)); err != nil {
		return fmt.Errorf("reset nonce for %s: %w", signer.Address, err)
	}
	c.logger.Warn("Nonce counter reset", "address", signer.Address, "chain", signer.Chain, "network", signer.Network, "next", next)
	return nil
}

// Close releases the backing.
func (c *Cache) Close() error {
	return c.backing.Close()
}
