// Package tokens resolves ERC-20 token metadata needed by the batcher,
// primarily the decimals used to normalize human-readable amounts into base
// units.
package tokens

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultDecimals applies when a token was never registered. Most ERC-20
// deployments use 18.
const DefaultDecimals = 18

// Directory maps (chain, network, token address) to token metadata.
type Directory struct {
	mu       sync.RWMutex
	decimals map[string]uint8
}

// NewDirectory returns a directory pre-loaded with well-known stablecoin
// deployments.
func NewDirectory() *Directory {
	d := &Directory{decimals: make(map[string]uint8)}
	// USDC / USDT carry 6 decimals on every chain we serve.
	d.Register("ethereum", "mainnet", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 6) // USDC
	d.Register("ethereum", "mainnet", "0xdAC17F958D2ee523a2206206994597C13D831ec7", 6) // USDT
	d.Register("polygon", "mainnet", "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", 6)  // USDC
	d.Register("polygon", "mainnet", "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", 6)  // USDT
	d.Register("bsc", "mainnet", "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", 18)    // USDC (BSC)
	return d
}

// Register stores the decimals of a token deployment.
func (d *Directory) Register(chain, network, token string, decimals uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decimals[key(chain, network, token)] = decimals
}

// Decimals returns the registered decimals of a token, or DefaultDecimals
// when unknown.
func (d *Directory) Decimals(chain, network, token string) uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if dec, ok := d.decimals[key(chain, network, token)]; ok {
		return dec
	}
	return DefaultDecimals
}

func key(chain, network, token string) string {
	return fmt.Sprintf("%s:%s:%s", chain, network, strings.ToLower(token))
}
