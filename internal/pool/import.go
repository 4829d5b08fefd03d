package pool

import (
	"context"
	"fmt"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/logger"
)

// ImportResult counts the addresses an import considered and added, per pool
// type
type ImportResult struct {
	Expanded map[string]int   `json:"expanded"`
	Added    map[string]int64 `json:"added"`
}

// TotalAdded returns the number of new entries across all pool types
func (r *ImportResult) TotalAdded() int64 {
	var n int64
	for _, v := range r.Added {
		n += v
	}
	return n
}

// Import expands each block and registers its addresses. Existing entries
// are left as they are, so running the same import twice adds nothing.
func (a *Allocator) Import(ctx context.Context, blocks []config.PoolImportConfig, source string) (*ImportResult, error) {
	result := &ImportResult{
		Expanded: make(map[string]int),
		Added:    make(map[string]int64),
	}

	for i, block := range blocks {
		if err := block.Validate(); err != nil {
			return result, fmt.Errorf("pool %d: %w", i, err)
		}

		addrs, err := ExpandCIDR(block.CIDR, block.Exclude)
		if err != nil {
			return result, fmt.Errorf("pool %d: %w", i, err)
		}

		added, err := a.Register(ctx, block.PoolType, addrs, source)
		if err != nil {
			return result, fmt.Errorf("pool %d: %w", i, err)
		}

		result.Expanded[block.PoolType] += len(addrs)
		result.Added[block.PoolType] += added

		logger.Debug().
			Str("pool_type", block.PoolType).
			Str("cidr", block.CIDR).
			Int("expanded", len(addrs)).
			Int64("added", added).
			Msg("Imported pool block")
	}

	return result, nil
}
