package engine

import (
	"sync"
	"time"

	"github.com/ksred/klear-dca/internal/types"
)

// blockSeconds is the nominal block time used to derive heights.
const blockSeconds = 6

// Clock supplies the block an invocation executes in.
type Clock interface {
	Now() types.Block
}

// SystemClock derives the block from wall time.
type SystemClock struct{}

func (SystemClock) Now() types.Block {
	now := time.Now().UTC().Truncate(time.Second)
	return types.Block{Height: now.Unix() / blockSeconds, Time: now}
}

// ManualClock only moves when told to. Every Advance produces a new height.
type ManualClock struct {
	mu    sync.Mutex
	block types.Block
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{block: types.Block{Height: 1, Time: start.UTC().Truncate(time.Second)}}
}

func (c *ManualClock) Now() types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	heights := int64(d / (blockSeconds * time.Second))
	if heights < 1 {
		heights = 1
	}
	c.block = types.Block{Height: c.block.Height + heights, Time: c.block.Time.Add(d)}
	return c.block
}
