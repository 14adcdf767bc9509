package security

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Block struct {
	Address   string     `json:"address"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (b Block) Active(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// BlockStore persists blocked addresses across restarts.
type BlockStore interface {
	UpsertBlock(ctx context.Context, block Block) error
	DeleteBlock(ctx context.Context, address string) (bool, error)
	ListActiveBlocks(ctx context.Context, now time.Time) ([]Block, error)
}

type blocklist struct {
	mu     sync.RWMutex
	blocks map[string]Block
}

func newBlocklist() *blocklist {
	return &blocklist{blocks: map[string]Block{}}
}

func (b *blocklist) put(block Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[block.Address] = block
}

func (b *blocklist) remove(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocks[address]
	delete(b.blocks, address)
	return ok
}

func (b *blocklist) lookup(address string, now time.Time) (Block, bool) {
	b.mu.RLock()
	block, ok := b.blocks[address]
	b.mu.RUnlock()
	if !ok {
		return Block{}, false
	}
	if !block.Active(now) {
		b.remove(address)
		return Block{}, false
	}
	return block, true
}

func (b *blocklist) list(now time.Time) []Block {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Block, 0, len(b.blocks))
	for _, block := range b.blocks {
		if block.Active(now) {
			out = append(out, block)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
