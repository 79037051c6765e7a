package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
)

// MemBlockstore is a map-backed Blockstore for tests and genesis
// construction.
type MemBlockstore struct {
	mu     sync.RWMutex
	blocks map[cid.Cid]blocks.Block
}

func NewMemory() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[cid.Cid]blocks.Block)}
}

func (m *MemBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c]
	return ok, nil
}

func (m *MemBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blk, ok := m.blocks[c]
	if !ok {
		return nil, format.ErrNotFound{Cid: c}
	}
	return blk, nil
}

func (m *MemBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[blk.Cid()] = blk
	return nil
}

func (m *MemBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, blk := range blks {
		m.blocks[blk.Cid()] = blk
	}
	return nil
}

func (m *MemBlockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, c)
	return nil
}

// Len returns the number of stored blocks. Test helper.
func (m *MemBlockstore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
