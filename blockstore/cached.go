package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// cachedBlockstore keeps recently read and written blocks in an LRU cache in
// front of a slower store. Blocks behind a CID never change, so entries are
// never invalidated.
type cachedBlockstore struct {
	inner Blockstore
	cache *lru.Cache[cid.Cid, blocks.Block]
}

func NewCached(inner Blockstore, size int) (Blockstore, error) {
	cache, err := lru.New[cid.Cid, blocks.Block](size)
	if err != nil {
		return nil, xerrors.Errorf("creating block cache: %w", err)
	}
	log.Debugw("block cache enabled", "size", size)
	return &cachedBlockstore{inner: inner, cache: cache}, nil
}

func (cb *cachedBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if cb.cache.Contains(c) {
		return true, nil
	}
	return cb.inner.Has(ctx, c)
}

func (cb *cachedBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok := cb.cache.Get(c); ok {
		return blk, nil
	}
	blk, err := cb.inner.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	cb.cache.Add(c, blk)
	return blk, nil
}

func (cb *cachedBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	if err := cb.inner.Put(ctx, blk); err != nil {
		return err
	}
	cb.cache.Add(blk.Cid(), blk)
	return nil
}

func (cb *cachedBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	if err := cb.inner.PutMany(ctx, blks); err != nil {
		return err
	}
	for _, blk := range blks {
		cb.cache.Add(blk.Cid(), blk)
	}
	return nil
}

func (cb *cachedBlockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	cb.cache.Remove(c)
	return cb.inner.DeleteBlock(ctx, c)
}
