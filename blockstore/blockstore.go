// Package blockstore provides the content-addressed block storage the trie
// structures in this module persist into. The node wires its badger datastore
// through FromDatastore; tests and genesis construction use NewMemory.
package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-base32"
	"golang.org/x/xerrors"
)

var log = logging.Logger("blockstore")

// Blockstore is the minimal block storage capability this module depends on.
// Implementations must be safe for concurrent use; blocks are immutable once
// written, so there is no coherence problem beyond plain map safety.
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, blk blocks.Block) error
	PutMany(ctx context.Context, blks []blocks.Block) error
	DeleteBlock(ctx context.Context, c cid.Cid) error
}

// IsNotFound reports whether err means the requested block is absent, as
// opposed to the store failing.
func IsNotFound(err error) bool {
	return format.IsNotFound(err)
}

// WrapIpldStore adapts a Blockstore into the CBOR object store the tries
// load and flush through.
func WrapIpldStore(bs Blockstore) cbor.IpldStore {
	return cbor.NewCborStore(bs)
}

type dsBlockstore struct {
	ds ds.Batching
}

// FromDatastore adapts a datastore into a Blockstore. Keys are the raw
// multihash of the CID, base32 encoded, under the /blocks prefix.
func FromDatastore(d ds.Batching) Blockstore {
	return &dsBlockstore{ds: d}
}

func dsKey(c cid.Cid) ds.Key {
	return ds.NewKey("/blocks/" + base32.RawStdEncoding.EncodeToString(c.Hash()))
}

func (b *dsBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return b.ds.Has(ctx, dsKey(c))
}

func (b *dsBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	data, err := b.ds.Get(ctx, dsKey(c))
	switch {
	case xerrors.Is(err, ds.ErrNotFound):
		return nil, format.ErrNotFound{Cid: c}
	case err != nil:
		return nil, xerrors.Errorf("getting block %s from datastore: %w", c, err)
	}
	return blocks.NewBlockWithCid(data, c)
}

func (b *dsBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	if err := b.ds.Put(ctx, dsKey(blk.Cid()), blk.RawData()); err != nil {
		return xerrors.Errorf("putting block %s: %w", blk.Cid(), err)
	}
	return nil
}

func (b *dsBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	batch, err := b.ds.Batch(ctx)
	if err != nil {
		return xerrors.Errorf("creating batch: %w", err)
	}
	for _, blk := range blks {
		if err := batch.Put(ctx, dsKey(blk.Cid()), blk.RawData()); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

func (b *dsBlockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	return b.ds.Delete(ctx, dsKey(c))
}
