package blockstore

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/minio/blake2b-simd"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

// NewBlock addresses raw bytes with blake2b-256, the digest every block on
// this chain is identified by, and wraps them in a CIDv1 raw block.
func NewBlock(data []byte) (blocks.Block, error) {
	digest := blake2b.Sum256(data)
	h, err := mh.Encode(digest[:], mh.BLAKE2B_MIN+31)
	if err != nil {
		return nil, xerrors.Errorf("encoding multihash: %w", err)
	}
	return blocks.NewBlockWithCid(data, cid.NewCidV1(cid.Raw, h))
}
