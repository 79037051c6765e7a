package hamt

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

var (
	// ErrInvalidBitWidth signals a bit width outside [1, 8].
	ErrInvalidBitWidth = xerrors.New("invalid hamt bit width")

	// ErrMaxDepth signals a trie deeper than its hash digest can address,
	// which a correctly built trie never is.
	ErrMaxDepth = xerrors.New("hamt deeper than hash digest allows")
)

// ErrNotFound signals a link whose block is absent from the blockstore.
type ErrNotFound struct {
	Cid cid.Cid
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("target block %s not found in blockstore", e.Cid)
}

func (e ErrNotFound) NotFound() bool { return true }

func isNotFound(err error) bool {
	var enf ErrNotFound
	return xerrors.As(err, &enf)
}
