package amt

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

var (
	// ErrIndexOutOfRange signals a Set beyond the maximum representable
	// index for the tree's bit width.
	ErrIndexOutOfRange = xerrors.New("index out of range for amt")

	// ErrInvalidBitWidth signals a bit width outside [1, 8].
	ErrInvalidBitWidth = xerrors.New("invalid amt bit width")

	// ErrBitWidthMismatch signals a versioned root whose recorded bit
	// width disagrees with the caller-supplied one.
	ErrBitWidthMismatch = xerrors.New("amt bit width mismatch")

	// ErrMaxHeight signals a root whose height exceeds the bound for its
	// bit width.
	ErrMaxHeight = xerrors.New("amt height out of bounds")

	// ErrNoValues is returned by FirstSetIndex on an empty amt.
	ErrNoValues = xerrors.New("no values in amt")
)

// ErrNotFound signals a link whose block is absent from the blockstore.
type ErrNotFound struct {
	Cid cid.Cid
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("target block %s not found in blockstore", e.Cid)
}

func (e ErrNotFound) NotFound() bool { return true }
