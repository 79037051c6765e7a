package amt

import (
	"io"
	"math/bits"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// Wire layout:
//
//	versioned root: [bitWidth, height, count, node]
//	legacy root:    [height, count, node]
//	node:           [bitmap bytes, [child CIDs...], [values...]]
//
// A node carries links or values, never both; the bitmap records which slots
// the dense lists fill.

// collapsedNode is the sparse on-disk shape of a node.
type collapsedNode struct {
	Bmap   []byte
	Links  []cid.Cid
	Values []*cbg.Deferred
}

func (cn *collapsedNode) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 3); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(cn.Bmap))); err != nil {
		return err
	}
	if _, err := cw.Write(cn.Bmap); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(cn.Links))); err != nil {
		return err
	}
	for _, c := range cn.Links {
		if err := cbg.WriteCid(cw, c); err != nil {
			return err
		}
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(cn.Values))); err != nil {
		return err
	}
	for _, v := range cn.Values {
		if err := v.MarshalCBOR(cw); err != nil {
			return err
		}
	}
	return nil
}

func (cn *collapsedNode) UnmarshalCBOR(r io.Reader) error {
	*cn = collapsedNode{}
	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray || extra != 3 {
		return xerrors.Errorf("amt node: expected 3-element array, got major type %d length %d", maj, extra)
	}

	bmap, err := cbg.ReadByteArray(cr, 32)
	if err != nil {
		return xerrors.Errorf("amt node bitmap: %w", err)
	}
	cn.Bmap = bmap

	maj, extra, err = cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.Errorf("amt node links: expected array, got major type %d", maj)
	}
	if extra > cbg.MaxLength {
		return xerrors.Errorf("amt node links: too many (%d)", extra)
	}
	for j := uint64(0); j < extra; j++ {
		c, err := cbg.ReadCid(cr)
		if err != nil {
			return xerrors.Errorf("amt node link %d: %w", j, err)
		}
		cn.Links = append(cn.Links, c)
	}

	maj, extra, err = cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return xerrors.Errorf("amt node values: expected array, got major type %d", maj)
	}
	if extra > cbg.MaxLength {
		return xerrors.Errorf("amt node values: too many (%d)", extra)
	}
	for j := uint64(0); j < extra; j++ {
		d := new(cbg.Deferred)
		if err := d.UnmarshalCBOR(cr); err != nil {
			return xerrors.Errorf("amt node value %d: %w", j, err)
		}
		cn.Values = append(cn.Values, d)
	}
	return nil
}

// expand converts the sparse shape into the fixed-slot in-memory node,
// rejecting bitmaps whose population does not match the dense lists.
func (cn *collapsedNode) expand(bitWidth uint, height uint64) (*node, error) {
	if len(cn.Links) > 0 && len(cn.Values) > 0 {
		return nil, xerrors.New("node has both links and values")
	}
	if len(cn.Bmap) != bmapBytes(bitWidth) {
		return nil, xerrors.Errorf("expected bitmap of %d bytes, found %d", bmapBytes(bitWidth), len(cn.Bmap))
	}

	var pop int
	for _, b := range cn.Bmap {
		pop += bits.OnesCount8(b)
	}

	width := 1 << bitWidth
	if height == 0 {
		if len(cn.Links) > 0 {
			return nil, xerrors.New("leaf node carries links")
		}
		if pop != len(cn.Values) {
			return nil, xerrors.Errorf("bitmap has %d bits set but %d values", pop, len(cn.Values))
		}
		nd := newLeaf(bitWidth)
		var k int
		for j := 0; j < width; j++ {
			if cn.Bmap[j/8]&(1<<(j%8)) != 0 {
				nd.values[j] = cn.Values[k]
				k++
			}
		}
		return nd, nil
	}

	if len(cn.Values) > 0 {
		return nil, xerrors.New("branch node carries values")
	}
	if pop != len(cn.Links) {
		return nil, xerrors.Errorf("bitmap has %d bits set but %d links", pop, len(cn.Links))
	}
	nd := newBranch(bitWidth)
	var k int
	for j := 0; j < width; j++ {
		if cn.Bmap[j/8]&(1<<(j%8)) != 0 {
			nd.links[j] = &link{cid: cn.Links[k]}
			k++
		}
	}
	return nd, nil
}

// compact converts the fixed-slot node into its sparse on-disk shape. Every
// link must be clean; flush before serializing.
func (n *node) compact(bitWidth uint) (*collapsedNode, error) {
	cn := &collapsedNode{Bmap: make([]byte, bmapBytes(bitWidth))}
	if n.values != nil {
		for j, v := range n.values {
			if v == nil {
				continue
			}
			cn.Values = append(cn.Values, v)
			cn.Bmap[j/8] |= 1 << (j % 8)
		}
		return cn, nil
	}
	for j, ln := range n.links {
		if ln == nil {
			continue
		}
		if ln.dirty {
			return nil, xerrors.New("links must be flushed before serialization")
		}
		cn.Links = append(cn.Links, ln.cid)
		cn.Bmap[j/8] |= 1 << (j % 8)
	}
	return cn, nil
}

// rootWire decodes either root generation; Legacy reports which one was on
// the wire.
type rootWire struct {
	BitWidth uint64
	Height   uint64
	Count    uint64
	Node     collapsedNode
	Legacy   bool
}

func (rw *rootWire) UnmarshalCBOR(r io.Reader) error {
	*rw = rootWire{}
	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray || (extra != 3 && extra != 4) {
		return xerrors.Errorf("amt root: expected 3- or 4-element array, got major type %d length %d", maj, extra)
	}
	rw.Legacy = extra == 3

	readUint := func(field string) (uint64, error) {
		maj, extra, err := cr.ReadHeader()
		if err != nil {
			return 0, err
		}
		if maj != cbg.MajUnsignedInt {
			return 0, xerrors.Errorf("amt root %s: expected unsigned int, got major type %d", field, maj)
		}
		return extra, nil
	}

	if !rw.Legacy {
		if rw.BitWidth, err = readUint("bit width"); err != nil {
			return err
		}
	}
	if rw.Height, err = readUint("height"); err != nil {
		return err
	}
	if rw.Count, err = readUint("count"); err != nil {
		return err
	}
	return rw.Node.UnmarshalCBOR(cr)
}

// MarshalCBOR writes the versioned root shape. New roots are never written
// legacy.
func (r *Root) MarshalCBOR(w io.Writer) error {
	cn, err := r.node.compact(r.bitWidth)
	if err != nil {
		return err
	}

	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 4); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(r.bitWidth)); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, r.height); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, r.count); err != nil {
		return err
	}
	return cn.MarshalCBOR(cw)
}
