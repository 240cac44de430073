// Package persist encodes coverage trees and stores them.
//
// A coverage file is made of a 4 bytes magic, a version byte, the root node
// record and a Keccak-256 checksum of everything that precedes it. Node
// records are protobuf wire messages:
//
//	1-4: x, y, width and height (fixed64 doubles)
//	5:   whole (varint)
//	6:   split (varint)
//	7:   download date in unix nanoseconds (zigzag varint, absent when never)
//	8:   children (4 length delimited slots in NW, NE, SW, SE order, an empty
//	     slot being a missing child, absent for leaves)
package persist

import (
	"bytes"
	"math"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/quadtree"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	ErrTypeMalformed   = "coverage_malformed"
	ErrTypeChecksum    = "coverage_checksum_mismatch"
	ErrTypeVersion     = "coverage_unsupported_version"
	ErrTypeNotFound    = "coverage_not_found"
	ErrTypeStoreFailed = "coverage_store_failed"
)

// Version is the version of the coverage file format.
const Version = 1

const checksumSize = 32

var magic = []byte("QMAP")

const (
	fieldX protowire.Number = iota + 1
	fieldY
	fieldWidth
	fieldHeight
	fieldWhole
	fieldSplit
	fieldDownloaded
	fieldChild
)

// EncodeCoverage encodes a coverage tree. Busy flags are not encoded.
func EncodeCoverage(c *quadtree.Coverage) []byte {
	return Encode(c.Record())
}

// DecodeCoverage decodes a coverage tree encoded with EncodeCoverage.
func DecodeCoverage(b []byte) (*quadtree.Coverage, error) {
	r, err := Decode(b)
	if err != nil {
		return nil, err
	}

	c, err := quadtree.NewCoverageFromRecord(r)
	if err != nil {
		return nil, errors.New("invalid coverage tree").
			WithType(ErrTypeMalformed).
			Wrap(err)
	}
	return c, nil
}

// Encode encodes a record tree into a coverage file.
func Encode(r *quadtree.Record) []byte {
	b := make([]byte, 0, 256)
	b = append(b, magic...)
	b = append(b, Version)
	b = appendRecord(b, r)
	return append(b, crypto.Keccak256(b)...)
}

func appendRecord(b []byte, r *quadtree.Record) []byte {
	b = appendDouble(b, fieldX, r.Rect.X)
	b = appendDouble(b, fieldY, r.Rect.Y)
	b = appendDouble(b, fieldWidth, r.Rect.Width)
	b = appendDouble(b, fieldHeight, r.Rect.Height)

	if r.Whole {
		b = protowire.AppendTag(b, fieldWhole, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if r.Split {
		b = protowire.AppendTag(b, fieldSplit, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if !r.Downloaded.IsZero() {
		b = protowire.AppendTag(b, fieldDownloaded, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Downloaded.UnixNano()))
	}

	if !hasChildren(r) {
		return b
	}
	for _, child := range r.Children {
		b = protowire.AppendTag(b, fieldChild, protowire.BytesType)
		if child == nil {
			b = protowire.AppendVarint(b, 0)
			continue
		}
		b = protowire.AppendBytes(b, appendRecord(nil, child))
	}
	return b
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func hasChildren(r *quadtree.Record) bool {
	for _, c := range r.Children {
		if c != nil {
			return true
		}
	}
	return false
}

// Decode decodes a coverage file into a record tree.
func Decode(b []byte) (*quadtree.Record, error) {
	if len(b) < len(magic)+1+checksumSize {
		return nil, errors.New("coverage file is truncated").
			WithType(ErrTypeMalformed).
			WithTag("size", len(b))
	}
	if !bytes.Equal(b[:len(magic)], magic) {
		return nil, errors.New("not a coverage file").
			WithType(ErrTypeMalformed)
	}
	if v := b[len(magic)]; v != Version {
		return nil, errors.New("unsupported coverage file version").
			WithType(ErrTypeVersion).
			WithTag("version", v)
	}

	content, checksum := b[:len(b)-checksumSize], b[len(b)-checksumSize:]
	if !bytes.Equal(crypto.Keccak256(content), checksum) {
		return nil, errors.New("coverage file checksum mismatch").
			WithType(ErrTypeChecksum)
	}

	return decodeRecord(content[len(magic)+1:], 0)
}

func decodeRecord(b []byte, depth int) (*quadtree.Record, error) {
	if depth > quadtree.MaxRecordDepth {
		return nil, errors.New("record is too deep").WithType(ErrTypeMalformed).WithTag("depth", depth)
	}

	var r quadtree.Record
	var rectFields int
	var slots [][]byte

	for len(b) != 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("invalid field tag").WithType(ErrTypeMalformed).Wrap(protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldX, fieldY, fieldWidth, fieldHeight:
			if typ != protowire.Fixed64Type {
				return nil, unexpectedType(num, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, errors.New("invalid rect").WithType(ErrTypeMalformed).Wrap(protowire.ParseError(n))
			}
			b = b[n:]

			f := math.Float64frombits(v)
			switch num {
			case fieldX:
				r.Rect.X = f
			case fieldY:
				r.Rect.Y = f
			case fieldWidth:
				r.Rect.Width = f
			case fieldHeight:
				r.Rect.Height = f
			}
			rectFields++

		case fieldWhole, fieldSplit, fieldDownloaded:
			if typ != protowire.VarintType {
				return nil, unexpectedType(num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("invalid flag").WithType(ErrTypeMalformed).Wrap(protowire.ParseError(n))
			}
			b = b[n:]

			switch num {
			case fieldWhole:
				r.Whole = v != 0
			case fieldSplit:
				r.Split = v != 0
			case fieldDownloaded:
				r.Downloaded = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}

		case fieldChild:
			if typ != protowire.BytesType {
				return nil, unexpectedType(num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("invalid child").WithType(ErrTypeMalformed).Wrap(protowire.ParseError(n))
			}
			b = b[n:]
			slots = append(slots, v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("invalid unknown field").WithType(ErrTypeMalformed).Wrap(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if rectFields != 4 {
		return nil, errors.New("incomplete rect").WithType(ErrTypeMalformed).WithTag("fields", rectFields)
	}
	if len(slots) != 0 && len(slots) != len(r.Children) {
		return nil, errors.New("invalid number of children").WithType(ErrTypeMalformed).WithTag("children", len(slots))
	}

	rect := r.Rect
	for i, slot := range slots {
		if len(slot) == 0 {
			continue
		}

		child, err := decodeRecord(slot, depth+1)
		if err != nil {
			return nil, err
		}
		if child.Rect != rect.Child(geometry.Quadrants[i]) {
			return nil, errors.New("child rect does not match its quadrant").WithType(ErrTypeMalformed).
				WithTag("parent", rect.String()).
				WithTag("rect", child.Rect.String())
		}
		r.Children[i] = child
	}
	return &r, nil
}

func unexpectedType(num protowire.Number, typ protowire.Type) error {
	return errors.New("unexpected field type").WithType(ErrTypeMalformed).
		WithTag("field", int(num)).
		WithTag("type", int(typ))
}
