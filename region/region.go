// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package region defines the storage primitive that every backend
// operates on: a fixed-size, linearly addressed byte array reachable
// through a backend-opaque identifier and a scatter/gather segment list.
package region

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/errs"
)

// Error is the default error class for region-level failures.
var Error = errs.Class("region")

// ErrOutOfBounds is returned when a segment list addresses bytes outside
// a region's fixed size.
var ErrOutOfBounds = Error.New("segment out of bounds")

// ID is an opaque, backend-defined byte string, typically no more than
// 64 bytes. The dispatch core never inspects it; it only copies it and
// carries it over the wire in its hex String form.
type ID []byte

// String renders the ID as hex. The RPC layer uses this form for region
// IDs on the wire; ParseID reverses it.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

// ParseID decodes a hex string produced by ID.String back into an ID.
func ParseID(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return ID(raw), nil
}

// Equal reports whether two IDs hold the same bytes.
func (id ID) Equal(other ID) bool {
	if len(id) != len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// Segment addresses a contiguous byte range within a region.
type Segment struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive end offset of the segment.
func (s Segment) End() uint64 { return s.Offset + s.Length }

// Segments is an ordered scatter/gather list. The i-th segment
// consumes/produces bytes [sum(len_j, j<i), sum(len_j, j<=i)) of the
// contiguous payload passed to write/read.
type Segments []Segment

// TotalLength returns the sum of every segment's length.
func (s Segments) TotalLength() uint64 {
	var total uint64
	for _, seg := range s {
		total += seg.Length
	}
	return total
}

// Validate checks every segment against regionSize, per the contract in
// component A: out-of-bounds segments fail the entire call, and an
// empty list is always valid (used by persist's no-op case).
func (s Segments) Validate(regionSize uint64) error {
	for _, seg := range s {
		if seg.End() > regionSize {
			return ErrOutOfBounds
		}
	}
	return nil
}

// Region is a fixed-size linearly addressed byte array inside a target.
// Implementations are provided by backends; the dispatch core only ever
// holds a Region for the duration of a single RPC.
type Region interface {
	// GetRegionID returns the identifier this region was created or
	// opened with.
	GetRegionID() ID

	// Size returns the fixed size the region was created with.
	Size() uint64

	// Write writes the concatenation of payload into the given segments,
	// in order. Overlapping segments resolve to the last segment's value
	// at each overlapping offset. An out-of-bounds segment fails the
	// entire call with no observable partial effect. persist, when true,
	// forces durability of the written bytes before returning (no-op for
	// non-durable backends).
	Write(ctx context.Context, segments Segments, payload []byte, persist bool) error

	// Read reads the given segments, in order, into a single contiguous
	// buffer and returns it.
	Read(ctx context.Context, segments Segments) ([]byte, error)

	// Persist forces durability of the given segments. An empty segment
	// list is a no-op that always succeeds. Calling Persist twice with
	// the same segments is equivalent to calling it once.
	Persist(ctx context.Context, segments Segments) error
}
