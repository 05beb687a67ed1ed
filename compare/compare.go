// Copyright (C) 2024 Oblivquery, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package compare implements the Comparator of spec §4.2: given an
// op-code, decide which attributes form the sort key and order
// plaintext records.
//
// The type-relation dispatch here is modeled on
// _examples/SnellerInc-sneller/sorting/compare_tuple.go's
// compareEquallySizedTuplesUnsafe, reduced from Ion's full value domain
// down to this spec's three type tags (Integer32, String, Dummy).
package compare

import (
	"bytes"
	"fmt"

	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/opcode"
)

// Comparator orders decoded records by an op-code's declared sort key
// (the group-by attribute), falling back to the aggregated attribute and
// then the raw row bytes to produce a strict total order. Every
// tie-break step beyond the primary sort key increments Deep, so callers
// can surface it for performance diagnosis (spec §4.2).
type Comparator struct {
	code opcode.Code
	Deep int64
}

// New builds a Comparator for the given aggregation op-code.
func New(code opcode.Code) *Comparator {
	return &Comparator{code: code}
}

// Record is the minimal view a Comparator needs of a row: its decoded
// group-by and aggregated attributes, plus the raw row bytes used only
// as the final deterministic tie-break.
type Record struct {
	GroupAttr attr.Attribute
	AggAttr   attr.Attribute
	RawRow    []byte
}

// Less reports whether a sorts strictly before b. It returns an error
// (surfaced by the caller as kerr.Arithmetic, spec §7 "Incomparable
// Types is fatal") if the group-by attributes of a and b have types that
// cannot be ordered against each other.
func (c *Comparator) Less(a, b Record) (bool, error) {
	rel, err := compareAttr(a.GroupAttr, b.GroupAttr)
	if err != nil {
		return false, err
	}
	if rel != 0 {
		return rel < 0, nil
	}
	c.Deep++
	rel, err = compareAttr(a.AggAttr, b.AggAttr)
	if err != nil {
		return false, err
	}
	if rel != 0 {
		return rel < 0, nil
	}
	c.Deep++
	return bytes.Compare(a.RawRow, b.RawRow) < 0, nil
}

// Equal reports whether a and b carry the same group key -- the test the
// Local Aggregation Scan uses to decide whether a row continues the
// current group (spec §4.5).
func Equal(a, b attr.Attribute) bool {
	return attr.Equal(a, b)
}

// typeRank orders type tags relative to each other when they differ:
// Dummy sorts last so that padding never shows up before real groups in
// a partially-padded output, Integer32 before String.
func typeRank(t attr.Tag) (int, bool) {
	switch t {
	case attr.Integer32:
		return 0, true
	case attr.String:
		return 1, true
	case attr.Dummy:
		return 2, true
	default:
		return 0, false
	}
}

// compareAttr returns <0, 0, >0 the way bytes.Compare does, or an error
// if either attribute's type tag is not one this comparator knows how to
// order (spec §4.2 IncomparableTypes).
func compareAttr(a, b attr.Attribute) (int, error) {
	ra, ok := typeRank(a.Tag)
	if !ok {
		return 0, fmt.Errorf("incomparable type tag %s", a.Tag)
	}
	rb, ok := typeRank(b.Tag)
	if !ok {
		return 0, fmt.Errorf("incomparable type tag %s", b.Tag)
	}
	if a.Tag != b.Tag {
		return ra - rb, nil
	}
	switch a.Tag {
	case attr.Integer32:
		av, err := attr.AsInt32(a)
		if err != nil {
			return 0, err
		}
		bv, err := attr.AsInt32(b)
		if err != nil {
			return 0, err
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case attr.String:
		return bytes.Compare(a.Bytes, b.Bytes), nil
	case attr.Dummy:
		return 0, nil
	default:
		return 0, fmt.Errorf("incomparable type tag %s", a.Tag)
	}
}
