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

// Package aggrec implements the agg-record of spec §3: a fixed-size
// buffer carrying (distinct_entries, offset, sort_attr, agg_attr) plus
// zero padding out to a host-chosen size, so that a dummy record is
// byte-indistinguishable from a real one once encrypted.
//
// Grounded on _examples/original_source/sql/enclave/Enclave/Aggregate.cpp's
// agg_stats_data layout (distinct_entries/offset header followed by
// sort_attr/agg_attr attribute pairs), re-expressed over this module's
// attr.Attribute plaintext encoding instead of raw pointer arithmetic.
package aggrec

import (
	"encoding/binary"

	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/crypto"
	"github.com/oblivquery/kernel/kerr"
	"github.com/oblivquery/kernel/row"
)

// headerSize is the 8-byte (distinct_entries, offset) prefix.
const headerSize = 4 + 4

// Record is the decoded plaintext agg-record.
type Record struct {
	DistinctEntries uint32
	Offset          uint32
	SortAttr        attr.Attribute
	AggAttr         attr.Attribute
}

// IsDummy reports whether r carries no real group (its sort attribute's
// type tag is Dummy). A dummy agg-record is the seed passed to the first
// worker in a pipeline, or to a partition that received no incoming
// boundary record.
func (r Record) IsDummy() bool { return r.SortAttr.Tag == attr.Dummy }

// Dummy builds a dummy Record whose SortAttr/AggAttr are padded to the
// same sizes a real record of this op-code would use, so it marshals to
// the same length (spec §3's byte-indistinguishability invariant).
func Dummy(sortAttrLen, aggAttrLen int) Record {
	return Record{SortAttr: attr.DummyAttr(sortAttrLen), AggAttr: attr.DummyAttr(aggAttrLen)}
}

// PlainSize returns the number of plaintext bytes Marshal would produce
// before padding.
func (r Record) PlainSize() int {
	return headerSize + r.SortAttr.Size() + r.AggAttr.Size()
}

// MarshalPlain encodes r and zero-pads the result out to padTo bytes. It
// fails with a kerr.Capacity error if r's natural size already exceeds
// padTo.
func MarshalPlain(r Record, padTo int) ([]byte, error) {
	size := r.PlainSize()
	if size > padTo {
		return nil, kerr.New(kerr.Capacity, "marshal_agg_record", "agg-record of %d bytes exceeds agg_upper_bound %d", size, padTo)
	}
	out := make([]byte, 0, padTo)
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], r.DistinctEntries)
	binary.LittleEndian.PutUint32(hdr[4:8], r.Offset)
	out = append(out, hdr[:]...)
	out = r.SortAttr.Marshal(out)
	out = r.AggAttr.Marshal(out)
	if pad := padTo - len(out); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out, nil
}

// UnmarshalPlain decodes a Record from its plaintext encoding, ignoring
// any trailing pad bytes.
func UnmarshalPlain(buf []byte) (Record, error) {
	if len(buf) < headerSize {
		return Record{}, kerr.New(kerr.Integrity, "unmarshal_agg_record", "agg-record truncated: %d bytes", len(buf))
	}
	distinct := binary.LittleEndian.Uint32(buf[0:4])
	offset := binary.LittleEndian.Uint32(buf[4:8])
	rest := buf[headerSize:]
	sortAttr, rest, err := attr.Unmarshal(rest)
	if err != nil {
		return Record{}, kerr.Wrap(kerr.Integrity, "unmarshal_agg_record", err)
	}
	aggAttr, _, err := attr.Unmarshal(rest)
	if err != nil {
		return Record{}, kerr.Wrap(kerr.Integrity, "unmarshal_agg_record", err)
	}
	return Record{DistinctEntries: distinct, Offset: offset, SortAttr: sortAttr, AggAttr: aggAttr}, nil
}

// Encrypt marshals r padded to padTo bytes and seals it with aead,
// producing the enc_agg_record ciphertext that crosses the wire between
// workers (spec §4.6) or sits in the output of pass 1 (spec §4.5).
func Encrypt(aead *crypto.AEADCollaborator, r Record, padTo int) ([]byte, error) {
	plain, err := MarshalPlain(r, padTo)
	if err != nil {
		return nil, err
	}
	return aead.Encrypt(plain, nil)
}

// Decrypt opens an enc_agg_record ciphertext and decodes it.
func Decrypt(aead *crypto.AEADCollaborator, ciphertext []byte) (Record, error) {
	plain, err := aead.Decrypt(ciphertext)
	if err != nil {
		return Record{}, kerr.Wrap(kerr.Integrity, "decrypt_agg_record", err)
	}
	return UnmarshalPlain(plain)
}

// PackBoundaryRecord serializes the (first_row, enc_agg) pair spec §6
// describes pass 1's per-partition output as: the encoded row (which
// already carries its own num_cols header) immediately followed by a
// 4-byte length and the enc_agg ciphertext. This is the unit Boundary
// Reconciliation (spec §4.6) consumes one per worker.
func PackBoundaryRecord(firstRow, encAgg []byte) []byte {
	out := make([]byte, 0, len(firstRow)+4+len(encAgg))
	out = append(out, firstRow...)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(encAgg)))
	out = append(out, l[:]...)
	out = append(out, encAgg...)
	return out
}

// UnpackBoundaryRecord reverses PackBoundaryRecord. It returns the
// remaining bytes after the pair so callers can walk a buffer holding one
// pair per worker.
func UnpackBoundaryRecord(buf []byte) (firstRow, encAgg, rest []byte, err error) {
	n, err := row.RowByteLen(buf)
	if err != nil {
		return nil, nil, nil, err
	}
	firstRow = buf[:n]
	tail := buf[n:]
	if len(tail) < 4 {
		return nil, nil, nil, kerr.New(kerr.Integrity, "unpack_boundary_record", "truncated enc_agg length prefix")
	}
	encLen := binary.LittleEndian.Uint32(tail[:4])
	tail = tail[4:]
	if uint64(len(tail)) < uint64(encLen) {
		return nil, nil, nil, kerr.New(kerr.Integrity, "unpack_boundary_record", "truncated enc_agg body")
	}
	encAgg = tail[:encLen]
	rest = tail[encLen:]
	return firstRow, encAgg, rest, nil
}
