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

// Package attr implements the plaintext Attribute layout of spec §3:
//
//	(type_tag: u8, length: u32, bytes[length])
//
// Attributes are always handled decrypted in this package; the
// encrypted-on-the-wire form is a Row Codec concern (package row).
package attr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tag identifies the plaintext type of an Attribute.
type Tag uint8

const (
	// Integer32 attributes always carry a 4-byte little-endian value.
	Integer32 Tag = iota
	// String attributes carry an arbitrary-length UTF-8 byte string.
	String
	// Float64 attributes carry an 8-byte IEEE-754 double, used only as
	// the serialized result of an Avg accumulator (spec §4.5 table).
	Float64
	// Dummy attributes carry no meaningful payload; their presence (not
	// their length) is what hides real occupancy from a ciphertext
	// observer (spec §3 invariants).
	Dummy
)

func (t Tag) String() string {
	switch t {
	case Integer32:
		return "Integer32"
	case String:
		return "String"
	case Float64:
		return "Float64"
	case Dummy:
		return "Dummy"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Attribute is a decoded, typed byte-string.
type Attribute struct {
	Tag   Tag
	Bytes []byte
}

// headerSize is the on-wire plaintext header: 1 byte tag + 4 byte length.
const headerSize = 1 + 4

// Size returns the number of plaintext bytes Marshal would produce.
func (a Attribute) Size() int { return headerSize + len(a.Bytes) }

// Marshal appends the plaintext encoding of a to dst and returns the
// extended slice.
func (a Attribute) Marshal(dst []byte) []byte {
	dst = append(dst, byte(a.Tag))
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(a.Bytes)))
	dst = append(dst, lenbuf[:]...)
	dst = append(dst, a.Bytes...)
	return dst
}

// Unmarshal reads one Attribute from the head of src and returns it along
// with the remaining bytes. It fails (kerr.Integrity, surfaced by the
// caller) if src is too short for the declared length.
func Unmarshal(src []byte) (Attribute, []byte, error) {
	if len(src) < headerSize {
		return Attribute{}, nil, fmt.Errorf("attribute header truncated: have %d bytes, need %d", len(src), headerSize)
	}
	tag := Tag(src[0])
	n := binary.LittleEndian.Uint32(src[1:5])
	rest := src[headerSize:]
	if uint64(len(rest)) < uint64(n) {
		return Attribute{}, nil, fmt.Errorf("attribute body truncated: have %d bytes, need %d", len(rest), n)
	}
	return Attribute{Tag: tag, Bytes: rest[:n:n]}, rest[n:], nil
}

// Int32 constructs an Integer32 attribute from v.
func Int32(v uint32) Attribute {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return Attribute{Tag: Integer32, Bytes: b[:]}
}

// AsInt32 decodes an Integer32 attribute's value. It returns an error
// (kerr.Arithmetic, surfaced by the caller) if a is not a 4-byte
// Integer32.
func AsInt32(a Attribute) (uint32, error) {
	if a.Tag != Integer32 {
		return 0, fmt.Errorf("attribute is %s, not Integer32", a.Tag)
	}
	if len(a.Bytes) != 4 {
		return 0, fmt.Errorf("Integer32 attribute has length %d, want 4", len(a.Bytes))
	}
	return binary.LittleEndian.Uint32(a.Bytes), nil
}

// Float64Value constructs a Float64 attribute from v.
func Float64Value(v float64) Attribute {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return Attribute{Tag: Float64, Bytes: b[:]}
}

// AsFloat64 decodes a Float64 attribute's value.
func AsFloat64(a Attribute) (float64, error) {
	if a.Tag != Float64 {
		return 0, fmt.Errorf("attribute is %s, not Float64", a.Tag)
	}
	if len(a.Bytes) != 8 {
		return 0, fmt.Errorf("Float64 attribute has length %d, want 8", len(a.Bytes))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(a.Bytes)), nil
}

// Str constructs a String attribute.
func Str(s string) Attribute {
	return Attribute{Tag: String, Bytes: []byte(s)}
}

// DummyAttr constructs a Dummy attribute with n bytes of zero padding, so
// that its Size() matches a real attribute it is meant to be
// indistinguishable from (spec §3: "A dummy agg-record is
// byte-indistinguishable from a real one").
func DummyAttr(n int) Attribute {
	return Attribute{Tag: Dummy, Bytes: make([]byte, n)}
}

// Equal reports whether two attributes have the same tag and bytes. Two
// Dummy attributes of different padding length are never Equal to a
// non-Dummy attribute, and are only compared for group-key purposes when
// both sides are already known-real (callers must check Tag == Dummy
// themselves before relying on Equal for group membership).
func Equal(a, b Attribute) bool {
	if a.Tag != b.Tag || len(a.Bytes) != len(b.Bytes) {
		return false
	}
	for i := range a.Bytes {
		if a.Bytes[i] != b.Bytes[i] {
			return false
		}
	}
	return true
}
