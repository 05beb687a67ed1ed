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

// Package opcode decodes the aggregation op-code of spec §3: "an integer
// identifying (a) the aggregation function ..., (b) the 1-based index of
// the group-by attribute, and (c) the 1-based index of the aggregated
// attribute". The op-code is a contract between the query planner (out
// of scope, spec §1) and this kernel -- it is never parsed from row
// contents.
package opcode

import "fmt"

// Func is the aggregation function an op-code selects.
type Func uint8

const (
	Sum Func = iota
	Count
	Avg
)

func (f Func) String() string {
	switch f {
	case Sum:
		return "Sum"
	case Count:
		return "Count"
	case Avg:
		return "Avg"
	default:
		return fmt.Sprintf("Func(%d)", uint8(f))
	}
}

// Code is the decoded form of an aggregation op-code.
type Code struct {
	Func      Func
	GroupAttr uint32 // 1-based index of the group-by attribute
	AggAttr   uint32 // 1-based index of the aggregated attribute
}

// Wire layout of a Code packed into an int64, chosen by this host: the
// low 2 bits select Func, the next 24 bits are GroupAttr, the next 24
// bits are AggAttr. Op-codes are host-generated (by the query planner)
// and never round-trip through untrusted storage, so the layout only
// needs to be stable within one deployment.
const (
	funcBits  = 2
	attrBits  = 24
	funcMask  = (1 << funcBits) - 1
	attrMask  = (1 << attrBits) - 1
)

// Encode packs c into the wire representation host code passes to this
// kernel's entry points.
func (c Code) Encode() int64 {
	return int64(uint64(c.Func)&funcMask) |
		int64(uint64(c.GroupAttr)&attrMask)<<funcBits |
		int64(uint64(c.AggAttr)&attrMask)<<(funcBits+attrBits)
}

// Decode unpacks a wire op-code. It fails with a Usage-class error
// (surfaced by the caller as kerr.Usage) if the function selector is not
// one of Sum/Count/Avg or either attribute index is zero.
func Decode(raw int64) (Code, error) {
	u := uint64(raw)
	c := Code{
		Func:      Func(u & funcMask),
		GroupAttr: uint32((u >> funcBits) & attrMask),
		AggAttr:   uint32((u >> (funcBits + attrBits)) & attrMask),
	}
	if c.Func != Sum && c.Func != Count && c.Func != Avg {
		return Code{}, fmt.Errorf("op-code %d: unknown aggregation function %d", raw, c.Func)
	}
	if c.GroupAttr == 0 {
		return Code{}, fmt.Errorf("op-code %d: group-by attribute index must be 1-based, got 0", raw)
	}
	if c.AggAttr == 0 {
		return Code{}, fmt.Errorf("op-code %d: aggregated attribute index must be 1-based, got 0", raw)
	}
	return c, nil
}

// Filter op-codes (spec §6): distinct, smaller namespace from the
// aggregation op-codes above, interpreted directly by
// kernel.FilterSingleRow.
const (
	// FilterLowValue keeps a row iff attribute 2 (Integer32) <= 3.
	FilterLowValue int64 = 0
	// FilterDropDummy drops a row iff attribute 4 has type Dummy.
	FilterDropDummy int64 = 2
	// FilterDiagnostic always drops; used to test host wiring.
	FilterDiagnostic int64 = -1
)
