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

// Package accum implements the Sum/Count/Avg running accumulators of
// spec §4.5's accumulator contract table, as a tagged variant rather
// than the virtual-dispatch hierarchy the original enclave used (spec §9
// design note "Polymorphic accumulators" / "Dynamic cast for accumulator
// copy"): one struct, one Kind tag, one Add dispatch, and accumulator
// copy is a Kind equality check instead of a dynamic_cast.
//
// Grounded on
// _examples/SnellerInc-sneller/vm/hash_aggregate.go's AggregateKind
// tagged dispatch.
package accum

import (
	"fmt"
	"math"

	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/kerr"
)

// Kind selects which aggregation function an Accumulator runs.
type Kind uint8

const (
	Sum Kind = iota
	Count
	Avg
)

// Accumulator holds the running state for one aggregation function.
// sum64/count64 back all three kinds: Sum uses sum64 truncated to 32
// bits on Result, Count uses count64 truncated to 32 bits, Avg uses
// both at full 64-bit width (spec §4.5 table: Avg's inputs are
// Integer32 but its running state is specified as 64-bit to delay
// rounding until Result).
type Accumulator struct {
	Kind    Kind
	sum64   uint64
	count64 uint64
}

// New returns a zeroed Accumulator for the given kind.
func New(kind Kind) *Accumulator {
	return &Accumulator{Kind: kind}
}

// Reset zeroes the running state without changing Kind. Both
// accumulators in a Local Aggregation Scan (current and previous, spec
// §4.5) are reset at scan start.
func (a *Accumulator) Reset() {
	a.sum64 = 0
	a.count64 = 0
}

// Add folds one attribute value into the running state. Sum and Avg
// require an Integer32 input (spec §4.5 table); Count accepts any
// attribute since it only counts occurrences. Unsigned 32-bit addition
// wraps per spec (callers must bound partition sizes); the 64-bit
// running total here only delays that wrap to Result, it does not avoid
// it.
func (a *Accumulator) Add(v attr.Attribute) error {
	switch a.Kind {
	case Sum:
		n, err := attr.AsInt32(v)
		if err != nil {
			return kerr.Wrap(kerr.Arithmetic, "sum_accumulator", err)
		}
		a.sum64 += uint64(n)
	case Count:
		a.count64++
	case Avg:
		n, err := attr.AsInt32(v)
		if err != nil {
			return kerr.Wrap(kerr.Arithmetic, "avg_accumulator", err)
		}
		a.sum64 += uint64(n)
		a.count64++
	default:
		return fmt.Errorf("unknown accumulator kind %d", a.Kind)
	}
	return nil
}

// CopyFrom replaces a's state with src's. It is the "dynamic cast for
// accumulator copy" of spec §9's design note, reduced to a tag equality
// check: copying across different Kinds is a usage error, since it would
// mean the caller mixed op-codes mid-pipeline.
func (a *Accumulator) CopyFrom(src *Accumulator) error {
	if a.Kind != src.Kind {
		return fmt.Errorf("cannot copy %v accumulator state into %v accumulator", src.Kind, a.Kind)
	}
	a.sum64 = src.sum64
	a.count64 = src.count64
	return nil
}

// Merge folds src's running state into a, combining two partial
// aggregates of the same Kind into one (spec §4.6's boundary merge and
// §4.7's global reduction both fold several partial aggregates this
// way, as opposed to CopyFrom's overwrite).
func (a *Accumulator) Merge(src *Accumulator) error {
	if a.Kind != src.Kind {
		return fmt.Errorf("cannot merge %v accumulator state into %v accumulator", src.Kind, a.Kind)
	}
	a.sum64 += src.sum64
	a.count64 += src.count64
	return nil
}

// Result serializes the current running state into the fixed format of
// spec §4.5's table: Sum and Count both produce (Integer32, 4, u32);
// Avg produces (Float64, 8, f64 sum/count). Avg's division is IEEE-754
// double and is NaN only if count is zero, which spec notes cannot
// happen for a non-empty group.
func (a *Accumulator) Result() (attr.Attribute, error) {
	switch a.Kind {
	case Sum:
		return attr.Int32(uint32(a.sum64)), nil
	case Count:
		return attr.Int32(uint32(a.count64)), nil
	case Avg:
		return attr.Float64Value(float64(a.sum64) / float64(a.count64)), nil
	default:
		return attr.Attribute{}, fmt.Errorf("unknown accumulator kind %d", a.Kind)
	}
}

// LoadSeed restores running state from a previously serialized Result,
// the inverse of Result, used to seed an accumulator from an incoming
// agg-record (spec §4.5 "load it as the seed state").
//
// For Sum and Count this round-trips exactly: the agg-record's 32-bit
// value becomes the new running total. For Avg it cannot: spec §4.5's
// agg-record carries a single serialized Attribute per group, and for
// Avg that Attribute is already the divided quotient (Float64), not the
// underlying (sum, count) pair -- the original enclave's
// aggregate_data_avg was never actually reachable from any op-code
// (spec §9 Open Question), so this path was never exercised upstream
// either. LoadSeed treats the incoming quotient as a single prior
// observation (count=1) so accumulation can continue at reduced
// precision; op-codes that need exact cross-boundary Avg merging must
// carry Sum and Count as two separate op-codes and divide at the host,
// outside this kernel.
func LoadSeed(kind Kind, seed attr.Attribute) (*Accumulator, error) {
	a := New(kind)
	switch kind {
	case Sum:
		n, err := attr.AsInt32(seed)
		if err != nil {
			return nil, kerr.Wrap(kerr.Arithmetic, "sum_seed", err)
		}
		a.sum64 = uint64(n)
	case Count:
		n, err := attr.AsInt32(seed)
		if err != nil {
			return nil, kerr.Wrap(kerr.Arithmetic, "count_seed", err)
		}
		a.count64 = uint64(n)
	case Avg:
		f, err := attr.AsFloat64(seed)
		if err != nil {
			return nil, fmt.Errorf("avg seed: %w", err)
		}
		a.sum64 = uint64(math.Round(f))
		a.count64 = 1
	default:
		return nil, fmt.Errorf("unknown accumulator kind %d", kind)
	}
	return a, nil
}
