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

// Package aggscan implements the Local Aggregation Scan of spec §4.5, the
// central algorithm of this kernel: a single pass over one partition's
// sorted rows that tracks a current/previous running aggregate and emits
// one of two things depending on which half of the two-pass protocol is
// running.
//
// Pass 1 (ScanPass1) produces exactly one summary agg-record per
// partition: the still-open running aggregate of whichever group was
// last seen, carrying that group's accumulated distinct-entry count and
// offset forward. Pass 2 (ScanPass2) repeats the same bookkeeping but
// additionally places every group that a transition proves is finished
// into the final result via a caller-supplied placement callback (spec
// §4.7's Final Aggregation).
//
// Grounded on _examples/SnellerInc-sneller/vm/distinct.go's
// group-transition detection (compare current row's key against the
// previous one) and vm/hash_aggregate.go's per-group accumulator
// lifecycle, reworked from Sneller's hash-bucketed in-memory aggregation
// into a sorted streaming scan carrying the pass-1/pass-2 agg-record seed
// contract spelled out in
// _examples/original_source/sql/enclave/Enclave/Aggregate.cpp's
// scan_aggregation_count_distinct.
package aggscan

import (
	"github.com/oblivquery/kernel/accum"
	"github.com/oblivquery/kernel/aggrec"
	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/compare"
	"github.com/oblivquery/kernel/kerr"
	"github.com/oblivquery/kernel/opcode"
	"github.com/oblivquery/kernel/row"
	"github.com/oblivquery/kernel/sortkernel"
)

// kindOf maps an op-code's aggregation function onto the accum package's
// own enumeration. The two enums share Sneller's Sum/Count/Avg ordering
// by convention only -- this mapping is spelled out explicitly rather
// than relying on the two Go types having identical underlying values.
func kindOf(f opcode.Func) (accum.Kind, error) {
	switch f {
	case opcode.Sum:
		return accum.Sum, nil
	case opcode.Count:
		return accum.Count, nil
	case opcode.Avg:
		return accum.Avg, nil
	default:
		return 0, kerr.New(kerr.Usage, "agg_scan", "unknown aggregation function %d", f)
	}
}

// Stats reports the comparison and deep-comparison counters accumulated
// during a scan, folded together with any sort pass the mode=2 fallback
// ran first.
type Stats struct {
	Comparisons     int64
	DeepComparisons int64
}

// scanState is the live (current_agg / prev_agg, spec §4.5) running
// aggregate for whichever group the scan is presently inside.
//
// offset and placementOffset track two distinct things Aggregate.cpp
// keeps in two distinct variables: offset is current_agg's own
// offset_ptr field, set only when a non-dummy seed is loaded and never
// touched by the per-row loop -- it is pure pass-through state that
// becomes Summary.Offset/Trailing.Offset. placementOffset is the
// function-local `offset` variable, seeded from the same initial value
// but incremented once per proven group transition; it only ever feeds
// the placement index handed to a Transition (Final Aggregation's
// write slot), never the serialized record.
type scanState struct {
	sortAttr        attr.Attribute
	offset          uint32
	placementOffset uint32
	distinctEntries uint32
	acc             *accum.Accumulator
}

// clone takes an independent snapshot of s, the Go analogue of
// Aggregate.cpp's prev_agg.copy_agg(&current_agg): the snapshot is placed
// on a transition before current is updated for the new row.
func (s scanState) clone() scanState {
	accCopy := *s.acc
	return scanState{sortAttr: s.sortAttr, offset: s.offset, placementOffset: s.placementOffset, distinctEntries: s.distinctEntries, acc: &accCopy}
}

// Transition is one group a scan has proven finished: the next row's key
// differed, so no later row in this sorted partition can extend it. Its
// continuation, if any, can only come from another partition and is
// Boundary Reconciliation's job (spec §4.6), not this scan's.
type Transition struct {
	Group           attr.Attribute
	Offset          uint32
	DistinctEntries uint32
	Value           attr.Attribute
}

// runScan is the shared core of both passes: walk rows in sort order,
// seed from incoming (or start unseeded with the special first-row
// branch, spec §9 Open Question 4), and report every group transition to
// onTransition as soon as it is proven complete. The still-open running
// aggregate of whatever group the scan ends inside is returned as final;
// neither pass finalizes that trailing group here -- see ScanPass2's doc
// comment for why that is correct rather than an oversight.
func runScan(code opcode.Code, kind accum.Kind, rows []byte, seed aggrec.Record, stats *Stats, onTransition func(Transition) error) (final scanState, firstRow []byte, err error) {
	current := scanState{acc: accum.New(kind)}
	seeded := !seed.IsDummy()
	if seeded {
		sa, err := accum.LoadSeed(kind, seed.AggAttr)
		if err != nil {
			return scanState{}, nil, err
		}
		current = scanState{
			sortAttr:        seed.SortAttr,
			offset:          seed.Offset,
			placementOffset: seed.Offset,
			distinctEntries: seed.DistinctEntries,
			acc:             sa,
		}
	}

	r := row.NewReader(rows)
	rowIndex := 0
	for {
		raw, ok, err := r.Next()
		if err != nil {
			return scanState{}, nil, err
		}
		if !ok {
			break
		}
		if rowIndex == 0 {
			firstRow = raw
		}

		sp, err := sortkernel.DecodePointer(code, raw)
		if err != nil {
			return scanState{}, nil, err
		}

		// Special first-row branch (spec §9 Open Question 4): the first
		// row of a partition that was not seeded by an incoming non-dummy
		// agg-record always starts a new group, regardless of pass.
		if rowIndex == 0 && !seeded {
			current.distinctEntries++
			current.sortAttr = sp.Group
			if err := current.acc.Add(sp.Agg); err != nil {
				return scanState{}, nil, err
			}
			rowIndex++
			continue
		}

		stats.Comparisons++
		if compare.Equal(sp.Group, current.sortAttr) {
			if err := current.acc.Add(sp.Agg); err != nil {
				return scanState{}, nil, err
			}
		} else {
			prev := current.clone()
			current.distinctEntries++
			current.placementOffset++
			current.acc.Reset()
			current.sortAttr = sp.Group
			if err := current.acc.Add(sp.Agg); err != nil {
				return scanState{}, nil, err
			}
			if onTransition != nil {
				val, err := prev.acc.Result()
				if err != nil {
					return scanState{}, nil, err
				}
				if err := onTransition(Transition{Group: prev.sortAttr, Offset: prev.placementOffset, DistinctEntries: prev.distinctEntries, Value: val}); err != nil {
					return scanState{}, nil, err
				}
			}
		}
		rowIndex++
	}
	return current, firstRow, nil
}

// maybeSort runs the External Sort fallback for the mode=2 high-
// cardinality regime (spec §4.5: "mode=2 (sort-based fallback)"), used
// when the host has not already produced rows in sorted order for this
// partition. mode=1 (scan-based) assumes rows already arrive sorted, the
// common case once the Range Partitioner has done its job.
func maybeSort(code opcode.Code, mode int, rows []byte, lim SortFallbackLimits, stats *Stats) ([]byte, error) {
	if mode != 2 {
		return rows, nil
	}
	sorted, sortStats, err := sortkernel.Sort(code, [][]byte{rows}, lim.RowUpperBound, lim.MaxNumStreams, lim.ScratchCap, lim.PoolCapacity)
	if err != nil {
		return nil, err
	}
	stats.Comparisons += sortStats.Comparisons
	stats.DeepComparisons += sortStats.DeepComparisons
	return sorted, nil
}

// SortFallbackLimits sizes the mode=2 sort-based fallback's call into
// sortkernel.Sort.
type SortFallbackLimits struct {
	RowUpperBound int
	MaxNumStreams int
	ScratchCap    int
	PoolCapacity  int
}

// Pass1Result is the (first_row, enc_agg) pair spec §6 names as pass 1's
// per-partition output: the raw bytes of this partition's first row
// (plaintext framing only -- its attributes remain encrypted) and the
// still-open running aggregate of the last group the scan reached, which
// the caller encrypts as the summary agg-record that seeds either the next
// partition's pass 1 or Boundary Reconciliation.
type Pass1Result struct {
	FirstRow []byte
	Summary  aggrec.Record
}

// ScanPass1 runs the first pass of the Local Aggregation Scan (spec
// §4.5). It seeds from incoming (a dummy Record if this is the first
// partition in the pipeline), walks rows in sort order accumulating per
// group, and returns the partition's first row together with the
// still-open running aggregate of whichever group the scan ended inside.
// It never finalizes any group into an output row -- that is pass 2's
// job, once Boundary Reconciliation has told every partition which of its
// groups actually ended where.
func ScanPass1(code opcode.Code, mode int, rows []byte, incoming aggrec.Record, fallback SortFallbackLimits) (Pass1Result, Stats, error) {
	var stats Stats
	kind, err := kindOf(code.Func)
	if err != nil {
		return Pass1Result{}, stats, err
	}
	sorted, err := maybeSort(code, mode, rows, fallback, &stats)
	if err != nil {
		return Pass1Result{}, stats, err
	}
	final, firstRow, err := runScan(code, kind, sorted, incoming, &stats, nil)
	if err != nil {
		return Pass1Result{}, stats, err
	}
	val, err := final.acc.Result()
	if err != nil {
		return Pass1Result{}, stats, err
	}
	return Pass1Result{
		FirstRow: firstRow,
		Summary: aggrec.Record{
			DistinctEntries: final.distinctEntries,
			Offset:          final.offset,
			SortAttr:        final.sortAttr,
			AggAttr:         val,
		},
	}, stats, nil
}

// Pass2Result mirrors Pass1Result: the partition's first row, and the
// still-open trailing group's running aggregate, now seeded from Boundary
// Reconciliation's output rather than handed forward to pass 1 of the
// next partition.
type Pass2Result struct {
	FirstRow []byte
	Trailing aggrec.Record
}

// ScanPass2 repeats pass 1's per-row bookkeeping, seeded from a
// reconciled agg-record (spec §4.6's output, not pass 1's raw summary),
// but additionally calls place on every group a transition proves
// finished, handing Final Aggregation (spec §4.7) the group's key, global
// offset, distinct-entry count, and final aggregated value.
//
// It deliberately does not call place for the trailing group still open
// when the partition's rows run out. Aggregate.cpp shows no end-of-loop
// placement for this pass (unlike pass 1's explicit final flush) because
// there is none to show: whether that group is truly finished depends on
// whether the next partition's sorted range continues the same key, which
// only Boundary Reconciliation can determine. Placing it here unilaterally
// would double-write (or under-write) a group that reconciliation later
// decides spans the partition boundary. The trailing group's state is
// returned instead, for the caller to hand to reconciliation or to place
// directly once it is known no further partition can extend it.
func ScanPass2(code opcode.Code, mode int, rows []byte, seed aggrec.Record, fallback SortFallbackLimits, place func(Transition) error) (Pass2Result, Stats, error) {
	var stats Stats
	kind, err := kindOf(code.Func)
	if err != nil {
		return Pass2Result{}, stats, err
	}
	sorted, err := maybeSort(code, mode, rows, fallback, &stats)
	if err != nil {
		return Pass2Result{}, stats, err
	}
	final, firstRow, err := runScan(code, kind, sorted, seed, &stats, place)
	if err != nil {
		return Pass2Result{}, stats, err
	}
	val, err := final.acc.Result()
	if err != nil {
		return Pass2Result{}, stats, err
	}
	return Pass2Result{
		FirstRow: firstRow,
		Trailing: aggrec.Record{
			DistinctEntries: final.distinctEntries,
			Offset:          final.offset,
			SortAttr:        final.sortAttr,
			AggAttr:         val,
		},
	}, stats, nil
}
