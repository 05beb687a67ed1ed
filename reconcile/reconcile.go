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

// Package reconcile implements Boundary Reconciliation (spec §4.6): a
// coordinator-side pass, run once after every worker's pass 1, that turns
// num_workers local (first_row, pass-1 summary) pairs into num_workers
// globally correct seed agg-records for pass 2.
//
// No direct teacher analogue -- Sneller's own aggregation is in-memory,
// single-node, with no cross-partition boundary-merge phase. Built from
// spec.md §4.6's two-round algorithm description; the original
// _examples/original_source/sql/enclave/Enclave/Aggregate.cpp's
// process_boundary_records was read for inspiration but not followed
// line for line, see DESIGN.md's Open Questions for why.
package reconcile

import (
	"github.com/oblivquery/kernel/accum"
	"github.com/oblivquery/kernel/aggrec"
	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/compr"
	"github.com/oblivquery/kernel/kerr"
	"github.com/oblivquery/kernel/opcode"
)

// CompressBoundaryPayload compresses one worker's packed (first_row,
// enc_agg) wire pair (aggrec.PackBoundaryRecord's output) with s2 before
// it crosses the worker-to-coordinator transport that feeds Reconcile.
// s2 favors encode/decode speed over ratio, the right tradeoff for a
// payload this small and this latency-sensitive (one per worker, once
// per query, on the critical path before pass 2 can start).
func CompressBoundaryPayload(packed []byte) []byte {
	return compr.Compression("s2").Compress(packed, nil)
}

// DecompressBoundaryPayload reverses CompressBoundaryPayload. originalLen
// must be the exact packed length, carried alongside the compressed
// bytes on the wire (e.g. the 4-byte length prefix kernel.PackBoundaryPair
// writes in front of each compressed payload).
func DecompressBoundaryPayload(compressed []byte, originalLen int) ([]byte, error) {
	dst := make([]byte, originalLen)
	if err := compr.Decompression("s2").Decompress(compressed, dst); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "process_boundary_records", err)
	}
	return dst, nil
}

// kindOf maps an op-code's aggregation function onto accum.Kind,
// mirroring aggscan's own explicit mapping rather than assuming the two
// enums share numeric values by accident.
func kindOf(f opcode.Func) (accum.Kind, error) {
	switch f {
	case opcode.Sum:
		return accum.Sum, nil
	case opcode.Count:
		return accum.Count, nil
	case opcode.Avg:
		return accum.Avg, nil
	default:
		return 0, kerr.New(kerr.Usage, "process_boundary_records", "unknown aggregation function %d", f)
	}
}

// Input is one worker's contribution to reconciliation: the decoded
// group-by attribute of its partition's first row, and its pass-1
// summary agg-record (the still-open running aggregate of whichever
// group that worker's scan ended inside).
type Input struct {
	FirstKey attr.Attribute
	Summary  aggrec.Record
}

// Reconcile runs the two-round algorithm of spec §4.6 over inputs in
// worker order and returns one reconciled seed agg-record per worker, to
// be handed to that worker's pass 2 (aggscan.ScanPass2).
//
// Round 0 computes the globally correct distinct-group count: each
// worker's local distinct_entries assumed a new group at its own first
// row (aggscan's first-row branch, spec §9 Open Question 4), so any
// worker whose first row actually continues the previous worker's
// trailing group over-counts by exactly one; Round 0 corrects for every
// such boundary.
//
// Round 1 walks the same boundaries again, this time folding accumulator
// state forward across a run of workers whose group keys chain together,
// and emitting worker 0's all-important "I am unseeded, here is the
// dataset's total group count" dummy-keyed seed plus, for every worker
// i >= 1, either a real seed (its first row continues a still-open
// chain, so pass 2 must keep accumulating into it) or a dummy seed (its
// first row starts a group nothing before it shares).
func Reconcile(code opcode.Code, inputs []Input) ([]aggrec.Record, error) {
	if len(inputs) == 0 {
		return nil, kerr.New(kerr.Usage, "process_boundary_records", "no workers supplied")
	}
	kind, err := kindOf(code.Func)
	if err != nil {
		return nil, err
	}

	globalDistinct := uint32(0)
	for _, in := range inputs {
		globalDistinct += in.Summary.DistinctEntries
	}
	for i := 1; i < len(inputs); i++ {
		if attr.Equal(inputs[i].FirstKey, inputs[i-1].Summary.SortAttr) {
			globalDistinct--
		}
	}

	sortLen := len(inputs[0].Summary.SortAttr.Bytes)
	aggLen := len(inputs[0].Summary.AggAttr.Bytes)
	dummySeed := func() aggrec.Record {
		return aggrec.Record{DistinctEntries: globalDistinct, SortAttr: attr.DummyAttr(sortLen), AggAttr: attr.DummyAttr(aggLen)}
	}

	out := make([]aggrec.Record, len(inputs))
	seed0 := dummySeed()
	seed0.Offset = 0
	out[0] = seed0

	// prevKey/prevAcc track the currently open chain: the group key and
	// running accumulated value that would continue into the next worker
	// if its first row shares this key. Seeded from worker 0's own
	// summary, since worker 0 has no left neighbor to chain from.
	prevKey := inputs[0].Summary.SortAttr
	prevAcc, err := accum.LoadSeed(kind, inputs[0].Summary.AggAttr)
	if err != nil {
		return nil, err
	}

	offset := uint32(0)
	for i := 1; i < len(inputs); i++ {
		offset += inputs[i-1].Summary.DistinctEntries
		continues := attr.Equal(inputs[i].FirstKey, prevKey)
		if continues {
			offset--
			val, err := prevAcc.Result()
			if err != nil {
				return nil, err
			}
			out[i] = aggrec.Record{DistinctEntries: globalDistinct, Offset: offset, SortAttr: prevKey, AggAttr: val}

			wAcc, err := accum.LoadSeed(kind, inputs[i].Summary.AggAttr)
			if err != nil {
				return nil, err
			}
			if attr.Equal(inputs[i].Summary.SortAttr, prevKey) {
				if err := prevAcc.Merge(wAcc); err != nil {
					return nil, err
				}
			} else {
				// the chain closed inside worker i; its trailing group
				// is the one now open.
				prevAcc = wAcc
				prevKey = inputs[i].Summary.SortAttr
			}
		} else {
			seed := dummySeed()
			seed.Offset = offset
			out[i] = seed

			prevAcc, err = accum.LoadSeed(kind, inputs[i].Summary.AggAttr)
			if err != nil {
				return nil, err
			}
			prevKey = inputs[i].Summary.SortAttr
		}
	}
	return out, nil
}
