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

// Package rangepart implements the Range Partitioner of spec §4.4: the
// three operations (sample, find_range_bounds, partition_for_sort) that
// together drive a distributed range-partitioned sort.
//
// The collector-accumulates-into-named-partitions shape is modeled on
// _examples/SnellerInc-sneller/db/partition.go's collector/partition
// pair, re-targeted here from path-template partitioning of object-store
// inputs to sorted-range partitioning of row streams: instead of a
// regex-matched partition name, a row's partition is the range of sample
// boundaries it falls between.
package rangepart

import (
	"github.com/oblivquery/kernel/compare"
	"github.com/oblivquery/kernel/crypto"
	"github.com/oblivquery/kernel/kerr"
	"github.com/oblivquery/kernel/opcode"
	"github.com/oblivquery/kernel/row"
	"github.com/oblivquery/kernel/sortkernel"

	"github.com/dchest/siphash"
)

// Limits bundles the sort-related host constants find_range_bounds and
// partition_for_sort need to drive their internal External Sort calls
// (spec §4.3/§6).
type Limits struct {
	RowUpperBound int
	MaxNumStreams int
	ScratchCap    int
	PoolCapacity  int
}

// Sample emits each row in rows independently with probability
// numerator/denominator (spec's 3277/2^16 ~= 5%), driven by rnd, the
// Random external collaborator. Sampled rows go through a row.Writer
// bounded by rowUpperBound, so the result is a single block only while
// the sampled rows fit in rowUpperBound bytes; a larger sample spans
// several blocks.
//
// Each worker draws its own sample independently; MergeSamples below is
// how a coordinator combines them back into one set before
// find_range_bounds sees it.
func Sample(rows []byte, rnd crypto.Random, numerator, denominator uint32, rowUpperBound int) ([]byte, error) {
	if denominator == 0 {
		return nil, kerr.New(kerr.Usage, "sample", "denominator must be nonzero")
	}
	w := row.NewWriter(rowUpperBound)
	reader := row.NewReader(rows)
	var draw [4]byte
	for {
		r, ok, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := rnd.ReadRand(draw[:]); err != nil {
			return nil, kerr.Wrap(kerr.Integrity, "sample", err)
		}
		v := uint32(draw[0]) | uint32(draw[1])<<8 | uint32(draw[2])<<16 | uint32(draw[3])<<24
		if v%denominator < numerator {
			if err := w.WriteRow(r); err != nil {
				return nil, err
			}
		}
	}
	w.FinishBlock()
	return w.Bytes(), nil
}

// sampleFingerprint computes a deterministic 64-bit digest of a row
// under a fixed key, using the kept siphash package. Not part of the
// sampling decision itself (that is rnd's job, per spec §4.4) -- used by
// MergeSamples to deduplicate identical rows drawn into two independent
// per-worker samples without decrypting either one.
func sampleFingerprint(key0, key1 uint64, row []byte) uint64 {
	return siphash.Hash(key0, key1, row)
}

// MergeSamples unions several per-worker samples (each produced by its
// own Sample call, spec §4.4) into the single sampled set
// find_range_bounds expects, dropping any row whose content already
// appeared earlier in the union. key0/key1 key the fingerprint only --
// they carry no secrecy requirement of their own, since the fingerprint
// never leaves this merge step.
//
// A false-positive fingerprint collision would merge two distinct rows
// into one, but that only ever drops an extra candidate boundary row
// from the sample; find_range_bounds's order statistics tolerate a
// sample short by a handful of rows, so this trades a vanishingly rare
// loss of precision for not having to compare row bytes directly.
func MergeSamples(key0, key1 uint64, rowUpperBound int, samples ...[]byte) ([]byte, error) {
	w := row.NewWriter(rowUpperBound)
	seen := make(map[uint64]struct{})
	for _, sample := range samples {
		reader := row.NewReader(sample)
		for {
			r, ok, err := reader.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			fp := sampleFingerprint(key0, key1, r)
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			if err := w.WriteRow(r); err != nil {
				return nil, err
			}
		}
	}
	w.FinishBlock()
	return w.Bytes(), nil
}

// FindRangeBounds runs External Sort (spec §4.3) over the sampled rows
// in buffers, then emits every floor(N/numPartitions)-th row as a
// boundary, producing exactly numPartitions-1 boundary rows (spec §4.4).
func FindRangeBounds(code opcode.Code, numPartitions int, buffers [][]byte, lim Limits) ([][]byte, sortkernel.Stats, error) {
	if numPartitions < 1 {
		return nil, sortkernel.Stats{}, kerr.New(kerr.Usage, "find_range_bounds", "num_partitions must be at least 1, got %d", numPartitions)
	}
	sorted, stats, err := sortkernel.Sort(code, buffers, lim.RowUpperBound, lim.MaxNumStreams, lim.ScratchCap, lim.PoolCapacity)
	if err != nil {
		return nil, stats, err
	}
	rows, err := row.ReadAll(sorted)
	if err != nil {
		return nil, stats, err
	}
	if numPartitions == 1 {
		return nil, stats, nil
	}
	stride := len(rows) / numPartitions
	if stride == 0 {
		return nil, stats, kerr.New(kerr.Usage, "find_range_bounds", "sample of %d rows too small to produce %d partitions", len(rows), numPartitions)
	}
	boundaries := make([][]byte, 0, numPartitions-1)
	for p := 1; p < numPartitions; p++ {
		boundaries = append(boundaries, rows[p*stride])
	}
	return boundaries, stats, nil
}

// Result is the output of PartitionForSort: the packed output bytes, a
// block-aligned pointer per partition (with a sentinel at index
// numPartitions marking the end, spec §4.4), and each partition's row
// count.
type Result struct {
	Output        []byte
	PartitionPtrs []int // length numPartitions+1, last entry is the sentinel
	PartitionRows []int // length numPartitions
}

// PartitionForSort sorts the rows in buffers and streams them into a
// single output run, calling row.Writer.FinishBlock at every partition
// transition so partition starts land on block boundaries (spec §4.4).
// A row belongs to partition p when row >= boundary[p-1] and (for
// p < numPartitions-1) row < boundary[p].
func PartitionForSort(code opcode.Code, numPartitions int, buffers [][]byte, boundaryRows [][]byte, lim Limits) (Result, sortkernel.Stats, error) {
	if numPartitions < 1 {
		return Result{}, sortkernel.Stats{}, kerr.New(kerr.Usage, "partition_for_sort", "num_partitions must be at least 1, got %d", numPartitions)
	}
	if len(boundaryRows) != numPartitions-1 {
		return Result{}, sortkernel.Stats{}, kerr.New(kerr.Usage, "partition_for_sort", "expected %d boundary rows, got %d", numPartitions-1, len(boundaryRows))
	}

	sorted, stats, err := sortkernel.Sort(code, buffers, lim.RowUpperBound, lim.MaxNumStreams, lim.ScratchCap, lim.PoolCapacity)
	if err != nil {
		return Result{}, stats, err
	}
	rows, err := row.ReadAll(sorted)
	if err != nil {
		return Result{}, stats, err
	}

	boundaries := make([]sortkernel.SortPointer, len(boundaryRows))
	for i, b := range boundaryRows {
		sp, err := sortkernel.DecodePointer(code, b)
		if err != nil {
			return Result{}, stats, err
		}
		boundaries[i] = sp
	}

	cmp := compare.New(code)
	w := row.NewWriter(lim.RowUpperBound)

	ptrs := make([]int, numPartitions+1)
	counts := make([]int, numPartitions)
	p := 0
	ptrs[0] = w.BytesWritten()

	for _, r := range rows {
		sp, err := sortkernel.DecodePointer(code, r)
		if err != nil {
			return Result{}, stats, err
		}
		for p < numPartitions-1 {
			lt, err := cmp.Less(sp.Record(), boundaries[p].Record())
			if err != nil {
				return Result{}, stats, kerr.Wrap(kerr.Arithmetic, "partition_for_sort", err)
			}
			stats.Comparisons++
			if lt {
				break
			}
			w.FinishBlock()
			p++
			ptrs[p] = w.BytesWritten()
		}
		if err := w.WriteRow(r); err != nil {
			return Result{}, stats, err
		}
		counts[p]++
	}
	stats.DeepComparisons += cmp.Deep

	w.FinishBlock()
	for i := p + 1; i <= numPartitions; i++ {
		ptrs[i] = w.BytesWritten()
	}

	return Result{Output: w.Bytes(), PartitionPtrs: ptrs, PartitionRows: counts}, stats, nil
}
