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

// Package kernel wires the Row Codec, Comparator, External Sort, Range
// Partitioner, Local Aggregation Scan, Boundary Reconciliation, and Final
// Aggregation packages behind the exact external entry points spec §6
// names: filter_single_row, sample, find_range_bounds,
// partition_for_sort, external_sort, scan_aggregation_count_distinct,
// process_boundary_records, final_aggregation.
//
// Every lower-level package (row, attr, sortkernel, rangepart, aggscan,
// reconcile, finalagg) operates on already-decoded types; this file owns
// the wire-level concerns spec §6 assigns to the boundary itself -- op-code
// decode, agg-record encrypt/decrypt, and (first_row, enc_agg) pair
// packing -- the way sneller's own root package (sneller.go, env.go)
// is the thin entry surface over its vm/db/plan packages rather than a
// reimplementation of them.
package kernel

import (
	"encoding/binary"

	"github.com/oblivquery/kernel/aggrec"
	"github.com/oblivquery/kernel/aggscan"
	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/crypto"
	"github.com/oblivquery/kernel/finalagg"
	"github.com/oblivquery/kernel/kerr"
	"github.com/oblivquery/kernel/opcode"
	"github.com/oblivquery/kernel/rangepart"
	"github.com/oblivquery/kernel/reconcile"
	"github.com/oblivquery/kernel/row"
	"github.com/oblivquery/kernel/sortkernel"
)

// Stats threads the element-wise and deep-comparison counters spec §4.2
// and §4.3's Invariants sections ask operators to surface, all the way
// out to a caller (e.g. cmd/kernelctl) for operational visibility.
type Stats struct {
	Comparisons     int64
	DeepComparisons int64
}

func fromSortStats(s sortkernel.Stats) Stats {
	return Stats{Comparisons: s.Comparisons, DeepComparisons: s.DeepComparisons}
}

func fromScanStats(s aggscan.Stats) Stats {
	return Stats{Comparisons: s.Comparisons, DeepComparisons: s.DeepComparisons}
}

// FilterSingleRow implements filter_single_row (spec §6): given a raw
// encoded row and one of the three filter op-codes
// (opcode.FilterLowValue/FilterDropDummy/FilterDiagnostic), reports
// whether the row should be kept.
func FilterSingleRow(filterOp int64, encodedRow []byte) (keep bool, err error) {
	switch filterOp {
	case opcode.FilterLowValue:
		raw, err := row.AttributeAt(encodedRow, 2)
		if err != nil {
			return false, err
		}
		a, _, err := attr.Unmarshal(raw)
		if err != nil {
			return false, kerr.Wrap(kerr.Integrity, "filter_single_row", err)
		}
		v, err := attr.AsInt32(a)
		if err != nil {
			return false, kerr.Wrap(kerr.Arithmetic, "filter_single_row", err)
		}
		return v <= 3, nil
	case opcode.FilterDropDummy:
		raw, err := row.AttributeAt(encodedRow, 4)
		if err != nil {
			return false, err
		}
		a, _, err := attr.Unmarshal(raw)
		if err != nil {
			return false, kerr.Wrap(kerr.Integrity, "filter_single_row", err)
		}
		return a.Tag != attr.Dummy, nil
	case opcode.FilterDiagnostic:
		return false, nil
	default:
		return false, kerr.New(kerr.Usage, "filter_single_row", "unknown filter op-code %d", filterOp)
	}
}

// Sample implements sample<RT> (spec §6): a thin pass-through to
// rangepart.Sample over a single run.
func Sample(rows []byte, rnd crypto.Random, numerator, denominator uint32, rowUpperBound int) ([]byte, error) {
	return rangepart.Sample(rows, rnd, numerator, denominator, rowUpperBound)
}

// MergeSamples implements the coordinator-side counterpart to Sample:
// once every worker has drawn its own local sample, the coordinator
// unions them with rangepart.MergeSamples before handing the result to
// FindRangeBounds.
func MergeSamples(key0, key1 uint64, rowUpperBound int, samples ...[]byte) ([]byte, error) {
	return rangepart.MergeSamples(key0, key1, rowUpperBound, samples...)
}

// Limits bundles every host-chosen size bound spec §6 asks a caller to
// supply to External Sort and the Range Partitioner.
type Limits struct {
	RowUpperBound int
	MaxNumStreams int
	ScratchCap    int
	PoolCapacity  int
}

func (l Limits) toSortkernel() (int, int, int, int) {
	return l.RowUpperBound, l.MaxNumStreams, l.ScratchCap, l.PoolCapacity
}

func (l Limits) toRangepart() rangepart.Limits {
	return rangepart.Limits{
		RowUpperBound: l.RowUpperBound,
		MaxNumStreams: l.MaxNumStreams,
		ScratchCap:    l.ScratchCap,
		PoolCapacity:  l.PoolCapacity,
	}
}

// FindRangeBounds implements find_range_bounds<RT> (spec §6).
func FindRangeBounds(rawCode int64, numPartitions int, buffers [][]byte, lim Limits) ([][]byte, Stats, error) {
	code, err := opcode.Decode(rawCode)
	if err != nil {
		return nil, Stats{}, kerr.Wrap(kerr.Usage, "find_range_bounds", err)
	}
	bounds, stats, err := rangepart.FindRangeBounds(code, numPartitions, buffers, lim.toRangepart())
	return bounds, fromSortStats(stats), err
}

// PartitionForSort implements partition_for_sort<RT> (spec §6).
func PartitionForSort(rawCode int64, numPartitions int, buffers, boundaryRows [][]byte, lim Limits) (rangepart.Result, Stats, error) {
	code, err := opcode.Decode(rawCode)
	if err != nil {
		return rangepart.Result{}, Stats{}, kerr.Wrap(kerr.Usage, "partition_for_sort", err)
	}
	res, stats, err := rangepart.PartitionForSort(code, numPartitions, buffers, boundaryRows, lim.toRangepart())
	return res, fromSortStats(stats), err
}

// ExternalSort implements external_sort<RT> (spec §6).
func ExternalSort(rawCode int64, buffers [][]byte, lim Limits) ([]byte, Stats, error) {
	code, err := opcode.Decode(rawCode)
	if err != nil {
		return nil, Stats{}, kerr.Wrap(kerr.Usage, "external_sort", err)
	}
	rub, maxStreams, scratch, pool := lim.toSortkernel()
	out, stats, err := sortkernel.Sort(code, buffers, rub, maxStreams, scratch, pool)
	return out, fromSortStats(stats), err
}

// ScanResult is scan_aggregation_count_distinct's decoded output: the
// rows placed into the output buffer during this pass (pass 2 only;
// pass 1 places none, spec §4.5) plus the encrypted summary agg-record
// that crosses the wire to Boundary Reconciliation.
type ScanResult struct {
	FirstRow   []byte
	PlacedRows [][]byte
	Summary    []byte // enc_agg ciphertext
}

// ScanAggregationCountDistinct implements
// scan_aggregation_count_distinct (spec §6). flag selects pass 1 (flag
// == 1, unseeded/sort-and-summarize) or pass 2 (flag == 2, seeded from a
// reconciled agg-record, placing every group a transition proves
// finished into finalagg slots of aead.EncSize(outputRowLen) bytes, one
// encrypted agg-record each). mode selects the
// cardinality regime of spec §4.5 (1: assume sorted input, 2: sort-based
// fallback).
//
// encAggIn is the incoming seed agg-record ciphertext: empty/nil for an
// unseeded pass 1, or pass 2's reconciled seed from
// ProcessBoundaryRecords. outputRowLen (the plaintext agg-record length,
// normally padTo) and outputSlots size the result array
// finalagg.Result.Write scans at matched cost regardless of which
// slot a given group lands in (spec §8 "Obliviousness (access
// pattern)").
func ScanAggregationCountDistinct(aead *crypto.AEADCollaborator, rawCode int64, mode int, inputRows []byte, encAggIn []byte, flag int, padTo int, outputSlots, outputRowLen int, fallback aggscan.SortFallbackLimits) (ScanResult, []byte, Stats, error) {
	code, err := opcode.Decode(rawCode)
	if err != nil {
		return ScanResult{}, nil, Stats{}, kerr.Wrap(kerr.Usage, "scan_aggregation_count_distinct", err)
	}

	seed := aggrec.Dummy(0, 0)
	if len(encAggIn) > 0 {
		seed, err = aggrec.Decrypt(aead, encAggIn)
		if err != nil {
			return ScanResult{}, nil, Stats{}, err
		}
	}

	switch flag {
	case 1:
		res, stats, err := aggscan.ScanPass1(code, mode, inputRows, seed, fallback)
		if err != nil {
			return ScanResult{}, nil, Stats{}, err
		}
		enc, err := aggrec.Encrypt(aead, res.Summary, padTo)
		if err != nil {
			return ScanResult{}, nil, Stats{}, err
		}
		return ScanResult{FirstRow: res.FirstRow, Summary: enc}, nil, fromScanStats(stats), nil
	case 2:
		out := finalagg.NewResult(outputSlots, aead.EncSize(outputRowLen))
		var placed [][]byte
		place := func(tr aggscan.Transition) error {
			rec := aggrec.Record{DistinctEntries: tr.DistinctEntries, Offset: tr.Offset, SortAttr: tr.Group, AggAttr: tr.Value}
			enc, err := aggrec.Encrypt(aead, rec, padTo)
			if err != nil {
				return err
			}
			placed = append(placed, enc)
			return out.Write(int(tr.Offset), enc)
		}
		res, stats, err := aggscan.ScanPass2(code, mode, inputRows, seed, fallback, place)
		if err != nil {
			return ScanResult{}, nil, Stats{}, err
		}
		enc, err := aggrec.Encrypt(aead, res.Trailing, padTo)
		if err != nil {
			return ScanResult{}, nil, Stats{}, err
		}
		return ScanResult{FirstRow: res.FirstRow, PlacedRows: placed, Summary: enc}, out.Bytes(), fromScanStats(stats), nil
	default:
		return ScanResult{}, nil, Stats{}, kerr.New(kerr.Usage, "scan_aggregation_count_distinct", "flag must be 1 or 2, got %d", flag)
	}
}

// PackBoundaryPair builds one worker's (first_row, enc_agg) boundary wire
// payload (aggrec.PackBoundaryRecord) and compresses it with s2 for the
// worker-to-coordinator transport that carries it to
// ProcessBoundaryRecords, per reconcile.CompressBoundaryPayload's own
// doc comment on why s2 fits this payload. The first 4 bytes of the
// returned frame are the uncompressed payload's length (little-endian),
// so ProcessBoundaryRecords can decompress each frame without a side
// channel for that length.
func PackBoundaryPair(firstRow, encAgg []byte) []byte {
	packed := aggrec.PackBoundaryRecord(firstRow, encAgg)
	compressed := reconcile.CompressBoundaryPayload(packed)
	frame := make([]byte, 4, 4+len(compressed))
	binary.LittleEndian.PutUint32(frame, uint32(len(packed)))
	return append(frame, compressed...)
}

// ProcessBoundaryRecords implements process_boundary_records (spec §6):
// decompresses and decrypts each worker's (first_row, enc_agg) wire pair
// (PackBoundaryPair's output), decodes the first row's group-by
// attribute, runs Boundary Reconciliation, and re-encrypts the resulting
// per-worker seeds.
//
// Running this twice on the same packed inputs yields byte-identical
// output only up to nonce reuse: AEADCollaborator.Encrypt draws a fresh
// random nonce per call (package crypto), so ciphertexts differ across
// runs even though the plaintext agg-records spec §8's "Boundary
// idempotence" property asks about are identical; callers checking that
// property should compare the decrypted Records, not the ciphertext
// bytes.
func ProcessBoundaryRecords(aead *crypto.AEADCollaborator, rawCode int64, framedPairs [][]byte, padTo int) ([][]byte, error) {
	code, err := opcode.Decode(rawCode)
	if err != nil {
		return nil, kerr.Wrap(kerr.Usage, "process_boundary_records", err)
	}

	inputs := make([]reconcile.Input, len(framedPairs))
	for i, frame := range framedPairs {
		if len(frame) < 4 {
			return nil, kerr.New(kerr.Usage, "process_boundary_records", "boundary payload %d shorter than its length prefix", i)
		}
		originalLen := binary.LittleEndian.Uint32(frame[:4])
		pair, err := reconcile.DecompressBoundaryPayload(frame[4:], int(originalLen))
		if err != nil {
			return nil, err
		}
		firstRow, encAgg, _, err := aggrec.UnpackBoundaryRecord(pair)
		if err != nil {
			return nil, err
		}
		g, err := row.AttributeAt(firstRow, code.GroupAttr)
		if err != nil {
			return nil, err
		}
		key, _, err := attr.Unmarshal(g)
		if err != nil {
			return nil, kerr.Wrap(kerr.Integrity, "process_boundary_records", err)
		}
		summary, err := aggrec.Decrypt(aead, encAgg)
		if err != nil {
			return nil, err
		}
		inputs[i] = reconcile.Input{FirstKey: key, Summary: summary}
	}

	seeds, err := reconcile.Reconcile(code, inputs)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(seeds))
	for i, s := range seeds {
		enc, err := aggrec.Encrypt(aead, s, padTo)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// FinalAggregation implements final_aggregation (spec §6): folds several
// encrypted agg-records of the same op-code into one encrypted total.
func FinalAggregation(aead *crypto.AEADCollaborator, rawCode int64, encAggRows [][]byte, padTo int) ([]byte, error) {
	code, err := opcode.Decode(rawCode)
	if err != nil {
		return nil, kerr.Wrap(kerr.Usage, "final_aggregation", err)
	}
	return finalagg.Reduce(aead, code, encAggRows, padTo)
}
