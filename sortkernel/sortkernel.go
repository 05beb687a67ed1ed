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

// Package sortkernel implements the External Sort of spec §4.3: a
// per-buffer in-place sort followed by a bounded-fan-in K-way merge over
// the buffers' SortPointer records.
//
// The merge's min-heap is the kept heap.FixSlice/PushSlice/PopSlice
// package (_examples/SnellerInc-sneller/heap/heap.go), unchanged from
// upstream and wired here the way sneller's own sorting package would
// wire a heap-based merge, keyed by this module's Comparator instead of
// Ion's column comparator.
package sortkernel

import (
	"golang.org/x/exp/slices"

	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/compare"
	"github.com/oblivquery/kernel/compr"
	"github.com/oblivquery/kernel/heap"
	"github.com/oblivquery/kernel/kerr"
	"github.com/oblivquery/kernel/opcode"
	"github.com/oblivquery/kernel/row"
)

// Pool models the fixed-size record pool of spec §4.3: "materialize
// SortPointer records...into a fixed record pool of size
// max(max_buffer_rows, MAX_NUM_STREAMS)". Go's allocator does not need a
// literal free list to avoid per-row allocation the way the enclave's
// static memory model does, so Pool's job here is narrower: it enforces
// the capacity bound as a checked invariant, acquired at the start of
// each sort phase and released at its end, so a caller that mis-sizes
// its buffers sees PoolExhausted instead of unbounded growth.
type Pool struct {
	cap  int
	used int
}

// NewPool returns a pool with the given capacity.
func NewPool(capacity int) *Pool {
	return &Pool{cap: capacity}
}

// Acquire reserves n more slots, failing with a kerr.Capacity error
// (PoolExhausted) if that would exceed the pool's capacity.
func (p *Pool) Acquire(n int) error {
	if p.used+n > p.cap {
		return kerr.New(kerr.Capacity, "pool_acquire", "record pool exhausted: need %d more of %d/%d in use", n, p.used, p.cap)
	}
	p.used += n
	return nil
}

// ReleaseAll returns every checked-out slot. Sort calls this on every
// exit path of each phase (success or error), matching the scoped
// acquisition/release invariant of spec §5.
func (p *Pool) ReleaseAll() { p.used = 0 }

// SortPointer is the decoded, comparable view of one row: its group-by
// and aggregated attributes, plus the raw row bytes it still points
// into. Sorting and merging move SortPointer values -- never copy the
// underlying row bytes -- matching the "only pointers move" invariant of
// spec §4.3.
type SortPointer struct {
	Row   []byte
	Group attr.Attribute
	Agg   attr.Attribute
}

// Record builds the compare.Record view of p.
func (p SortPointer) Record() compare.Record {
	return compare.Record{GroupAttr: p.Group, AggAttr: p.Agg, RawRow: p.Row}
}

// DecodePointer decodes one encoded row's group-by and aggregated
// attributes into a SortPointer, per the op-code's declared attribute
// indices. Exported so the Range Partitioner and Local Aggregation Scan
// can build the same comparable view this package sorts by.
func DecodePointer(code opcode.Code, r []byte) (SortPointer, error) {
	g, err := row.AttributeAt(r, code.GroupAttr)
	if err != nil {
		return SortPointer{}, err
	}
	ga, _, err := attr.Unmarshal(g)
	if err != nil {
		return SortPointer{}, kerr.Wrap(kerr.Integrity, "decode_pointer", err)
	}
	a, err := row.AttributeAt(r, code.AggAttr)
	if err != nil {
		return SortPointer{}, err
	}
	aa, _, err := attr.Unmarshal(a)
	if err != nil {
		return SortPointer{}, kerr.Wrap(kerr.Integrity, "decode_pointer", err)
	}
	return SortPointer{Row: r, Group: ga, Agg: aa}, nil
}

// Stats reports the element-wise and deep-comparison counts spec §4.3
// requires callers to surface for performance diagnosis.
type Stats struct {
	Comparisons     int64
	DeepComparisons int64
}

// Sort runs the External Sort of spec §4.3 over buffers (each an
// already-encoded run produced by a row.Writer) and returns one logical
// sorted run plus comparison statistics.
//
// rowUpperBound and maxNumStreams are the host-chosen ROW_UPPER_BOUND and
// MAX_NUM_STREAMS constants (spec §6); scratchCap is the size of the
// scratch buffer the host has set aside, checked against the largest
// input buffer up front (ScratchTooSmall, spec §4.3) rather than against
// the final output, since the scratch buffer is merge workspace, not a
// staging area for the whole result. poolCapacity is the record pool's
// size, host-sized to max(max_buffer_rows, MAX_NUM_STREAMS) per spec
// §4.3's recipe; it is taken as an explicit input rather than derived
// here so an undersized pool surfaces as PoolExhausted instead of being
// silently grown.
func Sort(code opcode.Code, buffers [][]byte, rowUpperBound, maxNumStreams, scratchCap, poolCapacity int) ([]byte, Stats, error) {
	var stats Stats

	if maxNumStreams < 2 {
		return nil, stats, kerr.New(kerr.Usage, "external_sort", "max_num_streams must be at least 2, got %d", maxNumStreams)
	}

	maxBufLen := 0
	for _, buf := range buffers {
		if len(buf) > maxBufLen {
			maxBufLen = len(buf)
		}
	}
	if scratchCap < maxBufLen {
		return nil, stats, kerr.New(kerr.Capacity, "external_sort", "scratch buffer of %d bytes smaller than largest input buffer (%d bytes)", scratchCap, maxBufLen)
	}

	cmp := compare.New(code)

	runs := make([][]SortPointer, 0, len(buffers))
	for _, buf := range buffers {
		rows, err := row.ReadAll(buf)
		if err != nil {
			return nil, stats, err
		}
		run := make([]SortPointer, len(rows))
		for i, r := range rows {
			sp, err := DecodePointer(code, r)
			if err != nil {
				return nil, stats, err
			}
			run[i] = sp
		}
		runs = append(runs, run)
	}

	pool := NewPool(poolCapacity)

	// Per-buffer sort pass: only one buffer's pointers are live in the
	// pool at a time.
	for _, run := range runs {
		if err := pool.Acquire(len(run)); err != nil {
			return nil, stats, err
		}
		if err := sortRun(cmp, run, &stats); err != nil {
			pool.ReleaseAll()
			return nil, stats, err
		}
		pool.ReleaseAll()
	}

	// K-way merge pass: repeatedly fold the leftmost maxNumStreams runs
	// into one until a single run remains (spec §4.3 step 2).
	for len(runs) > 1 {
		batch := maxNumStreams
		if batch > len(runs) {
			batch = len(runs)
		}
		if err := pool.Acquire(batch); err != nil {
			return nil, stats, err
		}
		merged, err := mergeRuns(cmp, runs[:batch], &stats)
		pool.ReleaseAll()
		if err != nil {
			return nil, stats, err
		}
		rest := runs[batch:]
		next := make([][]SortPointer, 0, 1+len(rest))
		next = append(next, merged)
		next = append(next, rest...)
		runs = next
	}

	stats.DeepComparisons = cmp.Deep

	w := row.NewWriter(rowUpperBound)
	if len(runs) == 1 {
		for _, sp := range runs[0] {
			if err := w.WriteRow(sp.Row); err != nil {
				return nil, stats, err
			}
		}
	}
	return w.Bytes(), stats, nil
}

// SpillRun compresses an already-encoded row buffer with zstd so a host
// whose scratch space is backed by disk or network storage, rather than
// the in-process scratch buffer Sort assumes, can flush a run Sort has
// already produced (cmd/kernelctl pipeline spills each worker's sorted
// run and reloads it before pass 1) without keeping every run resident
// at once. Sort itself never spills -- ROW_UPPER_BOUND and
// scratchCap are enclave-side bounds on in-memory buffers (spec §4.3) --
// this is a host-side convenience for whatever sits outside that
// boundary. Grounded on the kept `compr` package, used the same way
// sneller's own block storage favors zstd for at-rest data over s2's
// weaker ratio.
func SpillRun(rows []byte) []byte {
	return compr.Compression("zstd").Compress(rows, nil)
}

// LoadSpilledRun reverses SpillRun. originalLen must be the exact
// uncompressed length (the host's spill frame should carry it alongside
// the compressed bytes), since the underlying zstd decoder requires a
// destination sized exactly to the decompressed output.
func LoadSpilledRun(compressed []byte, originalLen int) ([]byte, error) {
	dst := make([]byte, originalLen)
	if err := compr.Decompression("zstd").Decompress(compressed, dst); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "external_sort", err)
	}
	return dst, nil
}

// sortRun sorts one buffer's pointers in place. Grounded on the
// teacher's own use of x/exp/slices over in-memory record slices
// (vm/aggregate.go, plan/pir/pir.go's ordering passes) rather than a
// hand-rolled comparison sort.
func sortRun(cmp *compare.Comparator, run []SortPointer, stats *Stats) error {
	var sortErr error
	slices.SortStableFunc(run, func(a, b SortPointer) bool {
		if sortErr != nil {
			return false
		}
		lt, err := cmp.Less(a.Record(), b.Record())
		if err != nil {
			sortErr = kerr.Wrap(kerr.Arithmetic, "external_sort", err)
			return false
		}
		stats.Comparisons++
		return lt
	})
	return sortErr
}

// streamHead is one active stream's current pointer during a K-way
// merge: the pointer itself, which run it came from, and that run's next
// unread index.
type streamHead struct {
	ptr    SortPointer
	runIdx int
	idx    int
}

// mergeRuns merges up to len(runs) already-sorted runs into one, using
// the kept heap package as the min-heap priority queue (spec §4.3:
// "min-heap keyed by the Comparator").
func mergeRuns(cmp *compare.Comparator, runs [][]SortPointer, stats *Stats) ([]SortPointer, error) {
	var mergeErr error
	less := func(a, b streamHead) bool {
		if mergeErr != nil {
			return false
		}
		lt, err := cmp.Less(a.ptr.Record(), b.ptr.Record())
		if err != nil {
			mergeErr = kerr.Wrap(kerr.Arithmetic, "external_sort", err)
			return false
		}
		stats.Comparisons++
		return lt
	}

	heads := make([]streamHead, 0, len(runs))
	total := 0
	for i, r := range runs {
		total += len(r)
		if len(r) == 0 {
			continue
		}
		heads = append(heads, streamHead{ptr: r[0], runIdx: i, idx: 0})
	}
	heap.OrderSlice(heads, less)
	if mergeErr != nil {
		return nil, mergeErr
	}

	out := make([]SortPointer, 0, total)
	for len(heads) > 0 {
		h := heap.PopSlice(&heads, less)
		if mergeErr != nil {
			return nil, mergeErr
		}
		out = append(out, h.ptr)
		nextIdx := h.idx + 1
		if nextIdx < len(runs[h.runIdx]) {
			heap.PushSlice(&heads, streamHead{ptr: runs[h.runIdx][nextIdx], runIdx: h.runIdx, idx: nextIdx}, less)
			if mergeErr != nil {
				return nil, mergeErr
			}
		}
	}
	return out, nil
}
