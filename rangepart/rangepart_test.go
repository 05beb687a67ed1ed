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

package rangepart

import (
	"testing"

	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/opcode"
	"github.com/oblivquery/kernel/row"
	"github.com/oblivquery/kernel/sortkernel"
)

var sumCode = opcode.Code{Func: opcode.Sum, GroupAttr: 1, AggAttr: 2}

func mkRow(group, agg uint32) []byte {
	g := attr.Int32(group).Marshal(nil)
	a := attr.Int32(agg).Marshal(nil)
	return row.Encode([]row.EncodedAttribute{g, a})
}

func mkBuffer(t *testing.T, rowUpperBound int, rows ...[]byte) []byte {
	t.Helper()
	w := row.NewWriter(rowUpperBound)
	for _, r := range rows {
		if err := w.WriteRow(r); err != nil {
			t.Fatal(err)
		}
	}
	return w.Bytes()
}

// alwaysYes always reports a draw of 0, i.e. "sampled" under any
// positive numerator.
type alwaysYes struct{}

func (alwaysYes) ReadRand(buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// alwaysNo always reports the maximum draw, i.e. never sampled.
type alwaysNo struct{}

func (alwaysNo) ReadRand(buf []byte) error {
	for i := range buf {
		buf[i] = 0xFF
	}
	return nil
}

func TestSampleIncludesEveryRowOnZeroDraw(t *testing.T) {
	buf := mkBuffer(t, 4096, mkRow(1, 1), mkRow(2, 1), mkRow(3, 1))
	out, err := Sample(buf, alwaysYes{}, 1, 2, 4096)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := row.ReadAll(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected all 3 rows sampled, got %d", len(rows))
	}
}

func TestSampleExcludesEveryRowOnMaxDraw(t *testing.T) {
	buf := mkBuffer(t, 4096, mkRow(1, 1), mkRow(2, 1))
	out, err := Sample(buf, alwaysNo{}, 1, 2, 4096)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := row.ReadAll(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows sampled, got %d", len(rows))
	}
}

func limits() Limits {
	return Limits{RowUpperBound: 4096, MaxNumStreams: 4, ScratchCap: 4096, PoolCapacity: 64}
}

func TestFindRangeBoundsProducesNMinusOneBoundaries(t *testing.T) {
	var rows [][]byte
	for i := uint32(1); i <= 9; i++ {
		rows = append(rows, mkRow(i, 1))
	}
	buf := mkBuffer(t, 4096, rows...)

	bounds, _, err := FindRangeBounds(sumCode, 3, [][]byte{buf}, limits())
	if err != nil {
		t.Fatal(err)
	}
	if len(bounds) != 2 {
		t.Fatalf("expected 2 boundary rows for 3 partitions, got %d", len(bounds))
	}
}

func TestFindRangeBoundsSinglePartitionHasNoBoundaries(t *testing.T) {
	buf := mkBuffer(t, 4096, mkRow(1, 1), mkRow(2, 1))
	bounds, _, err := FindRangeBounds(sumCode, 1, [][]byte{buf}, limits())
	if err != nil {
		t.Fatal(err)
	}
	if len(bounds) != 0 {
		t.Fatalf("expected no boundaries for a single partition, got %d", len(bounds))
	}
}

func TestPartitionForSortRoutesRowsByBoundary(t *testing.T) {
	var rows [][]byte
	for _, v := range []uint32{5, 1, 9, 4, 2, 8, 3} {
		rows = append(rows, mkRow(v, 1))
	}
	buf := mkBuffer(t, 4096, rows...)

	boundary := mkRow(5, 1) // partition 0: < 5, partition 1: >= 5
	res, _, err := PartitionForSort(sumCode, 2, [][]byte{buf}, [][]byte{boundary}, limits())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.PartitionPtrs) != 3 {
		t.Fatalf("expected 3 partition pointers (sentinel included), got %d", len(res.PartitionPtrs))
	}
	if res.PartitionRows[0] != 4 {
		t.Fatalf("partition 0 (groups < 5) should have 4 rows, got %d", res.PartitionRows[0])
	}
	if res.PartitionRows[1] != 3 {
		t.Fatalf("partition 1 (groups >= 5) should have 3 rows, got %d", res.PartitionRows[1])
	}
	if res.PartitionPtrs[2] != len(res.Output) {
		t.Fatalf("sentinel pointer %d should equal output length %d", res.PartitionPtrs[2], len(res.Output))
	}

	part0, err := row.ReadAll(res.Output[res.PartitionPtrs[0]:res.PartitionPtrs[1]])
	if err != nil {
		t.Fatal(err)
	}
	if len(part0) != 4 {
		t.Fatalf("partition 0 byte range should contain 4 rows, got %d", len(part0))
	}
	for _, r := range part0 {
		sp, err := sortkernel.DecodePointer(sumCode, r)
		if err != nil {
			t.Fatal(err)
		}
		v, err := attr.AsInt32(sp.Group)
		if err != nil {
			t.Fatal(err)
		}
		if v >= 5 {
			t.Fatalf("row with group %d should not be in partition 0", v)
		}
	}
}

func TestPartitionForSortRejectsWrongBoundaryCount(t *testing.T) {
	buf := mkBuffer(t, 4096, mkRow(1, 1))
	_, _, err := PartitionForSort(sumCode, 3, [][]byte{buf}, [][]byte{mkRow(1, 1)}, limits())
	if err == nil {
		t.Fatal("expected usage error for mismatched boundary row count")
	}
}

func TestSampleFingerprintIsDeterministic(t *testing.T) {
	r := mkRow(1, 1)
	a := sampleFingerprint(1, 2, r)
	b := sampleFingerprint(1, 2, r)
	if a != b {
		t.Fatal("fingerprint of the same row under the same key must be deterministic")
	}
}

func TestSampleFingerprintDiffersByKey(t *testing.T) {
	r := mkRow(1, 1)
	a := sampleFingerprint(1, 2, r)
	b := sampleFingerprint(3, 4, r)
	if a == b {
		t.Fatal("fingerprints under different keys should (overwhelmingly likely) differ")
	}
}

func TestSampleFingerprintDiffersByRow(t *testing.T) {
	a := sampleFingerprint(1, 2, mkRow(1, 1))
	b := sampleFingerprint(1, 2, mkRow(9, 9))
	if a == b {
		t.Fatal("fingerprints of different rows should (overwhelmingly likely) differ")
	}
}

func TestMergeSamplesDropsCrossWorkerDuplicates(t *testing.T) {
	workerA := mkBuffer(t, 4096, mkRow(1, 1), mkRow(2, 2))
	workerB := mkBuffer(t, 4096, mkRow(2, 2), mkRow(3, 3))

	merged, err := MergeSamples(1, 2, 4096, workerA, workerB)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := row.ReadAll(merged)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 distinct rows after merging, got %d", len(rows))
	}
}

func TestMergeSamplesEmptyInputsProduceEmptyOutput(t *testing.T) {
	merged, err := MergeSamples(1, 2, 4096)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := row.ReadAll(merged)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows from an empty merge, got %d", len(rows))
	}
}
