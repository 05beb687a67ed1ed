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

package reconcile

import (
	"testing"

	"github.com/oblivquery/kernel/aggrec"
	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/opcode"
	"github.com/oblivquery/kernel/row"
)

var sumCode = opcode.Code{Func: opcode.Sum, GroupAttr: 1, AggAttr: 2}

func summary(distinct, offset uint32, group, val uint32) aggrec.Record {
	return aggrec.Record{DistinctEntries: distinct, Offset: offset, SortAttr: attr.Int32(group), AggAttr: attr.Int32(val)}
}

func TestReconcileSingleWorker(t *testing.T) {
	in := []Input{
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 7)},
	}
	out, err := Reconcile(sumCode, in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("want 1 record, got %d", len(out))
	}
	if out[0].DistinctEntries != 1 || out[0].Offset != 0 {
		t.Fatalf("unexpected seed %+v", out[0])
	}
	if !out[0].IsDummy() {
		t.Fatal("single worker's seed should be dummy (nothing continues into it)")
	}
}

func TestReconcileTwoWorkersNoContinuation(t *testing.T) {
	in := []Input{
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 7)},
		{FirstKey: attr.Int32(9), Summary: summary(1, 0, 9, 3)},
	}
	out, err := Reconcile(sumCode, in)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].DistinctEntries != 2 {
		t.Fatalf("global distinct = %d, want 2 (no boundary merge)", out[0].DistinctEntries)
	}
	if !out[1].IsDummy() {
		t.Fatal("worker 1's first key (9) differs from worker 0's trailing key (5): seed should be dummy")
	}
	if out[1].Offset != 1 {
		t.Fatalf("offset = %d, want 1", out[1].Offset)
	}
}

func TestReconcileTwoWorkersContinuation(t *testing.T) {
	in := []Input{
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 7)},
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 3)},
	}
	out, err := Reconcile(sumCode, in)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].DistinctEntries != 1 {
		t.Fatalf("global distinct = %d, want 1 (boundary merges, one fewer distinct group)", out[0].DistinctEntries)
	}
	if out[1].IsDummy() {
		t.Fatal("worker 1 continues worker 0's group: seed should be real")
	}
	if out[1].Offset != 0 {
		t.Fatalf("offset = %d, want 0", out[1].Offset)
	}
	gv, _ := attr.AsInt32(out[1].SortAttr)
	if gv != 5 {
		t.Fatalf("seed group = %d, want 5", gv)
	}
	av, _ := attr.AsInt32(out[1].AggAttr)
	if av != 7 {
		t.Fatalf("seed value = %d, want 7 (worker 0's own trailing value, before worker 1's rows merge in)", av)
	}
}

func TestReconcileThreeWorkerChainMergesAcrossAll(t *testing.T) {
	in := []Input{
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 1)},
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 2)},
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 4)},
	}
	out, err := Reconcile(sumCode, in)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].DistinctEntries != 1 {
		t.Fatalf("global distinct = %d, want 1 (one group spans all three workers)", out[0].DistinctEntries)
	}
	av1, _ := attr.AsInt32(out[1].AggAttr)
	if av1 != 1 {
		t.Fatalf("worker 1 seed value = %d, want 1 (worker 0's own value only)", av1)
	}
	av2, _ := attr.AsInt32(out[2].AggAttr)
	if av2 != 3 {
		t.Fatalf("worker 2 seed value = %d, want 3 (1+2, the chain accumulated through worker 1)", av2)
	}
	if out[1].Offset != 0 || out[2].Offset != 0 {
		t.Fatalf("offsets should stay 0 throughout an unbroken chain: got %d, %d", out[1].Offset, out[2].Offset)
	}
}

func TestCompressBoundaryPayloadRoundTrip(t *testing.T) {
	g := attr.Int32(5).Marshal(nil)
	a := attr.Int32(2).Marshal(nil)
	firstRow := row.Encode([]row.EncodedAttribute{g, a})
	packed := aggrec.PackBoundaryRecord(firstRow, []byte("ciphertext-stand-in"))

	compressed := CompressBoundaryPayload(packed)
	restored, err := DecompressBoundaryPayload(compressed, len(packed))
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(packed) {
		t.Fatal("boundary payload did not round-trip through compression")
	}
}

func TestDecompressBoundaryPayloadRejectsWrongLength(t *testing.T) {
	packed := []byte("some packed boundary record bytes, long enough to compress")
	compressed := CompressBoundaryPayload(packed)
	if _, err := DecompressBoundaryPayload(compressed, len(packed)+3); err == nil {
		t.Fatal("expected an error when originalLen does not match the compressed payload")
	}
}

func TestReconcileIsDeterministic(t *testing.T) {
	in := []Input{
		{FirstKey: attr.Int32(5), Summary: summary(1, 0, 5, 7)},
		{FirstKey: attr.Int32(9), Summary: summary(2, 0, 9, 3)},
		{FirstKey: attr.Int32(9), Summary: summary(1, 0, 12, 1)},
	}
	out1, err := Reconcile(sumCode, in)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := Reconcile(sumCode, in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out1) != len(out2) {
		t.Fatal("non-deterministic output length")
	}
	for i := range out1 {
		if out1[i].DistinctEntries != out2[i].DistinctEntries || out1[i].Offset != out2[i].Offset {
			t.Fatalf("non-deterministic output at %d: %+v vs %+v", i, out1[i], out2[i])
		}
	}
}
