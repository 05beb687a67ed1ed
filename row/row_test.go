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

package row

import (
	"bytes"
	"testing"
)

func mkRow(cols ...string) []byte {
	enc := make([]EncodedAttribute, len(cols))
	for i, c := range cols {
		enc[i] = []byte(c)
	}
	return Encode(enc)
}

func TestNumColsAndAttributeAt(t *testing.T) {
	r := mkRow("alpha", "bravo", "charlie")
	n, err := NumCols(r)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("num_cols = %d, want 3", n)
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		got, err := AttributeAt(r, uint32(i+1))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Fatalf("column %d = %q, want %q", i+1, got, want)
		}
	}
	if _, err := AttributeAt(r, 4); err == nil {
		t.Fatal("expected IndexOutOfRange error for idx=4")
	}
	if _, err := AttributeAt(r, 0); err == nil {
		t.Fatal("expected error for idx=0 (1-based)")
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(64)
	rows := [][]byte{
		mkRow("a", "1"),
		mkRow("bb", "22"),
		mkRow("ccc", "333"),
		mkRow("dddd", "4444"),
	}
	for _, r := range rows {
		if err := w.WriteRow(r); err != nil {
			t.Fatal(err)
		}
	}
	run := w.Bytes()

	got, err := ReadAll(run)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(rows) {
		t.Fatalf("read %d rows, want %d", len(got), len(rows))
	}
	for i := range rows {
		if !bytes.Equal(got[i], rows[i]) {
			t.Fatalf("row %d: read-back %v, want %v", i, got[i], rows[i])
		}
	}
}

func TestFinishBlockAlignsPartitionStarts(t *testing.T) {
	w := NewWriter(128)
	if err := w.WriteRow(mkRow("p0-a")); err != nil {
		t.Fatal(err)
	}
	w.FinishBlock()
	partitionStart := w.BytesWritten()
	if err := w.WriteRow(mkRow("p1-a")); err != nil {
		t.Fatal(err)
	}
	run := w.Bytes()

	rd := NewReader(run[partitionStart:])
	row, ok, err := rd.Next()
	if err != nil || !ok {
		t.Fatalf("expected a row at partition start, ok=%v err=%v", ok, err)
	}
	got, _ := AttributeAt(row, 1)
	if string(got) != "p1-a" {
		t.Fatalf("partition start row = %q, want p1-a", got)
	}
}

func TestWriterStartsNewBlockWhenRowOverflows(t *testing.T) {
	const rub = 24
	w := NewWriter(rub)
	small := mkRow("x")
	for i := 0; i < 3; i++ {
		if err := w.WriteRow(small); err != nil {
			t.Fatal(err)
		}
	}
	run := w.Bytes()
	got, err := ReadAll(run)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d rows, want 3", len(got))
	}
}

func TestWriteRowTooLargeForRowUpperBound(t *testing.T) {
	w := NewWriter(8)
	big := mkRow("this-row-does-not-fit")
	if err := w.WriteRow(big); err == nil {
		t.Fatal("expected capacity error for oversized row")
	}
}
