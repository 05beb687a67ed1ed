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

package hostsim

import "testing"

func TestNewQueryIDIsUnique(t *testing.T) {
	a := NewQueryID()
	b := NewQueryID()
	if a == b {
		t.Fatal("two freshly allocated query IDs collided")
	}
	if a.String() == "" {
		t.Fatal("expected a non-empty string form")
	}
}

func TestNewWorkerIDIsUnique(t *testing.T) {
	a := NewWorkerID()
	b := NewWorkerID()
	if a == b {
		t.Fatal("two freshly allocated worker IDs collided")
	}
}

func TestRouteKeyIsDeterministic(t *testing.T) {
	q := NewQueryID()
	row := []byte("some encoded row bytes")
	a := RouteKey(q, row)
	b := RouteKey(q, row)
	if a != b {
		t.Fatal("RouteKey must be deterministic for the same query and row")
	}
}

func TestRouteKeyDiffersAcrossQueries(t *testing.T) {
	row := []byte("some encoded row bytes")
	a := RouteKey(NewQueryID(), row)
	b := RouteKey(NewQueryID(), row)
	if a == b {
		t.Fatal("RouteKey should (overwhelmingly likely) differ across independently keyed queries")
	}
}

func TestAssignWorkerStaysInRange(t *testing.T) {
	q := NewQueryID()
	for i := 0; i < 50; i++ {
		row := []byte{byte(i)}
		w := AssignWorker(q, row, 7)
		if w < 0 || w >= 7 {
			t.Fatalf("worker index %d out of [0,7)", w)
		}
	}
}

func TestAssignWorkerZeroWorkersReturnsZero(t *testing.T) {
	q := NewQueryID()
	if w := AssignWorker(q, []byte("x"), 0); w != 0 {
		t.Fatalf("expected 0 for numWorkers=0, got %d", w)
	}
}

func TestAssignWorkerIsStableForSameRow(t *testing.T) {
	q := NewQueryID()
	row := []byte("stable row")
	a := AssignWorker(q, row, 4)
	b := AssignWorker(q, row, 4)
	if a != b {
		t.Fatal("assignment must be stable across repeated calls")
	}
}

func TestNewFixtureAllocatesOneWorkerIDPerPartition(t *testing.T) {
	f := NewFixture(3)
	if len(f.Workers) != 3 {
		t.Fatalf("expected 3 worker IDs, got %d", len(f.Workers))
	}
	seen := map[WorkerID]bool{}
	for _, w := range f.Workers {
		if seen[w] {
			t.Fatal("duplicate worker ID within one fixture")
		}
		seen[w] = true
	}
}

func TestNewFixtureZeroWorkersLeavesWorkersNil(t *testing.T) {
	f := NewFixture(0)
	if len(f.Workers) != 0 {
		t.Fatalf("expected no workers, got %d", len(f.Workers))
	}
}
