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

// Package hostsim models the thin slice of host-side bookkeeping that
// sits outside this module's scope (spec §1: "the host's data-shipping
// code" and "the higher-level query planner" are both Non-goals) but
// that test fixtures and cmd/kernelctl still need in order to simulate
// a multi-worker run: an identifier for the query, one identifier per
// worker, and a deterministic way to decide which worker a row would be
// routed to before any real range partitioning has happened.
//
// Grounded on cmd/snellerd's handler_execute_query.go/handler_query.go
// (uuid.New() stamped onto a query/request) and plan/input.go's keyed
// siphash used to route input objects to worker shards.
package hostsim

import (
	"encoding/binary"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
)

// QueryID identifies one simulated query end to end across every
// worker's pass 1/pass 2 and the coordinator's Boundary Reconciliation.
type QueryID uuid.UUID

// NewQueryID allocates a fresh, random query identifier.
func NewQueryID() QueryID {
	return QueryID(uuid.New())
}

func (q QueryID) String() string {
	return uuid.UUID(q).String()
}

// keys splits the 16 raw UUID bytes into the two 64-bit siphash keys.
func (q QueryID) keys() (uint64, uint64) {
	b := uuid.UUID(q)
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16])
}

// WorkerID identifies one simulated worker -- one partition's enclave
// call -- within a query.
type WorkerID uuid.UUID

// NewWorkerID allocates a fresh, random worker identifier.
func NewWorkerID() WorkerID {
	return WorkerID(uuid.New())
}

func (w WorkerID) String() string {
	return uuid.UUID(w).String()
}

// RouteKey derives a deterministic 64-bit fingerprint of row under the
// keys held by q, the way plan/input.go keys a siphash off a per-plan
// salt to route input objects to shards. Two calls with the same query
// and the same row bytes always agree, which is what lets a test fixture
// or the CLI simulate stable host-side routing without re-deriving it
// from range partitioning boundaries.
func RouteKey(q QueryID, row []byte) uint64 {
	k0, k1 := q.keys()
	return siphash.Hash(k0, k1, row)
}

// AssignWorker maps row onto a worker index in [0, numWorkers) for
// query q. It is deterministic and has no bearing on the real Range
// Partitioner (spec §4.4) -- a fixture that wants realistic partition
// assignment must still call rangepart.PartitionForSort -- this exists
// only so a test or the CLI can label a row with "the worker a host
// might plausibly route it to" for display and sharding of synthetic
// inputs before the kernel ever sees them.
func AssignWorker(q QueryID, row []byte, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	return int(RouteKey(q, row) % uint64(numWorkers))
}

// Fixture bundles one simulated query's identifiers: the query itself
// plus one WorkerID per partition, mirroring how a coordinator stamps
// worker assignments for a single query before dispatching (spec §5:
// "one worker per partition").
type Fixture struct {
	Query   QueryID
	Workers []WorkerID
}

// NewFixture allocates a query ID and numWorkers worker IDs.
func NewFixture(numWorkers int) Fixture {
	f := Fixture{Query: NewQueryID()}
	if numWorkers > 0 {
		f.Workers = make([]WorkerID, numWorkers)
		for i := range f.Workers {
			f.Workers[i] = NewWorkerID()
		}
	}
	return f
}
