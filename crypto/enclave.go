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

package crypto

import "fmt"

// EnclaveCheck implements the is_within_enclave(ptr, len) collaborator
// of spec §6, used to validate that an output buffer an operator is
// about to write into actually belongs to enclave-owned memory. Real SGX
// page-range checks are a hardware/SDK concern outside this module's
// scope (spec §1: "enclave bootstrap" is an external collaborator); this
// type models the interface against a simple owned-range table so tests
// and the CLI harness can exercise the contract.
type EnclaveCheck struct {
	ranges [][2]uintptr
}

// NewEnclaveCheck builds a checker that considers the given buffers
// enclave-owned.
func NewEnclaveCheck(owned ...[]byte) *EnclaveCheck {
	e := &EnclaveCheck{}
	for _, b := range owned {
		if len(b) == 0 {
			continue
		}
		start := ptrOf(b)
		e.ranges = append(e.ranges, [2]uintptr{start, start + uintptr(len(b))})
	}
	return e
}

// IsWithinEnclave reports whether the full range [buf[0], buf[len(buf)))
// falls inside a previously registered owned range.
func (e *EnclaveCheck) IsWithinEnclave(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	start := ptrOf(buf)
	end := start + uintptr(len(buf))
	for _, r := range e.ranges {
		if start >= r[0] && end <= r[1] {
			return nil
		}
	}
	return fmt.Errorf("output buffer of %d bytes is not within enclave-owned memory", len(buf))
}
