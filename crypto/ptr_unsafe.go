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

import "unsafe"

// ptrOf returns the address of buf's backing array. Confined to this one
// function: EnclaveCheck's whole job is comparing addresses against
// owned ranges, which has no pointer-free expression in Go.
func ptrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
