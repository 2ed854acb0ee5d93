/*
dkimmsg - DKIM signing and submission of email messages.
Copyright © 2019-2026 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package buffer provides storage for message bodies that may be kept in
// memory or spilled to the file system.
package buffer

import (
	"io"
)

// Buffer is read-only storage for a blob.
//
// The creator of a Buffer is responsible for calling Remove once the blob
// is no longer needed. Buffers passed to a function are not guaranteed to
// stay valid after it returns.
type Buffer interface {
	// Open creates a new reader positioned at the start of the blob.
	// The caller must close it.
	Open() (io.ReadCloser, error)

	// Len reports the length of the blob in bytes.
	Len() int

	// Remove discards the blob. Readers created before the call may still
	// be used, new ones can't be created.
	Remove() error
}

// Materialized returns the underlying slice if b keeps the blob in memory.
// The slice must not be modified.
func Materialized(b Buffer) ([]byte, bool) {
	switch b := b.(type) {
	case MemoryBuffer:
		return b.Slice, true
	case *MemoryBuffer:
		return b.Slice, true
	}
	return nil, false
}
