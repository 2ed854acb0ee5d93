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

package buffer

import (
	"bytes"
	"errors"
	"io"
)

// Func creates a Buffer from the contents of a reader.
type Func func(r io.Reader) (Buffer, error)

// Auto returns a Func that keeps blobs up to maxSize bytes in memory and
// spills larger ones into files in dir.
func Auto(maxSize int, dir string) Func {
	return func(r io.Reader) (Buffer, error) {
		initial := make([]byte, maxSize)
		n, err := io.ReadFull(r, initial)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return MemoryBuffer{Slice: initial[:n]}, nil
			}
			return nil, err
		}

		return BufferInFile(io.MultiReader(bytes.NewReader(initial[:n]), r), dir)
	}
}

// InDir returns a Func that always buffers into files in dir.
func InDir(dir string) Func {
	return func(r io.Reader) (Buffer, error) {
		return BufferInFile(r, dir)
	}
}
