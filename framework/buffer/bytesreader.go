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
)

// BytesReader is a bytes.Reader that remembers the slice it was created
// from, for consumers that can use Bytes() to skip copying.
type BytesReader struct {
	*bytes.Reader
	value []byte
}

// Bytes returns the unread portion of the slice.
func (br BytesReader) Bytes() []byte {
	return br.value[int(br.Size())-br.Len():]
}

// Close is a no-op, it allows BytesReader to be returned from
// MemoryBuffer.Open.
func (br BytesReader) Close() error {
	return nil
}

func NewBytesReader(b []byte) BytesReader {
	return BytesReader{
		Reader: bytes.NewReader(b),
		value:  b,
	}
}
