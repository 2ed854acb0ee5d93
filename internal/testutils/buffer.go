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

package testutils

import (
	"bytes"
	"io"
)

type errorReader struct {
	r   io.Reader
	err error
}

func (r *errorReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}

// FailingBuffer is a buffer.Buffer that fails on Open or on reading after
// returning Blob.
type FailingBuffer struct {
	Blob []byte

	OpenError error
	IOError   error

	// Closed is incremented every time a reader returned by Open is
	// closed.
	Closed *int
}

type trackingCloser struct {
	io.Reader
	closed *int
}

func (tc trackingCloser) Close() error {
	if tc.closed != nil {
		*tc.closed++
	}
	return nil
}

func (fb FailingBuffer) Open() (io.ReadCloser, error) {
	if fb.OpenError != nil {
		return nil, fb.OpenError
	}

	var r io.Reader = bytes.NewReader(fb.Blob)
	if fb.IOError != nil {
		r = &errorReader{r, fb.IOError}
	}
	return trackingCloser{Reader: r, closed: fb.Closed}, nil
}

func (fb FailingBuffer) Len() int {
	return len(fb.Blob)
}

func (fb FailingBuffer) Remove() error {
	return nil
}
