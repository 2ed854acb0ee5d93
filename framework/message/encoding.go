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

package message

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-textwrapper"
)

// UnknownEncodingError is returned for Content-Transfer-Encoding values that
// can't be produced.
type UnknownEncodingError struct {
	Encoding string
}

func (e UnknownEncodingError) Error() string {
	return fmt.Sprintf("message: unknown transfer encoding: %q", e.Encoding)
}

// NormalizeEncoding returns the canonical form of a Content-Transfer-Encoding
// value. The empty value means 7bit.
func NormalizeEncoding(enc string) string {
	enc = strings.ToLower(strings.TrimSpace(enc))
	if enc == "" {
		return "7bit"
	}
	return enc
}

// IsIdentity reports whether enc does not transform the content.
func IsIdentity(enc string) bool {
	switch NormalizeEncoding(enc) {
	case "7bit", "8bit", "binary":
		return true
	}
	return false
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type base64Writer struct {
	enc     io.WriteCloser
	w       io.Writer
	written bool
}

func (b *base64Writer) Write(p []byte) (int, error) {
	if len(p) != 0 {
		b.written = true
	}
	return b.enc.Write(p)
}

// Close flushes the last quantum and terminates the last line.
func (b *base64Writer) Close() error {
	if err := b.enc.Close(); err != nil {
		return err
	}
	if !b.written {
		return nil
	}
	_, err := io.WriteString(b.w, "\r\n")
	return err
}

// EncodingWriter returns a writer that encodes everything written to it
// using the transfer encoding enc and writes the result to w.
//
// The returned writer must be closed to flush buffered data, closing it
// does not close w.
func EncodingWriter(enc string, w io.Writer) (io.WriteCloser, error) {
	switch NormalizeEncoding(enc) {
	case "quoted-printable":
		return quotedprintable.NewWriter(w), nil
	case "base64":
		wrapped := textwrapper.NewRFC822(w)
		return &base64Writer{
			enc: base64.NewEncoder(base64.StdEncoding, wrapped),
			w:   w,
		}, nil
	case "7bit", "8bit", "binary":
		return nopWriteCloser{w}, nil
	}
	return nil, UnknownEncodingError{Encoding: enc}
}

func checkEncoding(enc string) error {
	switch NormalizeEncoding(enc) {
	case "7bit", "8bit", "binary", "quoted-printable", "base64":
		return nil
	}
	return UnknownEncodingError{Encoding: enc}
}

// chooseEncoding picks the transfer encoding for the content.
func chooseEncoding(data []byte, text, allow8Bit bool) string {
	var (
		nonASCII int
		lineLen  int
		longLine bool
		nul      bool
		bareEOL  bool
	)
	for i, b := range data {
		switch {
		case b == '\n':
			if i == 0 || data[i-1] != '\r' {
				bareEOL = true
			}
			lineLen = 0
			continue
		case b == '\r':
			if i+1 >= len(data) || data[i+1] != '\n' {
				bareEOL = true
			}
			continue
		case b == 0:
			nul = true
		case b >= 0x80:
			nonASCII++
		}
		lineLen++
		if lineLen > 998 {
			longLine = true
		}
	}

	lineSafe := !longLine && !nul && !bareEOL
	switch {
	case nonASCII == 0 && lineSafe:
		return "7bit"
	case allow8Bit && text && lineSafe:
		return "8bit"
	case text && !nul && nonASCII < len(data)-nonASCII:
		return "quoted-printable"
	}
	return "base64"
}
