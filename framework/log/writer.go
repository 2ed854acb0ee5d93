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

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type streamOutput struct {
	timestamps bool
	w          io.Writer
	close      func() error
}

func (s streamOutput) Write(stamp time.Time, debug bool, msg string) {
	var sb strings.Builder
	if s.timestamps {
		sb.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		sb.WriteString("[debug] ")
	}
	sb.WriteString(msg)
	sb.WriteByte('\n')
	if _, err := io.WriteString(s.w, sb.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (s streamOutput) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// WriterOutput writes messages to w, one per line. Closing the Output does
// not close w.
//
// Each line is prefixed with a UTC timestamp if timestamps is true and
// with "[debug] " for debug messages.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return streamOutput{timestamps: timestamps, w: w}
}

// WriteCloserOutput is WriterOutput that closes wc when the Output is
// closed.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return streamOutput{timestamps: timestamps, w: wc, close: wc.Close}
}

// FileOutput opens path for appending and returns an Output writing to it.
func FileOutput(path string, timestamps bool) (Output, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	return WriteCloserOutput(f, timestamps), nil
}
