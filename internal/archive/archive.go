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

// Package archive stores copies of signed messages.
//
// A copy is produced by serializing the same signable message a second
// time, it carries its own signature.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const UnknownBlobSize int64 = -1

var ErrNoSuchBlob = errors.New("archive: no such blob")

// Blob is a copy being written. Sync must be called once to commit it,
// Close without Sync discards it where the backend allows that.
type Blob interface {
	io.Writer
	Sync() error
	io.Closer
}

type Store interface {
	// Create starts writing a new blob. blobSize is UnknownBlobSize if the
	// size is not known in advance.
	Create(ctx context.Context, key string, blobSize int64) (Blob, error)

	// Open returns ErrNoSuchBlob if key does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys []string) error
}

// Save serializes msg into a new blob named by a random UUID and returns
// the key.
//
// The message is serialized into memory first so that nothing is stored
// if serialization fails.
func Save(ctx context.Context, st Store, msg io.WriterTo) (string, error) {
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return "", err
	}

	key := uuid.New().String() + ".eml"
	blob, err := st.Create(ctx, key, int64(buf.Len()))
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if _, err := blob.Write(buf.Bytes()); err != nil {
		blob.Close()
		return "", fmt.Errorf("archive: %w", err)
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return "", fmt.Errorf("archive: %w", err)
	}
	if err := blob.Close(); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return key, nil
}
