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

// Package archivetest contains tests shared by archive.Store
// implementations.
package archivetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/foxcpp/dkimmsg/internal/archive"
)

func readBlob(t *testing.T, st archive.Store, key string) []byte {
	t.Helper()
	r, err := st.Open(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	blob, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

type bytesWriterTo []byte

func (b bytesWriterTo) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b)
	return int64(n), err
}

type failingWriterTo struct{}

func (failingWriterTo) WriteTo(io.Writer) (int64, error) {
	return 0, errors.New("serialization failed")
}

// TestStore runs the basic Store contract against newStore(). Blobs of
// known and unknown size are both expected to round-trip.
func TestStore(t *testing.T, newStore func() archive.Store) {
	ctx := context.Background()

	t.Run("Create", func(t *testing.T) {
		st := newStore()
		for _, size := range []int64{5, archive.UnknownBlobSize} {
			blob, err := st.Create(ctx, "key", size)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := blob.Write([]byte("hello")); err != nil {
				t.Fatal(err)
			}
			if err := blob.Sync(); err != nil {
				t.Fatal(err)
			}
			if err := blob.Close(); err != nil {
				t.Fatal(err)
			}

			if got := readBlob(t, st, "key"); string(got) != "hello" {
				t.Fatalf("size %d: got %q", size, got)
			}
			if err := st.Delete(ctx, []string{"key"}); err != nil {
				t.Fatal(err)
			}
		}
	})

	t.Run("Missing", func(t *testing.T) {
		st := newStore()
		if _, err := st.Open(ctx, "missing"); !errors.Is(err, archive.ErrNoSuchBlob) {
			t.Fatalf("expected ErrNoSuchBlob, got %v", err)
		}
		if err := st.Delete(ctx, []string{"missing"}); err != nil {
			t.Fatalf("deleting a missing key: %v", err)
		}
	})

	t.Run("Save", func(t *testing.T) {
		st := newStore()
		data := bytes.Repeat([]byte("0123456789\r\n"), 1000)

		key, err := archive.Save(ctx, st, bytesWriterTo(data))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(readBlob(t, st, key), data) {
			t.Fatal("stored copy differs")
		}

		if err := st.Delete(ctx, []string{key}); err != nil {
			t.Fatal(err)
		}
		if _, err := st.Open(ctx, key); !errors.Is(err, archive.ErrNoSuchBlob) {
			t.Fatalf("blob is still there after Delete: %v", err)
		}
	})

	t.Run("Save failure", func(t *testing.T) {
		st := newStore()
		if _, err := archive.Save(ctx, st, failingWriterTo{}); err == nil {
			t.Fatal("expected an error")
		}
	})
}
