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
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/dkimmsg/framework/buffer"
)

const testMsg = "From: <a@example.org>\r\n" +
	"To: <b@example.org>\r\n" +
	"Subject: A long subject\r\n" +
	" that is folded\r\n" +
	"Message-ID: <1@example.org>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"\r\n" +
	"Hello!\r\n"

// render writes m out without signing.
func render(t *testing.T, m *Message) string {
	t.Helper()
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.hdr); err != nil {
		t.Fatal(err)
	}
	w := io.WriteCloser(nopWriteCloser{&buf})
	if m.Modified() {
		enc, err := EncodingWriter(m.Encoding(), &buf)
		if err != nil {
			t.Fatal(err)
		}
		w = enc
	}
	if err := m.WriteContent(w); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestRead_RoundTrip(t *testing.T) {
	m, err := Read(strings.NewReader(testMsg), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Saved() || m.Modified() {
		t.Fatal("parsed message should be saved and unmodified")
	}
	if got := render(t, m); got != testMsg {
		t.Fatalf("round trip changed the message:\n%q\n%q", got, testMsg)
	}
}

func TestHeaderLines(t *testing.T) {
	m, err := Read(strings.NewReader(testMsg), nil)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"From: <a@example.org>",
		"To: <b@example.org>",
		"Subject: A long subject\r\n that is folded",
		"Message-ID: <1@example.org>",
		"Date: Mon, 02 Jan 2006 15:04:05 +0000",
		"MIME-Version: 1.0",
	}
	got := m.HeaderLines()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("wrong lines:\n%q\nwant\n%q", got, want)
	}

	except := m.HeaderLinesExcept("message-id", " DATE ")
	if len(except) != 4 || except[3] != "MIME-Version: 1.0" {
		t.Fatalf("wrong lines: %q", except)
	}
}

func TestRawContent(t *testing.T) {
	m, err := Read(strings.NewReader(testMsg), nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := m.RawContent()
	if !ok || string(raw) != "Hello!\r\n" {
		t.Fatalf("RawContent: %q, %v", raw, ok)
	}

	m, err = Read(strings.NewReader(testMsg), buffer.InDir(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.RawContent(); ok {
		t.Fatal("file-backed body reported as materialized")
	}
	r, err := m.ContentStream()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "Hello!\r\n" {
		t.Fatalf("ContentStream: %q", body)
	}
}

func TestRawContent_Empty(t *testing.T) {
	m := New()
	raw, ok := m.RawContent()
	if !ok || raw == nil || len(raw) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v, %v", raw, ok)
	}
}

func TestFinalizeEdits_New(t *testing.T) {
	m := New()
	m.Hostname = "mx.example.org"
	m.Now = func() time.Time { return time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC) }
	m.SetHeader("From", "a@example.org")
	m.SetText("hello\nworld\n")

	if m.Saved() {
		t.Fatal("edited message reported as saved")
	}
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}

	if v := m.Get("MIME-Version"); v != "1.0" {
		t.Error("MIME-Version:", v)
	}
	if v := m.Get("Date"); v != "Thu, 02 Jan 2020 03:04:05 +0000" {
		t.Error("Date:", v)
	}
	if v := m.Get("Message-Id"); !strings.HasSuffix(v, "@mx.example.org>") {
		t.Error("Message-Id:", v)
	}
	if v := m.Get("Content-Type"); v != "text/plain; charset=us-ascii" {
		t.Error("Content-Type:", v)
	}
	if m.Encoding() != "7bit" {
		t.Error("Encoding:", m.Encoding())
	}
	if !m.Modified() {
		t.Error("message with new content should be modified")
	}

	msgID := m.Get("Message-Id")
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	if m.Get("Message-Id") != msgID {
		t.Error("second FinalizeEdits changed Message-Id")
	}

	var buf bytes.Buffer
	if err := m.WriteContent(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello\r\nworld\r\n" {
		t.Fatalf("WriteContent: %q", buf.String())
	}
}

func TestFinalizeEdits_Encoding(t *testing.T) {
	for _, c := range []struct {
		name      string
		set       func(m *Message)
		allow8Bit bool
		want      string
	}{
		{"ascii text", func(m *Message) { m.SetText("plain") }, false, "7bit"},
		{"utf-8 text", func(m *Message) { m.SetText("Привет, мир") }, false, "base64"},
		{"mostly ascii text", func(m *Message) { m.SetText("Hello, café") }, false, "quoted-printable"},
		{"utf-8 text, 8bit allowed", func(m *Message) { m.SetText("Hello, café") }, true, "8bit"},
		{"binary", func(m *Message) { m.SetBody("application/octet-stream", []byte{0, 1, 2, 0xff}) }, true, "base64"},
		{"long lines", func(m *Message) { m.SetText(strings.Repeat("a", 1000)) }, false, "quoted-printable"},
	} {
		t.Run(c.name, func(t *testing.T) {
			m := New()
			m.SetAllow8BitMIME(c.allow8Bit)
			c.set(m)
			if err := m.FinalizeEdits(); err != nil {
				t.Fatal(err)
			}
			if m.Encoding() != c.want {
				t.Errorf("got %s, want %s", m.Encoding(), c.want)
			}
		})
	}
}

func TestFinalizeEdits_Errors(t *testing.T) {
	m := New()
	m.SetText("hello")
	m.SetHeader("Content-Transfer-Encoding", "x-uuencode")
	err := m.FinalizeEdits()
	var encErr UnknownEncodingError
	if !errors.As(err, &encErr) || encErr.Encoding != "x-uuencode" {
		t.Errorf("expected UnknownEncodingError, got %v", err)
	}
	if m.Saved() {
		t.Error("failed FinalizeEdits marked message as saved")
	}

	m = New()
	m.SetBody("text/plain; charset=\"broken", []byte("x"))
	if err := m.FinalizeEdits(); !errors.Is(err, ErrMalformedContentType) {
		t.Errorf("expected ErrMalformedContentType, got %v", err)
	}

	m = New()
	m.SetMultipart("mixed", NewTextPart("a"))
	m.SetHeader("Content-Transfer-Encoding", "base64")
	if err := m.FinalizeEdits(); !errors.Is(err, ErrMultipartEncoding) {
		t.Errorf("expected ErrMultipartEncoding, got %v", err)
	}
}

func TestMultipart(t *testing.T) {
	m := New()
	m.SetHeader("Subject", "parts")
	m.SetMultipart("alternative",
		NewTextPart("plain text\n"),
		NewPart("application/octet-stream", []byte{0, 1, 2, 3}),
	)
	m.AddPart(NewMultipart("related", NewPart("text/html", []byte("<p>ok</p>"))))

	out := render(t, m)

	e, err := gomessage.Read(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	mr := e.MultipartReader()
	if mr == nil {
		t.Fatal("rendered message is not multipart")
	}

	var bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if nested := p.MultipartReader(); nested != nil {
			np, err := nested.NextPart()
			if err != nil {
				t.Fatal(err)
			}
			b, _ := io.ReadAll(np.Body)
			bodies = append(bodies, string(b))
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			t.Fatal(err)
		}
		bodies = append(bodies, string(b))
	}

	want := []string{"plain text\r\n", "\x00\x01\x02\x03", "<p>ok</p>"}
	if strings.Join(bodies, "|") != strings.Join(want, "|") {
		t.Fatalf("wrong parts: %q", bodies)
	}
	if m.Encoding() != "7bit" {
		t.Errorf("multipart encoding: %s", m.Encoding())
	}
}

func TestCopy(t *testing.T) {
	m := New()
	m.SetText("original")
	m.SetHeader("Subject", "a")

	cpy := m.Copy()
	cpy.SetHeader("Subject", "b")
	cpy.SetText("changed")

	if m.Get("Subject") != "a" {
		t.Error("copy shares the header")
	}
	var buf bytes.Buffer
	if err := m.WriteContent(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "original" {
		t.Errorf("copy shares the content: %q", buf.String())
	}
}

func TestAllow8BitMIME_Resets(t *testing.T) {
	m := New()
	m.SetText("café")
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	m.SetAllow8BitMIME(true)
	if m.Saved() {
		t.Error("changing 8-bit mode should require finalization")
	}
}

func TestAllow8BitMIME_Repick(t *testing.T) {
	m := New()
	m.SetAllow8BitMIME(true)
	m.SetText("café")
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	if m.Encoding() != "8bit" {
		t.Fatalf("expected 8bit with 8-bit MIME allowed, got %s", m.Encoding())
	}

	m.SetAllow8BitMIME(false)
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	if m.Encoding() != "quoted-printable" {
		t.Fatalf("picked encoding was kept after disabling 8-bit MIME: %s", m.Encoding())
	}
}

func TestAllow8BitMIME_RepickParts(t *testing.T) {
	m := New()
	m.SetAllow8BitMIME(true)
	m.SetMultipart("mixed", NewTextPart("café"), NewTextPart("plain"))
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	if m.Encoding() != "8bit" {
		t.Fatalf("expected 8bit multipart, got %s", m.Encoding())
	}

	cpy := m.Copy()
	cpy.SetAllow8BitMIME(false)
	if err := cpy.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	if cpy.Encoding() != "7bit" {
		t.Errorf("multipart encoding: %s", cpy.Encoding())
	}
	if enc := cpy.content.Parts[0].Header.Get("Content-Transfer-Encoding"); enc != "quoted-printable" {
		t.Errorf("part encoding: %s", enc)
	}
	if m.Encoding() != "8bit" {
		t.Error("finalizing the copy changed the original")
	}
}

func TestFinalizeEdits_KeepsExplicitEncoding(t *testing.T) {
	m := New()
	m.SetText("hello")
	m.SetHeader("Content-Transfer-Encoding", "base64")
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	m.SetAllow8BitMIME(true)
	if err := m.FinalizeEdits(); err != nil {
		t.Fatal(err)
	}
	if m.Encoding() != "base64" {
		t.Fatalf("explicit encoding replaced with %s", m.Encoding())
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	m, err := Read(strings.NewReader(testMsg), buffer.InDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(); err != nil {
		t.Fatal(err)
	}
	left, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("body buffer is left behind: %v", left)
	}

	if err := New().Remove(); err != nil {
		t.Fatal("Remove on a message without a body:", err)
	}
}
