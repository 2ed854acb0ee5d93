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

// Package message implements a MIME message that can be parsed, edited
// and written out again.
//
// Header fields are kept in the go-message textproto representation, so a
// parsed header is written back byte for byte. The body of a parsed message
// is kept in a buffer.Buffer and is never touched unless new content is set.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	nettextproto "net/textproto"
	"os"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/dkimmsg/framework/buffer"
)

var (
	ErrMalformedContentType = errors.New("message: malformed Content-Type")
	ErrMultipartEncoding    = errors.New("message: multipart content requires 7bit, 8bit or binary transfer encoding")
)

// Message is a MIME message.
//
// Message is not safe for concurrent use.
type Message struct {
	hdr textproto.Header

	// body is the raw body of a parsed message. It is nil for messages
	// created with New until SetBody or SetText is called.
	body buffer.Buffer

	// content is set when the body was replaced programmatically.
	content *Part

	saved     bool
	allow8Bit bool

	// Hostname is used in generated Message-ID values. os.Hostname is used
	// if it is empty.
	Hostname string

	// Now is used to generate the Date field. time.Now if nil.
	Now func() time.Time
}

// New creates an empty message. The header is filled by FinalizeEdits.
func New() *Message {
	return &Message{}
}

// Read parses a message from r. The body is stored using bufferBody,
// buffer.BufferInMemory is used if it is nil.
//
// The returned message is in the saved state: writing it without edits
// reproduces the input.
func Read(r io.Reader, bufferBody buffer.Func) (*Message, error) {
	if bufferBody == nil {
		bufferBody = buffer.BufferInMemory
	}

	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}

	body, err := bufferBody(br)
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}

	return &Message{hdr: hdr, body: body, saved: true}, nil
}

// Copy returns an independent copy of m. Content set programmatically is
// deep-copied, the buffer of a parsed body is shared since it is
// read-only. It stays valid until Remove is called on m or on any copy.
func (m *Message) Copy() *Message {
	cpy := *m
	cpy.hdr = m.hdr.Copy()
	if m.content != nil {
		cpy.content = m.content.copy()
	}
	return &cpy
}

// Remove releases the buffer holding the body of a parsed message.
func (m *Message) Remove() error {
	if m.body == nil {
		return nil
	}
	return m.body.Remove()
}

// Header returns a copy of the message header.
func (m *Message) Header() textproto.Header {
	return m.hdr.Copy()
}

// Get returns the first value of the header field.
func (m *Message) Get(key string) string {
	return m.hdr.Get(key)
}

// SetHeader replaces all fields with the key by a single one.
func (m *Message) SetHeader(key, value string) {
	m.hdr.Set(key, value)
	m.saved = false
}

// AddHeader adds a field to the top of the header.
func (m *Message) AddHeader(key, value string) {
	m.hdr.Add(key, value)
	m.saved = false
}

// DelHeader removes all fields with the key.
func (m *Message) DelHeader(key string) {
	m.hdr.Del(key)
	m.saved = false
}

// SetText replaces the content with a text/plain body. Line endings are
// converted to CRLF.
func (m *Message) SetText(text string) {
	charset := "us-ascii"
	if !isASCII(text) {
		charset = "utf-8"
	}
	m.setContent(NewTextPart(text), "text/plain; charset="+charset)
}

// SetBody replaces the content with data of the given media type. data is
// the decoded content, the transfer encoding is picked by FinalizeEdits.
func (m *Message) SetBody(contentType string, data []byte) {
	m.setContent(&Part{Body: data}, contentType)
}

// SetMultipart replaces the content with a multipart/subtype body made of
// parts.
func (m *Message) SetMultipart(subtype string, parts ...*Part) {
	m.setContent(&Part{Parts: parts}, "multipart/"+subtype)
}

// AddPart appends a part to multipart content. Content that is not
// multipart yet is replaced with a multipart/mixed body containing p only.
func (m *Message) AddPart(p *Part) {
	if m.content == nil || m.content.Parts == nil {
		m.SetMultipart("mixed", p)
		return
	}
	m.content.Parts = append(m.content.Parts, p)
	m.saved = false
}

func (m *Message) setContent(p *Part, contentType string) {
	m.content = p
	m.hdr.Set("Content-Type", contentType)
	m.hdr.Del("Content-Transfer-Encoding")
	m.saved = false
}

// Saved reports whether FinalizeEdits was called after the last change.
func (m *Message) Saved() bool {
	return m.saved
}

// Modified reports whether the content was set programmatically and has to
// be encoded when written.
func (m *Message) Modified() bool {
	return m.content != nil
}

// Encoding returns the Content-Transfer-Encoding of the top-level content.
func (m *Message) Encoding() string {
	return NormalizeEncoding(m.hdr.Get("Content-Transfer-Encoding"))
}

// SetAllow8BitMIME controls whether FinalizeEdits may pick the 8bit
// transfer encoding.
func (m *Message) SetAllow8BitMIME(allow bool) {
	if m.allow8Bit != allow {
		m.saved = false
	}
	m.allow8Bit = allow
}

func (m *Message) Allow8BitMIME() bool {
	return m.allow8Bit
}

// WriteContent writes the content in its decoded form. The caller is
// expected to wrap w with EncodingWriter for Encoding(). Parts of
// multipart content are encoded using their own transfer encodings.
//
// For a parsed message the raw body is written.
func (m *Message) WriteContent(w io.Writer) error {
	if m.content != nil {
		return m.content.writeContent(w, m.hdr)
	}
	if m.body == nil {
		return nil
	}
	r, err := m.body.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

// RawContent returns the raw body if it is held in memory.
func (m *Message) RawContent() ([]byte, bool) {
	if m.content != nil {
		return nil, false
	}
	if m.body == nil {
		return []byte{}, true
	}
	return buffer.Materialized(m.body)
}

// ContentStream opens the raw body of a parsed message.
func (m *Message) ContentStream() (io.ReadCloser, error) {
	if m.content != nil {
		return nil, errors.New("message: content was modified, no raw stream available")
	}
	if m.body == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return m.body.Open()
}

// HeaderLines returns the header fields in order, each without the
// terminating CRLF. Folded fields keep their continuation lines.
func (m *Message) HeaderLines() []string {
	return m.HeaderLinesExcept()
}

// HeaderLinesExcept is HeaderLines without fields named in except. Names
// are compared case-insensitively.
func (m *Message) HeaderLinesExcept(except ...string) []string {
	skip := make(map[string]struct{}, len(except))
	for _, k := range except {
		skip[nettextproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))] = struct{}{}
	}

	lines := make([]string, 0, m.hdr.Len())
	fields := m.hdr.Fields()
	for fields.Next() {
		if _, ok := skip[fields.Key()]; ok {
			continue
		}
		raw, err := fields.Raw()
		if err != nil {
			// Unformattable field, keep what we know about it.
			lines = append(lines, fields.Key()+": "+fields.Value())
			continue
		}
		lines = append(lines, strings.TrimSuffix(string(raw), "\r\n"))
	}
	return lines
}

// Text returns the decoded value of a header field, see go-message
// Header.Text.
func (m *Message) Text(key string) (string, error) {
	h := gomessage.Header{Header: m.hdr}
	return h.Text(key)
}

func (m *Message) hostname() string {
	if m.Hostname != "" {
		return m.Hostname
	}
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

func (m *Message) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
