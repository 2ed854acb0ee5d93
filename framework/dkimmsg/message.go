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

// Package dkimmsg serializes MIME messages together with a DKIM-Signature
// header field computed over the exact bytes that are transmitted.
//
// Message freezes the body first, then asks a Signer for the signature line
// and only then starts writing. Nothing is written to the sink if any of
// these steps fails.
package dkimmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/dkimmsg/framework/exterrors"
	"github.com/foxcpp/dkimmsg/framework/log"
	"github.com/foxcpp/dkimmsg/framework/message"
)

// Model is the message being signed. *message.Message implements it.
type Model interface {
	// FinalizeEdits brings headers in sync with the content. It must be
	// idempotent.
	FinalizeEdits() error

	// Modified reports whether the content has to be encoded by
	// WriteContent instead of being copied from RawContent or
	// ContentStream.
	Modified() bool

	// Encoding is the Content-Transfer-Encoding of the top-level content.
	Encoding() string

	// WriteContent writes the content before transfer encoding.
	WriteContent(w io.Writer) error

	// RawContent returns the raw body if it is held in memory.
	RawContent() ([]byte, bool)

	// ContentStream opens the raw body.
	ContentStream() (io.ReadCloser, error)

	// HeaderLines returns header fields in order without terminating
	// CRLF.
	HeaderLines() []string

	// HeaderLinesExcept is HeaderLines without the fields named in except,
	// compared case-insensitively.
	HeaderLinesExcept(except ...string) []string

	Header() textproto.Header

	SetAllow8BitMIME(allow bool)
}

// View is what a Signer sees of the message being serialized.
type View interface {
	// EncodedBody returns the frozen body. The slice must not be modified.
	EncodedBody() []byte

	// Header returns a copy of the finalized header.
	Header() textproto.Header

	// HeaderLines returns the finalized header fields in order, without
	// any suppression applied.
	HeaderLines() []string
}

// Signer produces a complete DKIM-Signature header line for a message.
//
// Sign is called once per serialization, after the body is frozen. It must
// be safe to call concurrently for different messages.
type Signer interface {
	Sign(v View) (string, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(v View) (string, error)

func (f SignerFunc) Sign(v View) (string, error) {
	return f(v)
}

const copyChunkSize = 8 * 1024

// ErrEmptySignature is returned if the Signer produced no signature line.
var ErrEmptySignature = errors.New("signer returned an empty signature")

const (
	stageFinalize = "finalize"
	stageFreeze   = "freeze"
	stageSign     = "sign"
	stageWrite    = "write"
)

// Message is a MIME message that gets a DKIM-Signature prepended every time
// it is serialized.
type Message struct {
	// Log receives debug messages and serialization failures.
	Log log.Logger

	model  Model
	signer Signer

	mu          sync.Mutex
	encodedBody []byte
}

// New wraps model so that it is signed with signer on serialization.
//
// A *message.Message is copied, later changes to it are not seen by the
// returned Message. Use Model to edit the wrapped copy. Other Model
// implementations are used as is.
//
// The model is kept in 7-bit mode: 8-bit MIME is disabled here and again
// before every serialization, whatever the model was set to in between.
// The body must not change in transit or the signature breaks.
func New(model Model, signer Signer) *Message {
	if msg, ok := model.(*message.Message); ok {
		model = msg.Copy()
	}
	model.SetAllow8BitMIME(false)
	return &Message{
		Log:    log.Logger{Name: "dkimmsg"},
		model:  model,
		signer: signer,
	}
}

// SetAllow8BitMIME is accepted for compatibility with code that toggles
// 8-bit MIME on messages. The model is always kept in 7-bit mode whatever
// allow is.
func (m *Message) SetAllow8BitMIME(allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allow {
		m.Log.DebugMsg("ignoring request to allow 8-bit MIME")
	}
	m.model.SetAllow8BitMIME(false)
}

// Allow8BitMIME always reports false.
func (m *Message) Allow8BitMIME() bool {
	return false
}

// Model returns the wrapped model. Edits made to it are picked up by the
// next serialization. It must not be used concurrently with Serialize.
func (m *Message) Model() Model {
	return m.model
}

// Remove releases the body buffer of the model, if it has one.
func (m *Message) Remove() error {
	if r, ok := m.model.(interface{ Remove() error }); ok {
		return r.Remove()
	}
	return nil
}

// EncodedBody returns the body frozen by the last serialization, or nil if
// the message was never serialized. The slice belongs to m and must not be
// modified.
func (m *Message) EncodedBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encodedBody
}

// Serialize writes the signed message to w: the signature line, the header
// fields except those named in suppress, an empty line and the body.
//
// suppress names are compared case-insensitively. Suppressed fields are
// still visible to the Signer.
//
// If w has a Flush method it is called after the header and after the body.
func (m *Message) Serialize(w io.Writer, suppress ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.serialize(w, suppress)
	if err != nil {
		serializations.WithLabelValues(Stage(err)).Inc()
		m.Log.Error("serialization failed", err)
		return err
	}
	serializations.WithLabelValues("ok").Inc()
	return nil
}

// WriteTo implements io.WriterTo. No fields are suppressed.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := m.Serialize(cw)
	return cw.n, err
}

// Bytes returns the serialized message.
func (m *Message) Bytes(suppress ...string) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Serialize(&buf, suppress...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) serialize(w io.Writer, suppress []string) error {
	m.model.SetAllow8BitMIME(false)
	if err := m.model.FinalizeEdits(); err != nil {
		return withStage(stageFinalize, err)
	}

	body, err := freeze(m.model)
	if err != nil {
		return withStage(stageFreeze, err)
	}
	m.encodedBody = body

	sig, err := m.signer.Sign(view{model: m.model, body: body})
	if err != nil {
		return withStage(stageSign, err)
	}
	sig = normalizeSignature(sig)
	if strings.TrimSpace(sig) == "" {
		return withStage(stageSign, ErrEmptySignature)
	}
	m.Log.DebugMsg("signed", "body_len", len(body), "signature_len", len(sig))

	if err := emit(w, sig, m.model.HeaderLinesExcept(suppress...), body); err != nil {
		return withStage(stageWrite, err)
	}
	return nil
}

// freeze captures the transmitted body bytes.
func freeze(model Model) ([]byte, error) {
	if model.Modified() {
		var buf bytes.Buffer
		enc, err := message.EncodingWriter(model.Encoding(), &buf)
		if err != nil {
			return nil, err
		}
		if err := model.WriteContent(enc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return nonNil(buf.Bytes()), nil
	}

	if raw, ok := model.RawContent(); ok {
		return append([]byte{}, raw...), nil
	}

	r, err := model.ContentStream()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	chunk := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(&buf, readerOnly{r}, chunk); err != nil {
		return nil, err
	}
	return nonNil(buf.Bytes()), nil
}

// readerOnly hides WriterTo so that CopyBuffer uses the chunk buffer.
type readerOnly struct {
	io.Reader
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// normalizeSignature drops the trailing line break and converts bare LF
// to CRLF, so a folded signature stays folded.
func normalizeSignature(sig string) string {
	sig = strings.TrimRight(sig, "\r\n")
	sig = strings.ReplaceAll(sig, "\r\n", "\n")
	return strings.ReplaceAll(sig, "\n", "\r\n")
}

func emit(w io.Writer, sig string, lines []string, body []byte) error {
	bw := bufio.NewWriter(w)

	bw.WriteString(sig)
	bw.WriteString("\r\n")
	for _, line := range lines {
		bw.WriteString(line)
		bw.WriteString("\r\n")
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := flush(w); err != nil {
		return err
	}

	if _, err := bw.Write(body); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return flush(w)
}

func flush(w io.Writer) error {
	switch f := w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

type view struct {
	model Model
	body  []byte
}

func (v view) EncodedBody() []byte      { return v.body }
func (v view) Header() textproto.Header { return v.model.Header() }
func (v view) HeaderLines() []string    { return v.model.HeaderLines() }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() error {
	return flush(c.w)
}

func withStage(stage string, err error) error {
	return exterrors.WithFields(fmt.Errorf("dkimmsg: %s: %w", stage, err), map[string]interface{}{
		"stage": stage,
	})
}

// Stage returns the serialization step err originates from: "finalize",
// "freeze", "sign" or "write". It returns an empty string for errors not
// returned by Serialize.
func Stage(err error) string {
	if err == nil {
		return ""
	}
	stage, _ := exterrors.Fields(err)["stage"].(string)
	return stage
}
