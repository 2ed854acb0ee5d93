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
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// Part is an entity of programmatically built content.
//
// A leaf part has Body set and Parts nil, a multipart part has Parts set.
// The Header of the top-level content is the message header and Part.Header
// is ignored there.
type Part struct {
	Header textproto.Header
	Body   []byte
	Parts  []*Part

	// pickedEnc is the Content-Transfer-Encoding set by FinalizeEdits. It is
	// chosen again on the next finalization as long as the field still has
	// this value.
	pickedEnc string
}

func (p *Part) pickedBy(enc string) bool {
	return p.pickedEnc != "" && strings.EqualFold(strings.TrimSpace(enc), p.pickedEnc)
}

// NewTextPart creates a text/plain part. Line endings are converted to
// CRLF.
func NewTextPart(text string) *Part {
	p := &Part{Body: []byte(toCRLF(text))}
	charset := "us-ascii"
	if !isASCII(text) {
		charset = "utf-8"
	}
	p.Header.Set("Content-Type", "text/plain; charset="+charset)
	return p
}

// NewPart creates a leaf part with data of the given media type.
func NewPart(contentType string, data []byte) *Part {
	p := &Part{Body: data}
	p.Header.Set("Content-Type", contentType)
	return p
}

// NewMultipart creates a nested multipart/subtype part.
func NewMultipart(subtype string, parts ...*Part) *Part {
	p := &Part{Parts: parts}
	if p.Parts == nil {
		p.Parts = []*Part{}
	}
	p.Header.Set("Content-Type", "multipart/"+subtype)
	return p
}

func (p *Part) copy() *Part {
	cpy := &Part{Header: p.Header.Copy(), Body: p.Body, pickedEnc: p.pickedEnc}
	if p.Parts != nil {
		cpy.Parts = make([]*Part, 0, len(p.Parts))
		for _, child := range p.Parts {
			cpy.Parts = append(cpy.Parts, child.copy())
		}
	}
	return cpy
}

// writeContent writes the content of p. hdr is the header of p (the message
// header for the top-level content).
func (p *Part) writeContent(w io.Writer, hdr textproto.Header) error {
	if p.Parts == nil {
		_, err := w.Write(p.Body)
		return err
	}

	h := gomessage.Header{Header: hdr}
	_, params, err := h.ContentType()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedContentType, err)
	}

	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(params["boundary"]); err != nil {
		return fmt.Errorf("message: %w", err)
	}
	for _, child := range p.Parts {
		pw, err := mw.CreatePart(child.Header)
		if err != nil {
			return err
		}
		if child.Parts != nil {
			if err := child.writeContent(pw, child.Header); err != nil {
				return err
			}
			continue
		}

		enc, err := EncodingWriter(child.Header.Get("Content-Transfer-Encoding"), pw)
		if err != nil {
			return err
		}
		if err := child.writeContent(enc, child.Header); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return mw.Close()
}

func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
