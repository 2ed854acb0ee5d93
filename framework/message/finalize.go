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
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

const defaultContentType = "text/plain; charset=us-ascii"

// FinalizeEdits brings the header in sync with the content. It is a no-op
// if nothing changed since the last call or since the message was parsed.
//
// Missing MIME-Version, Date and Message-ID fields are added. For content
// set programmatically Content-Type is validated, multipart boundaries are
// generated and Content-Transfer-Encoding is picked for every entity that
// lacks one. Encodings picked by an earlier call are picked again, so
// disabling 8-bit MIME after finalization takes effect.
func (m *Message) FinalizeEdits() error {
	if m.saved {
		return nil
	}

	if m.content != nil {
		if err := finalizeEntity(&m.hdr, m.content, m.allow8Bit); err != nil {
			return err
		}
	}

	if !m.hdr.Has("Message-Id") {
		m.hdr.Set("Message-Id", "<"+uuid.New().String()+"@"+m.hostname()+">")
	}
	if !m.hdr.Has("Date") {
		m.hdr.Set("Date", m.now().Format(time.RFC1123Z))
	}
	if !m.hdr.Has("Mime-Version") {
		m.hdr.Set("MIME-Version", "1.0")
	}

	m.saved = true
	return nil
}

func finalizeEntity(hdr *textproto.Header, p *Part, allow8Bit bool) error {
	if p.Parts != nil {
		return finalizeMultipart(hdr, p, allow8Bit)
	}

	if !hdr.Has("Content-Type") {
		hdr.Set("Content-Type", defaultContentType)
	}
	h := gomessage.Header{Header: *hdr}
	mediaType, _, err := h.ContentType()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedContentType, err)
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("%w: %s without parts", ErrMalformedContentType, mediaType)
	}

	if enc := hdr.Get("Content-Transfer-Encoding"); enc != "" && !p.pickedBy(enc) {
		return checkEncoding(enc)
	}

	text := strings.HasPrefix(mediaType, "text/")
	p.pickedEnc = chooseEncoding(p.Body, text, allow8Bit)
	hdr.Set("Content-Transfer-Encoding", p.pickedEnc)
	return nil
}

func finalizeMultipart(hdr *textproto.Header, p *Part, allow8Bit bool) error {
	h := gomessage.Header{Header: *hdr}
	mediaType, params, err := h.ContentType()
	if !hdr.Has("Content-Type") {
		mediaType, params, err = "multipart/mixed", nil, nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedContentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("%w: %s with parts", ErrMalformedContentType, mediaType)
	}

	enc := hdr.Get("Content-Transfer-Encoding")
	if enc != "" && !p.pickedBy(enc) && !IsIdentity(enc) {
		return ErrMultipartEncoding
	}

	if params == nil {
		params = make(map[string]string)
	}
	if params["boundary"] == "" {
		params["boundary"] = strings.ReplaceAll(uuid.New().String(), "-", "")
		h.SetContentType(mediaType, params)
		*hdr = h.Header
	}

	// The whole tree must be known before the outer encoding is chosen.
	eightBit := false
	for _, child := range p.Parts {
		if err := finalizeEntity(&child.Header, child, allow8Bit); err != nil {
			return err
		}
		if enc := NormalizeEncoding(child.Header.Get("Content-Transfer-Encoding")); enc == "8bit" || enc == "binary" {
			eightBit = true
		}
	}

	if enc == "" || p.pickedBy(enc) {
		p.pickedEnc = "7bit"
		if eightBit {
			p.pickedEnc = "8bit"
		}
		hdr.Set("Content-Transfer-Encoding", p.pickedEnc)
	}
	return nil
}
