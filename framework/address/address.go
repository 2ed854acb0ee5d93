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

// Package address handles envelope addresses (RFC 5321 forward-path
// tokens) and addresses taken from message header fields.
package address

import (
	"errors"
	"strings"

	"github.com/foxcpp/dkimmsg/framework/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

var ErrUnicodeMailbox = errors.New("address: cannot convert the Unicode local-part to the ACE form")

// Split splits addr into local-part and domain.
//
// The special "postmaster" address is returned with an empty domain. Split
// does almost no sanity checks, use Valid for that.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox, domain = addr[:indx], addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return mailbox, domain, nil
}

// unquoteMbox removes quoting and escaping from the local-part.
func unquoteMbox(mbox string) (string, error) {
	var (
		quoted, escaped, closed bool
		sb                      strings.Builder
	)
	for _, ch := range mbox {
		if closed {
			return "", errors.New("address: closing quote should be right before at-sign")
		}

		switch {
		case ch == '"' && !escaped:
			quoted = !quoted
			closed = !quoted
			continue
		case ch == '\\' && !escaped:
			if !quoted {
				return "", errors.New("address: escapes are allowed only in quoted strings")
			}
			escaped = true
			continue
		case ch == '@' && !quoted:
			return "", errors.New("address: extra at-sign in non-quoted local-part")
		}

		escaped = false
		sb.WriteRune(ch)
	}
	if quoted {
		return "", errors.New("address: unterminated quoted string")
	}
	if sb.Len() == 0 {
		return "", errors.New("address: empty local part")
	}
	return sb.String(), nil
}

// Valid reports whether addr is usable as an SMTP envelope address.
// "postmaster" is accepted.
func Valid(addr string) bool {
	// RFC 3696 errata.
	if len(addr) > 320 {
		return false
	}

	mbox, domain, err := Split(addr)
	if err != nil {
		return false
	}
	if domain == "" {
		return true
	}
	return ValidMailboxName(mbox) && ValidDomain(domain)
}

const atextSpecials = "!#$%&'*+-/=?^_`{|}~."

// ValidMailboxName reports whether mbox is a valid local-part. UTF-8 is
// allowed (RFC 6531).
func ValidMailboxName(mbox string) bool {
	if strings.HasPrefix(mbox, `"`) {
		raw, err := unquoteMbox(mbox)
		if err != nil {
			return false
		}
		for _, ch := range raw {
			if ch < ' ' || ch == 0x7F {
				return false
			}
		}
		return true
	}

	for _, ch := range mbox {
		switch {
		case ch >= '0' && ch <= '9', ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z':
		case ch > 0x7F:
		case strings.ContainsRune(atextSpecials, ch):
		default:
			return false
		}
	}
	return true
}

// ValidDomain reports whether domain is a syntactically valid DNS name.
// Label lengths are checked in A-label form.
func ValidDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > 255 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}

	aDomain, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(aDomain, ".") {
		if len(label) > 63 {
			return false
		}
	}
	return true
}

// ToASCII converts the domain of addr to A-labels. A non-ASCII local-part
// can't be converted and ErrUnicodeMailbox is returned.
func ToASCII(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if !IsASCII(mbox) {
		return addr, ErrUnicodeMailbox
	}
	if domain == "" {
		return mbox, nil
	}

	aDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, err
	}
	return mbox + "@" + aDomain, nil
}

// ForLookup returns the canonical form of addr for comparisons: the
// local-part in NFC and lower case, the domain as dns.ForLookup.
//
// On error, lower-cased addr is returned along with it.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))
	if domain == "" {
		return mbox, nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return mbox + "@" + domain, nil
}

func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
