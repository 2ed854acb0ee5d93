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

// Package dns contains helpers for handling domain names in signatures and
// DNS record names.
package dns

import (
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// FQDN returns domain with the trailing dot.
func FQDN(domain string) string {
	return dns.Fqdn(domain)
}

// KeyRecordName returns the name of the TXT record holding the DKIM public
// key for selector and domain, in A-label form.
func KeyRecordName(selector, domain string) (string, error) {
	aSelector, err := idna.ToASCII(selector)
	if err != nil {
		return "", err
	}
	aDomain, err := idna.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return "", err
	}
	return FQDN(aSelector + "._domainkey." + aDomain), nil
}

// ForLookup converts the domain into the canonical form used as a map key:
// U-labels in NFC, lower-cased, without the trailing dot.
//
// Malformed domains are lower-cased as is and the conversion error is also
// returned.
func ForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(domain), err
	}

	// strings.ToLower does no full case-folding, normalize first.
	uDomain = strings.ToLower(norm.NFC.String(uDomain))
	return strings.TrimSuffix(uDomain, "."), nil
}

// Equal reports whether domain1 and domain2 are the same domain after
// IDNA and case normalization.
func Equal(domain1, domain2 string) bool {
	if domain1 == domain2 {
		return true
	}
	u1, _ := ForLookup(domain1)
	u2, _ := ForLookup(domain2)
	return u1 == u2
}

// SelectIDNA returns domain in U-label (NFC) form if ulabel is set and in
// A-label form otherwise.
func SelectIDNA(ulabel bool, domain string) (string, error) {
	if ulabel {
		uDomain, err := idna.ToUnicode(domain)
		return norm.NFC.String(uDomain), err
	}
	return idna.ToASCII(domain)
}
