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

// Package dkim implements dkimmsg.Signer using go-msgauth.
//
// The key is selected using the domain of the From header field. Keys are
// loaded from PEM files, one per configured domain.
package dkim

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/dkimmsg/framework/address"
	"github.com/foxcpp/dkimmsg/framework/config"
	"github.com/foxcpp/dkimmsg/framework/dkimmsg"
	"github.com/foxcpp/dkimmsg/framework/dns"
	"github.com/foxcpp/dkimmsg/framework/exterrors"
	"github.com/foxcpp/dkimmsg/framework/log"
)

const Day = 86400 * time.Second

var (
	oversignDefault = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",

		// Provide additional security benefit for OpenPGP.
		"Autocrypt",
		"Openpgp",
	}
	signDefault = []string{
		// Not oversigned, mailing lists add these.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Not oversigned since it can be prepended by intermediate relays.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}

	hashFuncs = map[string]crypto.Hash{
		"sha256": crypto.SHA256,
	}
)

var (
	ErrNoKey        = errors.New("sign_dkim: no key for the sender domain")
	ErrMultipleFrom = errors.New("sign_dkim: multiple addresses in From")
)

type Signer struct {
	domains        []string
	selector       string
	keys           map[string]crypto.Signer
	oversignHeader []string
	signHeader     []string
	headerCanon    dkim.Canonicalization
	bodyCanon      dkim.Canonicalization
	sigExpiry      time.Duration
	hash           crypto.Hash
	multipleFromOk bool

	log log.Logger
}

var _ dkimmsg.Signer = &Signer{}

// New creates a Signer for domains using selector. Either may be left empty
// and set in the configuration block passed to Init.
func New(domains []string, selector string) *Signer {
	return &Signer{
		domains:  domains,
		selector: selector,
		keys:     map[string]crypto.Signer{},
		log:      log.Logger{Name: "sign_dkim"},
	}
}

func (s *Signer) Init(cfg *config.Map) error {
	var (
		hashName        string
		keyPathTemplate string
	)

	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.StringList("domains", false, false, s.domains, &s.domains)
	cfg.String("selector", false, false, s.selector, &s.selector)
	cfg.String("key_path", false, false, "dkim_keys/{domain}_{selector}.key", &keyPathTemplate)
	cfg.StringList("oversign_fields", false, false, oversignDefault, &s.oversignHeader)
	cfg.StringList("sign_fields", false, false, signDefault, &s.signHeader)
	cfg.Enum("header_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&s.headerCanon))
	cfg.Enum("body_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&s.bodyCanon))
	cfg.Duration("sig_expiry", false, false, 5*Day, &s.sigExpiry)
	cfg.Enum("hash", false, false, []string{"sha256"}, "sha256", &hashName)
	cfg.Bool("allow_multiple_from", false, false, &s.multipleFromOk)

	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(s.domains) == 0 {
		return errors.New("sign_dkim: at least one domain is needed")
	}
	if s.selector == "" {
		return errors.New("sign_dkim: selector is not specified")
	}

	s.hash = hashFuncs[hashName]
	if s.hash == 0 {
		panic("sign_dkim.Init: hash function allowed by config matcher but not present in hashFuncs")
	}

	for _, domain := range s.domains {
		if !address.ValidDomain(domain) {
			return fmt.Errorf("sign_dkim: invalid domain: %s", domain)
		}

		keyPath := strings.NewReplacer("{domain}", domain, "{selector}", s.selector).Replace(keyPathTemplate)
		key, err := loadKey(keyPath)
		if err != nil {
			return err
		}

		normDomain, err := dns.ForLookup(domain)
		if err != nil {
			return fmt.Errorf("sign_dkim: unable to normalize domain %s: %w", domain, err)
		}
		s.keys[normDomain] = key
		s.log.DebugMsg("loaded key", "domain", normDomain, "key_path", keyPath)
	}

	return nil
}

// Selector returns the configured selector.
func (s *Signer) Selector() string {
	return s.selector
}

// Domains returns the domains keys were loaded for.
func (s *Signer) Domains() []string {
	return s.domains
}

func (s *Signer) fieldsToSign(h *textproto.Header) []string {
	// go-msgauth panics on duplicated keys in config.
	seen := make(map[string]struct{})

	res := make([]string, 0, len(s.oversignHeader)+len(s.signHeader))
	for _, key := range s.oversignHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		// Once per each field instance and once more to "oversign" it.
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		res = append(res, key)
	}
	for _, key := range s.signHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}

// fromDomain returns the domain of the From address. The first configured
// domain is used if there is no From field.
func (s *Signer) fromDomain(h textproto.Header) (string, error) {
	mh := mail.Header{Header: gomessage.Header{Header: h}}
	addrs, err := mh.AddressList("From")
	if err != nil {
		return "", fmt.Errorf("sign_dkim: malformed From: %w", err)
	}
	switch {
	case len(addrs) == 0:
		return s.domains[0], nil
	case len(addrs) > 1 && !s.multipleFromOk:
		return "", ErrMultipleFrom
	}

	_, domain, err := address.Split(addrs[0].Address)
	if err != nil {
		return "", fmt.Errorf("sign_dkim: malformed From: %w", err)
	}
	if domain == "" {
		return s.domains[0], nil
	}
	return domain, nil
}

// Sign implements dkimmsg.Signer.
func (s *Signer) Sign(v dkimmsg.View) (string, error) {
	h := v.Header()

	domain, err := s.fromDomain(h)
	if err != nil {
		return "", err
	}
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return "", exterrors.WithFields(fmt.Errorf("sign_dkim: %w", err), map[string]interface{}{"domain": domain})
	}
	key := s.keys[normDomain]
	if key == nil {
		return "", exterrors.WithFields(ErrNoKey, map[string]interface{}{"domain": normDomain})
	}

	// U-labels are only allowed in internationalized messages.
	eai := !headerASCII(v.HeaderLines())
	sigDomain, err := dns.SelectIDNA(eai, normDomain)
	if err != nil {
		return "", fmt.Errorf("sign_dkim: %w", err)
	}
	selector, err := dns.SelectIDNA(eai, s.selector)
	if err != nil {
		return "", fmt.Errorf("sign_dkim: %w", err)
	}

	opts := dkim.SignOptions{
		Domain:                 sigDomain,
		Selector:               selector,
		Identifier:             "@" + sigDomain,
		Signer:                 key,
		Hash:                   s.hash,
		HeaderCanonicalization: s.headerCanon,
		BodyCanonicalization:   s.bodyCanon,
		HeaderKeys:             s.fieldsToSign(&h),
	}
	if s.sigExpiry != 0 {
		opts.Expiration = time.Now().Add(s.sigExpiry)
	}

	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return "", fmt.Errorf("sign_dkim: %w", err)
	}
	if err := textproto.WriteHeader(signer, h); err != nil {
		signer.Close()
		return "", fmt.Errorf("sign_dkim: %w", err)
	}
	if _, err := signer.Write(v.EncodedBody()); err != nil {
		signer.Close()
		return "", fmt.Errorf("sign_dkim: %w", err)
	}
	if err := signer.Close(); err != nil {
		return "", fmt.Errorf("sign_dkim: %w", err)
	}

	signatures.WithLabelValues(normDomain).Inc()
	s.log.DebugMsg("signed", "domain", sigDomain, "selector", selector)

	return signer.Signature(), nil
}

func headerASCII(lines []string) bool {
	for _, l := range lines {
		if !address.IsASCII(l) {
			return false
		}
	}
	return true
}
