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

package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/dkimmsg/framework/config"
	"github.com/foxcpp/dkimmsg/framework/dkimmsg"
	"github.com/foxcpp/dkimmsg/framework/message"
	"github.com/foxcpp/dkimmsg/internal/testutils"
	"github.com/foxcpp/go-mockdns"
)

type testKey struct {
	pkey   crypto.Signer
	record string
}

func genKey(t *testing.T, algo string) testKey {
	t.Helper()

	var (
		pkey    crypto.Signer
		pubBlob []byte
		err     error
	)
	switch algo {
	case "rsa":
		var k *rsa.PrivateKey
		k, err = rsa.GenerateKey(rand.Reader, 2048)
		if err == nil {
			pkey, pubBlob = k, x509.MarshalPKCS1PublicKey(&k.PublicKey)
		}
	case "ed25519":
		var (
			pub ed25519.PublicKey
			k   ed25519.PrivateKey
		)
		pub, k, err = ed25519.GenerateKey(rand.Reader)
		pkey, pubBlob = k, pub
	}
	if err != nil {
		t.Fatal(err)
	}

	return testKey{
		pkey:   pkey,
		record: fmt.Sprintf("v=DKIM1; k=%s; p=%s", algo, base64.StdEncoding.EncodeToString(pubBlob)),
	}
}

func writeTestKey(t *testing.T, dir, name string, key testKey) {
	t.Helper()
	blob, err := x509.MarshalPKCS8PrivateKey(key.pkey)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: blob}); err != nil {
		t.Fatal(err)
	}
}

func newTestSigner(t *testing.T, dir string, opts ...config.Node) *Signer {
	t.Helper()

	s := New([]string{"maddy.test"}, "default")
	s.log = testutils.Logger(t, "sign_dkim")

	children := append([]config.Node{
		{
			Name: "key_path",
			Args: []string{filepath.Join(dir, "{domain}.key")},
		},
	}, opts...)
	if err := s.Init(config.NewMap(nil, config.Node{Children: children})); err != nil {
		t.Fatal(err)
	}
	return s
}

func serveRecords(t *testing.T, records map[string]string) {
	t.Helper()

	zones := make(map[string]mockdns.Zone, len(records))
	for name, rec := range records {
		zones[name] = mockdns.Zone{TXT: []string{rec}}
	}

	// dkim.Verify has no way to override the resolver, hijack the global one.
	srv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatal(err)
	}
	srv.PatchNet(net.DefaultResolver)
	t.Cleanup(func() {
		mockdns.UnpatchNet(net.DefaultResolver)
		srv.Close()
	})
}

func verify(t *testing.T, signed []byte) *dkim.Verification {
	t.Helper()

	v, err := dkim.Verify(bytes.NewReader(signed))
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 {
		t.Fatalf("expected exactly one signature, got %d", len(v))
	}
	if v[0].Err != nil {
		t.Fatal("verification error:", v[0].Err)
	}
	return v[0]
}

const testMsg = "From: <hello@maddy.test>\r\n" +
	"Subject: heya\r\n" +
	"To: <heya@heya>\r\n" +
	"Message-Id: <1@maddy.test>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"\r\n" +
	"hello there\r\n" +
	"trailing spaces   \r\n" +
	"\r\n\r\n"

func TestSignVerify(t *testing.T) {
	// A freshly generated key is usable for signing and the result passes
	// verification for every canonicalization.
	for _, algo := range []string{"rsa", "ed25519"} {
		key := genKey(t, algo)
		dir := t.TempDir()
		writeTestKey(t, dir, "maddy.test.key", key)
		serveRecords(t, map[string]string{"default._domainkey.maddy.test.": key.record})

		for _, hdrCanon := range []string{"simple", "relaxed"} {
			for _, bodyCanon := range []string{"simple", "relaxed"} {
				t.Run(algo+"/"+hdrCanon+"/"+bodyCanon, func(t *testing.T) {
					s := newTestSigner(t, dir,
						config.Node{Name: "header_canon", Args: []string{hdrCanon}},
						config.Node{Name: "body_canon", Args: []string{bodyCanon}},
					)

					model, err := message.Read(strings.NewReader(testMsg), nil)
					if err != nil {
						t.Fatal(err)
					}
					m := dkimmsg.New(model, s)
					m.Log = testutils.Logger(t, "dkimmsg")

					signed, err := m.Bytes()
					if err != nil {
						t.Fatal(err)
					}
					if !bytes.HasSuffix(signed, []byte(testMsg)) {
						t.Fatal("message changed by signing")
					}

					v := verify(t, signed)
					if v.Domain != "maddy.test" {
						t.Errorf("wrong d=: %s", v.Domain)
					}
				})
			}
		}
	}
}

func TestSignVerify_Composed(t *testing.T) {
	key := genKey(t, "ed25519")
	dir := t.TempDir()
	writeTestKey(t, dir, "maddy.test.key", key)
	serveRecords(t, map[string]string{"default._domainkey.maddy.test.": key.record})
	s := newTestSigner(t, dir)

	for name, fill := range map[string]func(m *message.Message){
		"quoted-printable": func(m *message.Message) {
			m.SetText("Voix ambiguë d'un cœur qui, au zéphyr, préfère les jattes de kiwis.\n")
		},
		"base64": func(m *message.Message) {
			m.SetBody("application/octet-stream", bytes.Repeat([]byte{0, 1, 2, 0xff}, 100))
		},
		"multipart": func(m *message.Message) {
			m.SetMultipart("mixed",
				message.NewTextPart("hello"),
				message.NewPart("application/octet-stream", []byte{0, 0, 0}),
			)
		},
	} {
		t.Run(name, func(t *testing.T) {
			model := message.New()
			model.Hostname = "maddy.test"
			model.SetHeader("From", "Sender <sender@maddy.test>")
			model.SetHeader("Subject", "composed")
			fill(model)

			m := dkimmsg.New(model, s)
			m.Log = testutils.Logger(t, "dkimmsg")

			signed, err := m.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			verify(t, signed)

			// Nothing changed, the second serialization is the same message.
			again, err := m.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(signed[bytes.Index(signed, []byte("\r\n\r\n")):], again[bytes.Index(again, []byte("\r\n\r\n")):]) {
				t.Fatal("body changed between serializations")
			}
			verify(t, again)
		})
	}
}

func TestSign_Suppressed(t *testing.T) {
	key := genKey(t, "ed25519")
	dir := t.TempDir()
	writeTestKey(t, dir, "maddy.test.key", key)
	serveRecords(t, map[string]string{"default._domainkey.maddy.test.": key.record})
	s := newTestSigner(t, dir, config.Node{Name: "sign_fields", Args: []string{"Bcc"}})

	model, err := message.Read(strings.NewReader("Bcc: <x@y>\r\n"+testMsg), nil)
	if err != nil {
		t.Fatal(err)
	}
	m := dkimmsg.New(model, s)
	m.Log = testutils.Logger(t, "dkimmsg")

	signed, err := m.Bytes("bcc")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(signed, []byte("Bcc:")) {
		t.Fatal("suppressed field was emitted")
	}

	// Signature covers Bcc that is not transmitted.
	v, _ := dkim.Verify(bytes.NewReader(signed))
	if len(v) != 1 || v[0].Err == nil {
		t.Fatal("signature should not verify without the signed Bcc field")
	}
}

func TestSign_KeySelection(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "maddy.test.key", genKey(t, "ed25519"))
	writeTestKey(t, dir, "ñaca.com.key", genKey(t, "ed25519"))

	s := newTestSigner(t, dir, config.Node{Name: "domains", Args: []string{"maddy.test", "ñaca.com"}})

	sign := func(hdr string) (string, error) {
		t.Helper()
		model, err := message.Read(strings.NewReader(hdr+"\r\nbody\r\n"), nil)
		if err != nil {
			t.Fatal(err)
		}
		m := dkimmsg.New(model, s)
		m.Log = testutils.Logger(t, "dkimmsg")
		out, err := m.Bytes()
		return string(out), err
	}

	out, err := sign("From: a@xn--aca-6ma.com\r\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "d=xn--aca-6ma.com") {
		t.Errorf("A-label domain expected in the signature:\n%s", out)
	}

	out, err = sign("From: a@ñaca.com\r\nSubject: тест\r\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "d=ñaca.com") {
		t.Errorf("U-label domain expected in the signature:\n%s", out)
	}

	// Null sender messages are signed using the first domain.
	out, err = sign("Subject: no from\r\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "d=maddy.test") {
		t.Errorf("first domain expected in the signature:\n%s", out)
	}

	out, err = sign("From: a@example.org\r\n")
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if out != "" || dkimmsg.Stage(err) != "sign" {
		t.Fatal("nothing should be written without a key")
	}

	_, err = sign("From: a@maddy.test, b@maddy.test\r\n")
	if !errors.Is(err, ErrMultipleFrom) {
		t.Fatalf("expected ErrMultipleFrom, got %v", err)
	}
}

func TestInit_Errors(t *testing.T) {
	dir := t.TempDir()

	s := New(nil, "default")
	s.log = testutils.Logger(t, "sign_dkim")
	if err := s.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("expected an error without domains")
	}

	s = New([]string{"maddy.test"}, "")
	s.log = testutils.Logger(t, "sign_dkim")
	if err := s.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("expected an error without selector")
	}

	s = New([]string{"maddy.test"}, "default")
	s.log = testutils.Logger(t, "sign_dkim")
	err := s.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "key_path", Args: []string{filepath.Join(dir, "missing.key")}},
	}}))
	if err == nil {
		t.Error("expected an error for a missing key")
	}
}

func TestFieldsToSign(t *testing.T) {
	h := textproto.Header{}
	h.Add("A", "1")
	h.Add("c", "2")
	h.Add("C", "3")
	h.Add("a", "4")
	h.Add("b", "5")
	h.Add("unrelated", "6")

	s := Signer{
		oversignHeader: []string{"A", "B", "a"},
		signHeader:     []string{"C"},
	}
	fields := s.fieldsToSign(&h)
	sort.Strings(fields)
	expected := []string{"A", "A", "A", "B", "B", "C", "C"}

	if !reflect.DeepEqual(fields, expected) {
		t.Errorf("incorrect set of fields to sign\nwant: %v\ngot:  %v", expected, fields)
	}
}
