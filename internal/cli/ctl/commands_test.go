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

package ctl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/dkimmsg/framework/buffer"
	"github.com/foxcpp/dkimmsg/framework/dkimmsg"
	"github.com/foxcpp/dkimmsg/framework/exterrors"
	dkimsigner "github.com/foxcpp/dkimmsg/internal/signer/dkim"
	"github.com/foxcpp/dkimmsg/internal/testutils"
	"github.com/foxcpp/go-mockdns"
)

const testMsg = "From: Sender <sender@example.org>\r\n" +
	"To: <rcpt@example.invalid>\r\n" +
	"Bcc: <hidden@example.invalid>\r\n" +
	"Subject: Test\r\n" +
	"Date: Mon, 19 Oct 2026 10:00:00 +0000\r\n" +
	"Message-Id: <test@example.org>\r\n" +
	"\r\n" +
	"Hello!\r\n"

func signerConfig(dir string) string {
	return "log off\n" +
		"sign_dkim example.org default {\n" +
		"    key_path " + dir + "/{domain}.key\n" +
		"}\n"
}

func serveKey(t *testing.T, record string) {
	t.Helper()

	srv, err := mockdns.NewServer(map[string]mockdns.Zone{
		"default._domainkey.example.org.": {TXT: []string{record}},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	srv.PatchNet(net.DefaultResolver)
	t.Cleanup(func() {
		mockdns.UnpatchNet(net.DefaultResolver)
		srv.Close()
	})
}

func verifySigned(t *testing.T, signed []byte) {
	t.Helper()

	verifs, err := dkim.Verify(bytes.NewReader(signed))
	if err != nil {
		t.Fatal(err)
	}
	if len(verifs) != 1 {
		t.Fatalf("expected exactly one signature, got %d", len(verifs))
	}
	if verifs[0].Err != nil {
		t.Fatal("verification failed:", verifs[0].Err)
	}
	if verifs[0].Domain != "example.org" {
		t.Error("wrong signing domain:", verifs[0].Domain)
	}
}

func TestSignStream(t *testing.T) {
	dir := t.TempDir()
	serveKey(t, writeKey(t, dir))
	cfg := testConfig(t, signerConfig(dir))

	var out bytes.Buffer
	if err := signStream(cfg, strings.NewReader(testMsg), &out, nil); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(out.String(), "DKIM-Signature: ") {
		t.Fatalf("signature is not the first field:\n%s", out.String())
	}
	if !strings.HasSuffix(out.String(), testMsg) {
		t.Errorf("message is changed by signing:\n%s", out.String())
	}
	verifySigned(t, out.Bytes())
}

func TestSignStream_Suppress(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir)
	cfg := testConfig(t, "suppress_fields bcc\n"+signerConfig(dir))

	var out bytes.Buffer
	if err := signStream(cfg, strings.NewReader(testMsg), &out, append(cfg.Suppress, "Message-ID")); err != nil {
		t.Fatal(err)
	}

	if strings.Contains(out.String(), "\r\nBcc: ") || strings.Contains(out.String(), "\r\nMessage-Id: ") {
		t.Errorf("suppressed fields are written:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "\r\nSubject: Test\r\n") {
		t.Errorf("other fields are missing:\n%s", out.String())
	}
	// Suppressed fields are still signed.
	sigField, _, _ := strings.Cut(out.String(), "\r\nFrom: ")
	if !strings.Contains(strings.ToLower(sigField), "message-id") {
		t.Errorf("Message-Id is not signed:\n%s", out.String())
	}
}

func TestSignStream_NoKey(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir)
	cfg := testConfig(t, signerConfig(dir))

	msg := strings.Replace(testMsg, "sender@example.org", "sender@example.com", 1)
	var out bytes.Buffer
	err := signStream(cfg, strings.NewReader(msg), &out, nil)
	if !errors.Is(err, dkimsigner.ErrNoKey) {
		t.Fatal("unexpected error:", err)
	}
	if dkimmsg.Stage(err) != "sign" {
		t.Error("wrong stage:", dkimmsg.Stage(err))
	}
	if out.Len() != 0 {
		t.Errorf("output is written on failure:\n%s", out.String())
	}
}

func checkEmptyDir(t *testing.T, dir string) {
	t.Helper()
	left, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("files left in %s: %v", dir, left)
	}
}

func TestSignStream_RemovesBody(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir)
	bufDir := t.TempDir()

	for _, mode := range []string{"fs " + bufDir, "auto 1B " + bufDir} {
		cfg := testConfig(t, "buffer "+mode+"\n"+signerConfig(dir))

		var out bytes.Buffer
		if err := signStream(cfg, strings.NewReader(testMsg), &out, nil); err != nil {
			t.Fatal(err)
		}
		checkEmptyDir(t, bufDir)

		// Also removed when signing fails.
		msg := strings.Replace(testMsg, "sender@example.org", "sender@example.com", 1)
		if err := signStream(cfg, strings.NewReader(msg), &out, nil); err == nil {
			t.Fatal("expected an error")
		}
		checkEmptyDir(t, bufDir)
	}
}

func sendConfig(t *testing.T, dir, addr string, extra string) *Config {
	t.Helper()
	return testConfig(t, signerConfig(dir)+
		"submission tcp://"+addr+" {\n"+
		"    starttls no\n"+
		extra+
		"}\n"+
		"archive fs "+filepath.Join(dir, "sent")+"\n")
}

func TestSend(t *testing.T) {
	dir := t.TempDir()
	serveKey(t, writeKey(t, dir))

	var srv *smtp.Server
	be, addr := testutils.SMTPServer(t, func(s *smtp.Server) { srv = s })
	be.Username = "user"
	be.Password = "secret"
	cfg := sendConfig(t, dir, addr, "    username user\n    password secret\n")

	key, err := send(context.Background(), cfg, strings.NewReader(testMsg), "sender@example.org", []string{"rcpt@example.invalid"})
	if err != nil {
		t.Fatal(err)
	}

	msgs := be.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].From != "sender@example.org" || msgs[0].AuthUser != "user" {
		t.Errorf("wrong envelope: %+v", msgs[0])
	}
	verifySigned(t, msgs[0].Data)
	testutils.CheckSMTPConnLeak(t, srv)

	if key == "" {
		t.Fatal("no archive key returned")
	}
	r, err := cfg.Archive.Open(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	copied, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(copied, []byte("DKIM-Signature: ")) || !bytes.HasSuffix(copied, []byte(testMsg)) {
		t.Errorf("wrong archived copy:\n%s", copied)
	}
}

func TestSend_RemovesBody(t *testing.T) {
	dir := t.TempDir()
	serveKey(t, writeKey(t, dir))
	bufDir := t.TempDir()

	_, addr := testutils.SMTPServer(t)
	cfg := sendConfig(t, dir, addr, "")
	cfg.Buffer = buffer.InDir(bufDir)

	if _, err := send(context.Background(), cfg, strings.NewReader(testMsg), "sender@example.org", []string{"rcpt@example.invalid"}); err != nil {
		t.Fatal(err)
	}
	checkEmptyDir(t, bufDir)
}

func TestSend_TemporaryFailure(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir)

	be, addr := testutils.SMTPServer(t)
	be.MailErr = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Try again later",
	}
	cfg := sendConfig(t, dir, addr, "")

	_, err := send(context.Background(), cfg, strings.NewReader(testMsg), "sender@example.org", []string{"rcpt@example.invalid"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporary(err) {
		t.Error("failure is not temporary:", err)
	}

	archived, err := os.ReadDir(filepath.Join(dir, "sent"))
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 0 {
		t.Error("message is archived after a failed submission")
	}
}

func TestSend_NoSubmission(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir)
	cfg := testConfig(t, signerConfig(dir))

	_, err := send(context.Background(), cfg, strings.NewReader(testMsg), "sender@example.org", []string{"rcpt@example.invalid"})
	if !errors.Is(err, errNoSubmission) {
		t.Fatal("unexpected error:", err)
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir)
	cfg := testConfig(t, signerConfig(dir))

	var signed bytes.Buffer
	if err := signStream(cfg, strings.NewReader(testMsg), &signed, nil); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := inspect(&signed, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"  Subject: Test\n",
		"DKIM-Signature #1:\n",
		"  domain: example.org\n",
		"  selector: default\n",
		"  algorithm: ed25519-sha256\n",
		"  canonicalization: relaxed/relaxed\n",
		"  key record: default._domainkey.example.org.\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("%q is missing from the output:\n%s", want, out.String())
		}
	}
}

func TestInspect_Unsigned(t *testing.T) {
	var out bytes.Buffer
	if err := inspect(strings.NewReader(testMsg), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out.String(), "No DKIM signatures.\n") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestParseTags(t *testing.T) {
	tags, err := parseTags("v=1; a=rsa-sha256; d=example.org;\r\n s=sel; h=from:to;\r\n b=abc\r\n def;")
	if err != nil {
		t.Fatal(err)
	}
	if tags["d"] != "example.org" || tags["s"] != "sel" || tags["b"] != "abcdef" || tags["h"] != "from:to" {
		t.Errorf("wrong tags: %v", tags)
	}

	for _, bad := range []string{
		"v=1; d=example.org; s=sel",
		"d=example.org; s=sel; b=abc; d=example.com",
		"d=example.org; s; b=abc",
	} {
		if _, err := parseTags(bad); err == nil {
			t.Errorf("no error for %q", bad)
		}
	}
}
