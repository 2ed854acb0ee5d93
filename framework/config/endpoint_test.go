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

package config

import (
	"reflect"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	for _, expected := range []Endpoint{
		{Original: "tcp://127.0.0.1:587", Scheme: "tcp", Host: "127.0.0.1", Port: "587"},
		{Original: "tcp://[::1]:587", Scheme: "tcp", Host: "::1", Port: "587"},
		{Original: "tcp:127.0.0.1:587", Scheme: "tcp", Host: "127.0.0.1", Port: "587"},
		{Original: "tls://mx.example.org:465", Scheme: "tls", Host: "mx.example.org", Port: "465"},
		{Original: "tls:mx.example.org:465", Scheme: "tls", Host: "mx.example.org", Port: "465"},
	} {
		actual, err := ParseEndpoint(expected.Original)
		if err != nil {
			t.Errorf("Unexpected failure for %s: %v", expected.Original, err)
			continue
		}
		if !reflect.DeepEqual(expected, actual) {
			t.Errorf("Didn't parse %q correctly\ngot %#v\nwant %#v", expected.Original, actual, expected)
			continue
		}
		if actual.String() != expected.Original {
			t.Errorf("actual.String() = %s, want %s", actual.String(), expected.Original)
		}
	}
}

func TestParseEndpoint_Invalid(t *testing.T) {
	for _, s := range []string{
		"unix:///run/smtp.sock",
		"tcp://127.0.0.1",
		"http://127.0.0.1:80",
		"tcp://127.0.0.1:25/path",
	} {
		if _, err := ParseEndpoint(s); err == nil {
			t.Errorf("Expected failure for %s", s)
		}
	}
}

func TestEndpoint_IsTLS(t *testing.T) {
	e := Endpoint{Scheme: "tls", Host: "::1", Port: "465"}
	if !e.IsTLS() {
		t.Error("tls:// endpoint should be TLS")
	}
	if e.String() != "tls://[::1]:465" {
		t.Errorf("String() = %s", e.String())
	}
}
