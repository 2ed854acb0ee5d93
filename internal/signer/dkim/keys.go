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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// loadKey reads a PEM-encoded RSA or Ed25519 private key.
func loadKey(keyPath string) (crypto.Signer, error) {
	pemBlob, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("sign_dkim: %w", err)
	}

	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, fmt.Errorf("sign_dkim: %s: invalid PEM block", keyPath)
	}

	var key interface{}
	switch block.Type {
	case "PRIVATE KEY": // RFC 5208 aka PKCS #8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // RFC 3447 aka PKCS #1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY": // RFC 5915
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("sign_dkim: %s: not a private key or unsupported format", keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("sign_dkim: %s: %w", keyPath, err)
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("sign_dkim: %s: %w", keyPath, err)
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return nil, fmt.Errorf("sign_dkim: %s: ECDSA keys are not supported", keyPath)
	default:
		return nil, fmt.Errorf("sign_dkim: %s: unknown key type: %T", keyPath, key)
	}
}
