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
	"crypto/tls"
	"crypto/x509"
	"os"
)

var tlsVersions = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// TLSClientBlock maps a block configuring outbound TLS connections:
//
//	tls_client {
//	    root_ca /etc/ssl/ca.pem
//	    cert /etc/dkimmsg/client.crt
//	    key /etc/dkimmsg/client.key
//	    min_version tls1.2
//	    insecure_skip_verify no
//	}
//
// The result is a *tls.Config.
func TLSClientBlock(_ *Map, node Node) (interface{}, error) {
	cfg := &tls.Config{}

	var (
		rootCAPaths       []string
		certPath, keyPath string
		minVersion        string
	)
	m := NewMap(nil, node)
	m.StringList("root_ca", false, false, nil, &rootCAPaths)
	m.String("cert", false, false, "", &certPath)
	m.String("key", false, false, "", &keyPath)
	m.Enum("min_version", false, false, []string{"tls1.0", "tls1.1", "tls1.2", "tls1.3"}, "tls1.2", &minVersion)
	m.Bool("insecure_skip_verify", false, false, &cfg.InsecureSkipVerify)
	if _, err := m.Process(); err != nil {
		return nil, err
	}

	if len(rootCAPaths) != 0 {
		pool := x509.NewCertPool()
		for _, path := range rootCAPaths {
			blob, err := os.ReadFile(path)
			if err != nil {
				return nil, NodeErr(node, "%v", err)
			}
			if !pool.AppendCertsFromPEM(blob) {
				return nil, NodeErr(node, "no certificates loaded from %s", path)
			}
		}
		cfg.RootCAs = pool
	}

	if (certPath == "") != (keyPath == "") {
		return nil, NodeErr(node, "both cert and key should be specified")
	}
	if certPath != "" {
		keypair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		cfg.Certificates = []tls.Certificate{keypair}
	}

	cfg.MinVersion = tlsVersions[minVersion]
	return cfg, nil
}
