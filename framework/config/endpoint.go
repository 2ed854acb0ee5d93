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
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Endpoint is a network address of a remote server in the form
// scheme://host:port.
//
// tcp:// is a plain connection (STARTTLS is negotiated when offered),
// tls:// uses implicit TLS.
type Endpoint struct {
	Original, Scheme, Host, Port string
}

func (e Endpoint) String() string {
	if e.Original != "" {
		return e.Original
	}
	return e.Scheme + "://" + e.Address()
}

func (e Endpoint) Network() string {
	return "tcp"
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func (e Endpoint) IsTLS() bool {
	return e.Scheme == "tls"
}

// ParseEndpoint parses "tcp://host:port", "tls://host:port" and the opaque
// "tcp:host:port" forms. The port is required.
func ParseEndpoint(str string) (Endpoint, error) {
	u, err := url.Parse(str)
	if err != nil {
		return Endpoint{}, err
	}

	switch u.Scheme {
	case "tcp", "tls":
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme: %s", str)
	}

	hostPort := u.Host
	if hostPort == "" && u.Opaque != "" {
		hostPort = u.Opaque
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("unexpected path in endpoint: %s", str)
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return Endpoint{}, fmt.Errorf("port is required: %s", str)
		}
		return Endpoint{}, err
	}
	if port == "" {
		return Endpoint{}, fmt.Errorf("port is required: %s", str)
	}

	return Endpoint{Original: str, Scheme: u.Scheme, Host: host, Port: port}, nil
}
