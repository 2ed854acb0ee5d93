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
	"fmt"
	"io"
	"strings"

	"github.com/foxcpp/dkimmsg/framework/dns"
	"github.com/foxcpp/dkimmsg/framework/message"
	dkimcli "github.com/foxcpp/dkimmsg/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	dkimcli.AddSubcommand(
		&cli.Command{
			Name:  "inspect",
			Usage: "Show the header and the DKIM signatures of a message",
			Description: `Print the header fields of a message in order followed by a summary of
each DKIM-Signature field. Signatures are not verified.

No configuration file is needed.`,
			Action: inspectCommand,
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "in",
					Aliases: []string{"i"},
					Usage:   "Read the message from `FILE` instead of stdin",
				},
			},
		})
}

func inspectCommand(ctx *cli.Context) error {
	in, err := openInput(ctx.Path("in"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	defer in.Close()

	return inspect(in, ctx.App.Writer)
}

func inspect(r io.Reader, w io.Writer) error {
	msg, err := message.Read(r, nil)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Header fields:")
	for _, line := range msg.HeaderLines() {
		fmt.Fprintln(w, "  "+strings.ReplaceAll(line, "\r\n", "\n  "))
	}

	hdr := msg.Header()
	sigs := hdr.Values("DKIM-Signature")
	if len(sigs) == 0 {
		fmt.Fprintln(w, "No DKIM signatures.")
		return nil
	}

	for i, sig := range sigs {
		fmt.Fprintf(w, "DKIM-Signature #%d:\n", i+1)
		tags, err := parseTags(sig)
		if err != nil {
			fmt.Fprintf(w, "  malformed: %v\n", err)
			continue
		}

		fmt.Fprintln(w, "  domain:", tags["d"])
		fmt.Fprintln(w, "  selector:", tags["s"])
		fmt.Fprintln(w, "  algorithm:", tags["a"])
		if c := tags["c"]; c != "" {
			fmt.Fprintln(w, "  canonicalization:", c)
		} else {
			fmt.Fprintln(w, "  canonicalization: simple/simple")
		}
		fmt.Fprintln(w, "  signed fields:", strings.Join(strings.Split(tags["h"], ":"), ", "))
		if rec, err := dns.KeyRecordName(tags["s"], tags["d"]); err == nil {
			fmt.Fprintln(w, "  key record:", rec)
		}
	}
	return nil
}

// parseTags splits a DKIM tag-value list. Whitespace is removed from
// values, which is correct for all tags dkim-signature uses.
func parseTags(s string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, spec := range strings.Split(s, ";") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		name, value, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("missing '=' in tag: %q", spec)
		}
		name = strings.TrimSpace(name)
		if _, dup := tags[name]; dup {
			return nil, fmt.Errorf("duplicate tag: %s", name)
		}
		tags[name] = strings.Join(strings.Fields(value), "")
	}
	for _, required := range []string{"d", "s", "b"} {
		if _, ok := tags[required]; !ok {
			return nil, fmt.Errorf("missing required tag: %s", required)
		}
	}
	return tags, nil
}
