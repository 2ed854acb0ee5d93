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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/foxcpp/dkimmsg/framework/dkimmsg"
	"github.com/foxcpp/dkimmsg/framework/message"
	dkimcli "github.com/foxcpp/dkimmsg/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	dkimcli.AddSubcommand(
		&cli.Command{
			Name:  "sign",
			Usage: "Sign a message and write it out",
			Description: `Read a message, prepend a DKIM-Signature using the key configured for
the domain of its From field and write the result.

Fields listed in suppress_fields and --suppress are signed but left out
of the output.`,
			Action: signCommand,
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "in",
					Aliases: []string{"i"},
					Usage:   "Read the message from `FILE` instead of stdin",
				},
				&cli.PathFlag{
					Name:    "out",
					Aliases: []string{"o"},
					Usage:   "Write the signed message to `FILE` instead of stdout",
				},
				&cli.StringSliceFlag{
					Name:  "suppress",
					Usage: "Do not output the `FIELD`, can be repeated",
				},
			},
		})
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func signCommand(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	in, err := openInput(ctx.Path("in"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	defer in.Close()

	out := io.Writer(os.Stdout)
	if path := ctx.Path("out"); path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
		}
		defer f.Close()
		out = f
	}

	suppress := append(cfg.Suppress, ctx.StringSlice("suppress")...)
	return signStream(cfg, in, out, suppress)
}

// readSignable parses the message in r and wraps it for signing with the
// configured key. The caller should release the body buffer with
// removeBody.
func readSignable(cfg *Config, r io.Reader) (*dkimmsg.Message, error) {
	model, err := message.Read(r, cfg.Buffer)
	if err != nil {
		return nil, err
	}
	model.Hostname = cfg.Hostname

	msg := dkimmsg.New(model, cfg.Signer)
	msg.Log = cfg.Log.Sublogger("dkimmsg")
	return msg, nil
}

func removeBody(cfg *Config, msg *dkimmsg.Message) {
	if err := msg.Remove(); err != nil {
		cfg.Log.Error("failed to remove body buffer", err)
	}
}

func signStream(cfg *Config, in io.Reader, out io.Writer, suppress []string) error {
	msg, err := readSignable(cfg, in)
	if err != nil {
		return err
	}
	defer removeBody(cfg, msg)

	// Nothing is written to out if signing fails. Serialize flushes bw
	// itself.
	bw := bufio.NewWriter(out)
	return msg.Serialize(bw, suppress...)
}
