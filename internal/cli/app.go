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

package dkimcli

import (
	"flag"
	"fmt"
	"os"

	"github.com/foxcpp/dkimmsg/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "dkimmsg"
	app.Version = BuildInfo()
	app.Usage = "sign and submit messages with DKIM"
	app.Description = `dkimmsg prepends a DKIM-Signature to messages, keeping their body in a
7-bit safe form so that the signature survives relaying.

Signing keys, the submission server and the optional archive of sent
messages are configured in a configuration file (--config).
`
	app.Authors = []*cli.Author{
		{
			Name: "dkimmsg contributors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		generator("generate-man", func() (string, error) { return app.ToMan() }),
		generator("generate-fish-completion", func() (string, error) { return app.ToFishCompletion() }),
	}
}

// generator returns a hidden command printing the output of gen, used when
// packaging.
func generator(name string, gen func() (string, error)) *cli.Command {
	return &cli.Command{
		Name:   name,
		Hidden: true,
		Action: func(c *cli.Context) error {
			out, err := gen()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, out)
			return nil
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// Subcommands are registered by internal/cli/ctl.
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
