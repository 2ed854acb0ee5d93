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
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/dkimmsg/framework/address"
	"github.com/foxcpp/dkimmsg/framework/dkimmsg"
	"github.com/foxcpp/dkimmsg/framework/exterrors"
	"github.com/foxcpp/dkimmsg/internal/archive"
	dkimcli "github.com/foxcpp/dkimmsg/internal/cli"
	"github.com/foxcpp/dkimmsg/internal/smtpconn"
	"github.com/urfave/cli/v2"
)

func init() {
	dkimcli.AddSubcommand(
		&cli.Command{
			Name:  "send",
			Usage: "Sign a message and submit it to the configured server",
			Description: `Read a message, sign it and submit it over SMTP to the server set by
the submission directive. A copy of the submitted message is stored in
the archive if one is configured.

Exit status is 75 (EX_TEMPFAIL) if the failure is temporary and sending
can be retried later.`,
			Action: sendCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "from",
					Aliases:  []string{"f"},
					Usage:    "Envelope sender `ADDRESS`, empty for the null sender",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:     "to",
					Aliases:  []string{"t"},
					Usage:    "Recipient `ADDRESS`, can be repeated",
					Required: true,
				},
				&cli.PathFlag{
					Name:    "in",
					Aliases: []string{"i"},
					Usage:   "Read the message from `FILE` instead of stdin",
				},
			},
		})
}

func sendCommand(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	in, err := openInput(ctx.Path("in"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	defer in.Close()

	key, err := send(ctx.Context, cfg, in, ctx.String("from"), ctx.StringSlice("to"))
	if err != nil {
		cfg.Log.Error("send failed", err)
		if exterrors.IsTemporary(err) {
			return cli.Exit("", 75)
		}
		return cli.Exit("", 1)
	}
	if key != "" {
		fmt.Fprintln(ctx.App.Writer, key)
	}
	return nil
}

// send signs the message read from r and submits it. If an archive is
// configured, the submitted message is stored there and its key returned.
func send(ctx context.Context, cfg *Config, r io.Reader, from string, to []string) (string, error) {
	if cfg.Submission == nil {
		return "", errNoSubmission
	}

	msg, err := readSignable(cfg, r)
	if err != nil {
		return "", err
	}
	defer removeBody(cfg, msg)

	if err := submit(ctx, cfg, msg, from, to); err != nil {
		return "", err
	}

	if cfg.Archive == nil {
		return "", nil
	}
	// Saving serializes the message again, the copy gets its own signature.
	key, err := archive.Save(ctx, cfg.Archive, msg)
	if err != nil {
		return "", fmt.Errorf("message submitted but not archived: %w", err)
	}
	cfg.Log.DebugMsg("archived", "key", key)
	return key, nil
}

func submit(ctx context.Context, cfg *Config, msg *dkimmsg.Message, from string, to []string) error {
	sub := cfg.Submission

	conn := smtpconn.New()
	conn.Hostname = cfg.Hostname
	conn.Log = cfg.Log.Sublogger("smtp")
	conn.ConnectTimeout = sub.ConnectTimeout
	conn.CommandTimeout = sub.CommandTimeout
	conn.SubmissionTimeout = sub.SubmissionTimeout

	didTLS, err := conn.Connect(ctx, sub.Endpoint, sub.StartTLS, sub.TLSConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	if sub.Username != "" {
		if !didTLS {
			cfg.Log.Msg("authenticating over a plaintext connection", "remote_server", sub.Endpoint.Host)
		}
		if err := conn.Auth(ctx, sub.Username, sub.Password); err != nil {
			return err
		}
	}

	opts := smtp.MailOptions{UTF8: !address.IsASCII(from)}
	for _, rcpt := range to {
		if !address.IsASCII(rcpt) {
			opts.UTF8 = true
		}
	}

	if err := conn.Mail(ctx, from, opts); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			return err
		}
	}
	if err := conn.Data(ctx, msg); err != nil {
		return err
	}

	cfg.Log.Msg("submitted", "remote_server", conn.ServerName(), "rcpts", conn.Rcpts())
	return nil
}
