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

// Package smtpconn submits signed messages over SMTP.
//
// It wraps go-smtp.Client adding:
// - Logging of certain errors (e.g. QUIT command errors) and of the
// protocol exchange in debug mode.
// - Wrapping of returned errors using the exterrors package, network
// errors and 4xx replies are marked temporary.
// - SMTPUTF8/IDNA support.
// - Implicit TLS and STARTTLS.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/dkimmsg/framework/address"
	"github.com/foxcpp/dkimmsg/framework/config"
	"github.com/foxcpp/dkimmsg/framework/exterrors"
	"github.com/foxcpp/dkimmsg/framework/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// The C object represents one SMTP session. It cannot be reused after
// Close.
type C struct {
	// Dialer to use to establish new network connections. Set to net.Dialer
	// DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA, STARTTLS).
	// Set to 5 mins by New.
	CommandTimeout time.Duration

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Timeout for the final dot. Set to 12 mins by New.
	SubmissionTimeout time.Duration

	// Hostname to send in the EHLO/HELO command. Set to
	// 'localhost.localdomain' by New. Expected to be encoded in ACE form.
	Hostname string

	// Logger to use for debug log and certain errors.
	Log log.Logger

	serverName string
	cl         *smtp.Client
	rcpts      []string
}

func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		Hostname:          "localhost.localdomain",
		Log:               log.Logger{Name: "smtpconn"},
	}
}

// TLSError is returned by Connect if STARTTLS fails.
//
// With Implicit TLS, handshake errors are connection errors and are not
// returned as TLSError.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

func (c *C) wrapClientErr(err error) error {
	if err == nil {
		return nil
	}

	var (
		smtpErr *smtp.SMTPError
		opErr   *net.OpError
	)
	switch {
	case errors.As(err, &smtpErr):
		return exterrors.WithTemporary(exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
			"smtp_code":     smtpErr.Code,
			"smtp_enchcode": fmt.Sprintf("%d.%d.%d", smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2]),
			"smtp_msg":      smtpErr.Message,
		}), smtpErr.Code/100 == 4)
	case errors.As(err, &opErr):
		return exterrors.WithTemporary(exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
			"io_op":         opErr.Op,
		}), true)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return exterrors.WithTemporary(exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
		}), true)
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
		})
	}
}

// Connect establishes the network connection with the remote host,
// executes EHLO and optionally STARTTLS.
//
// tlsConfig may be nil. ServerName is set to the endpoint host if empty.
func (c *C) Connect(ctx context.Context, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	c.serverName = endp.Host
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConfig = tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = endp.Host
	}

	didTLS, cl, err := c.attemptConnect(ctx, endp, starttls, tlsConfig)
	if err != nil {
		var tlsErr TLSError
		if errors.As(err, &tlsErr) {
			return false, err
		}
		return false, c.wrapClientErr(err)
	}

	c.cl = cl
	c.Log.DebugMsg("connected", "remote_server", c.serverName, "tls", didTLS)
	return didTLS, nil
}

func (c *C) attemptConnect(ctx context.Context, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, cl *smtp.Client, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, endp.Network(), endp.Address())
	cancel()
	if err != nil {
		return false, nil, err
	}

	if endp.IsTLS() {
		conn = tls.Client(conn, tlsConfig)
	}

	// This uses initial greeting timeout of 5 minutes (hardcoded).
	cl, err = smtp.NewClient(conn, endp.Host)
	if err != nil {
		conn.Close()
		return false, nil, err
	}

	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout
	if c.Log.Debug {
		cl.DebugWriter = &zapio.Writer{Log: c.Log.Zap().Named("wire"), Level: zap.DebugLevel}
	}

	// i18n: hostname is already expected to be in A-labels form.
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return false, nil, err
	}

	if endp.IsTLS() || !starttls {
		return endp.IsTLS(), cl, nil
	}

	if ok, _ := cl.Extension("STARTTLS"); !ok {
		return false, cl, nil
	}

	if err := cl.StartTLS(tlsConfig); err != nil {
		// The connection may be in a bad state after a handshake
		// failure, but the error may as well come after it (e.g.
		// certificate verification). Try QUIT anyway.
		if err := cl.Quit(); err != nil {
			cl.Close()
		}

		return false, nil, TLSError{err}
	}

	return true, cl, nil
}

// Auth authenticates using SASL PLAIN.
func (c *C) Auth(ctx context.Context, username, password string) error {
	if ok, _ := c.cl.Extension("AUTH"); !ok {
		return exterrors.WithFields(errors.New("smtpconn: server does not support AUTH"), map[string]interface{}{
			"remote_server": c.serverName,
		})
	}

	if err := c.cl.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return c.wrapClientErr(err)
	}

	c.Log.DebugMsg("authenticated", "remote_server", c.serverName, "username", username)
	return nil
}

// Mail sends the MAIL FROM command.
//
// SMTPUTF8 is used if supported by the remote server, otherwise the
// address is converted to the ASCII form. If this is not possible, Mail
// fails.
func (c *C) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	outOpts := smtp.MailOptions{
		Size:       opts.Size,
		RequireTLS: opts.RequireTLS,
	}

	if from != "" && !address.Valid(from) {
		return fmt.Errorf("smtpconn: invalid sender address: %q", from)
	}

	if from != "" && (opts.UTF8 || !address.IsASCII(from)) {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			outOpts.UTF8 = true
		} else {
			var err error
			from, err = address.ToASCII(from)
			if err != nil {
				return exterrors.WithFields(fmt.Errorf("smtpconn: SMTPUTF8 is unsupported, cannot convert sender address: %w", err), map[string]interface{}{
					"remote_server": c.serverName,
				})
			}
		}
	}

	if err := c.cl.Mail(from, &outOpts); err != nil {
		return c.wrapClientErr(err)
	}
	return nil
}

// Rcpts returns the list of recipients that were accepted by the remote
// server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

func (c *C) Client() *smtp.Client {
	return c.cl
}

// Rcpt sends the RCPT TO command.
//
// If the address is non-ASCII and the remote server does not support
// SMTPUTF8, it is converted to the ASCII form or an error is returned.
func (c *C) Rcpt(ctx context.Context, to string) error {
	if !address.Valid(to) {
		return fmt.Errorf("smtpconn: invalid recipient address: %q", to)
	}

	if ok, _ := c.cl.Extension("SMTPUTF8"); !address.IsASCII(to) && !ok {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return exterrors.WithFields(fmt.Errorf("smtpconn: SMTPUTF8 is unsupported, cannot convert recipient address: %w", err), map[string]interface{}{
				"remote_server": c.serverName,
			})
		}
	}

	if err := c.cl.Rcpt(to); err != nil {
		return c.wrapClientErr(err)
	}

	c.rcpts = append(c.rcpts, to)
	return nil
}

// Data sends the DATA command and streams msg into it.
//
// msg is serialized directly into the connection. If Data fails, the
// connection may be in the middle of the message data, it is not safe to
// continue using it.
func (c *C) Data(ctx context.Context, msg io.WriterTo) error {
	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err)
	}

	if _, err := msg.WriteTo(wc); err != nil {
		return c.wrapClientErr(err)
	}

	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err)
	}

	return nil
}

// Close sends the QUIT command, if it fails the connection is closed
// directly.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}

	err := c.cl.Quit()
	if err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err))
		err = c.cl.Close()
	}

	c.cl = nil
	c.serverName = ""
	return err
}

// DirectClose closes the underlying connection without sending the QUIT
// command.
func (c *C) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	err := c.cl.Close()
	c.cl = nil
	c.serverName = ""
	return err
}
