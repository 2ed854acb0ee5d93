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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/dkimmsg/framework/buffer"
	parser "github.com/foxcpp/dkimmsg/framework/cfgparser"
	"github.com/foxcpp/dkimmsg/framework/config"
	"github.com/foxcpp/dkimmsg/framework/log"
	"github.com/foxcpp/dkimmsg/internal/archive"
	"github.com/foxcpp/dkimmsg/internal/archive/fs"
	"github.com/foxcpp/dkimmsg/internal/archive/s3"
	dkimcli "github.com/foxcpp/dkimmsg/internal/cli"
	"github.com/foxcpp/dkimmsg/internal/signer/dkim"
	"github.com/urfave/cli/v2"
)

const defaultConfigPath = "dkimmsg.conf"

func init() {
	dkimcli.AddGlobalFlag(&cli.PathFlag{
		Name:    "config",
		Usage:   "Configuration file to use",
		EnvVars: []string{"DKIMMSG_CONFIG"},
		Value:   defaultConfigPath,
	})
	dkimcli.AddGlobalFlag(&cli.BoolFlag{
		Name:    "debug",
		Usage:   "Enable debug logging early",
		EnvVars: []string{"DKIMMSG_DEBUG"},
	})
}

// Config is the parsed configuration file.
type Config struct {
	Log log.Logger

	Hostname string
	Suppress []string
	Buffer   buffer.Func

	Signer     *dkim.Signer
	Submission *Submission
	Archive    archive.Store
}

// Submission describes the server messages are sent to.
type Submission struct {
	Endpoint           config.Endpoint
	Username, Password string
	StartTLS           bool
	TLSConfig          *tls.Config

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration
}

func loadConfig(ctx *cli.Context) (*Config, error) {
	cfgPath := ctx.Path("config")
	if cfgPath == "" {
		return nil, cli.Exit("Error: config is required", 2)
	}
	absCfg, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to resolve path to config: %v", err), 2)
	}
	cfgFile, err := os.Open(absCfg)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to open config: %v", err), 2)
	}
	defer cfgFile.Close()

	cfg, err := readConfig(cfgFile, absCfg, ctx.Bool("debug"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	log.DefaultLogger.Out = cfg.Log.Out
	log.DefaultLogger.Debug = cfg.Log.Debug
	return cfg, nil
}

// readGlobals processes the top-level directives that apply to all blocks
// and returns the rest.
func readGlobals(nodes []config.Node, location string, debug bool) (map[string]interface{}, []config.Node, error) {
	var (
		hostname string
		cfgDebug bool
		out      log.Output
	)

	cfg := config.NewMap(nil, config.Node{Children: nodes, File: location})
	cfg.AllowUnknown()
	cfg.Bool("debug", false, false, &cfgDebug)
	cfg.String("hostname", false, false, "", &hostname)
	cfg.Custom("log", false, false, defaultLogOutput, logOutput, &out)
	rest, err := cfg.Process()
	if err != nil {
		return nil, nil, err
	}

	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil || hostname == "" {
			hostname = "localhost.localdomain"
		}
	}

	return map[string]interface{}{
		"debug":    debug || cfgDebug,
		"hostname": hostname,
		"log":      out,
	}, rest, nil
}

func readConfig(r io.Reader, location string, debug bool) (*Config, error) {
	nodes, err := parser.Read(r, location)
	if err != nil {
		return nil, err
	}

	globals, rest, err := readGlobals(nodes, location, debug)
	if err != nil {
		return nil, err
	}

	out, _ := globals["log"].(log.Output)
	cfg := &Config{
		Log: log.Logger{
			Out:   out,
			Name:  "dkimmsg",
			Debug: globals["debug"].(bool),
		},
		Hostname: globals["hostname"].(string),
	}

	m := config.NewMap(globals, config.Node{Children: rest, File: location})
	m.StringList("suppress_fields", false, false, nil, &cfg.Suppress)
	m.Custom("buffer", false, false, defaultBuffer, bufferDirective, &cfg.Buffer)
	m.Custom("sign_dkim", false, true, nil, signerDirective, &cfg.Signer)
	m.Custom("submission", false, false, nil, submissionDirective, &cfg.Submission)
	m.Custom("archive", false, false, nil, archiveDirective, &cfg.Archive)
	if _, err := m.Process(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultLogOutput() (interface{}, error) {
	return log.WriterOutput(os.Stderr, false), nil
}

func logOutput(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if node.Children != nil {
		return nil, config.NodeErr(node, "can't declare block here")
	}

	outs := make([]log.Output, 0, len(node.Args))
	for _, arg := range node.Args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "off":
			if len(node.Args) != 1 {
				return nil, config.NodeErr(node, "'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := log.FileOutput(arg, true)
			if err != nil {
				return nil, config.NodeErr(node, "%v", err)
			}
			outs = append(outs, w)
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func defaultBuffer() (interface{}, error) {
	return buffer.Func(buffer.BufferInMemory), nil
}

func bufferDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) < 1 {
		return nil, config.NodeErr(node, "at least one argument required")
	}
	switch node.Args[0] {
	case "ram":
		if len(node.Args) > 1 {
			return nil, config.NodeErr(node, "no additional arguments for 'ram' mode")
		}
		return buffer.Func(buffer.BufferInMemory), nil
	case "fs":
		path := os.TempDir()
		switch len(node.Args) {
		case 2:
			path = node.Args[1]
			fallthrough
		case 1:
			return buffer.InDir(path), nil
		default:
			return nil, config.NodeErr(node, "too many arguments for 'fs' mode")
		}
	case "auto":
		path := os.TempDir()
		maxSize := 1 * 1024 * 1024 // 1 MiB
		switch len(node.Args) {
		case 3:
			path = node.Args[2]
			fallthrough
		case 2:
			var err error
			maxSize, err = config.ParseDataSize(node.Args[1])
			if err != nil {
				return nil, config.NodeErr(node, "%v", err)
			}
			fallthrough
		case 1:
			return buffer.Auto(maxSize, path), nil
		default:
			return nil, config.NodeErr(node, "too many arguments for 'auto' mode")
		}
	default:
		return nil, config.NodeErr(node, "unknown buffer mode: %v", node.Args[0])
	}
}

// signerDirective maps
//
//	sign_dkim domain1 domain2 selector { ... }
//
// The domains and the selector can also be given inside the block.
func signerDirective(m *config.Map, node config.Node) (interface{}, error) {
	var (
		domains  []string
		selector string
	)
	switch len(node.Args) {
	case 0:
	case 1:
		return nil, config.NodeErr(node, "both domains and selector are needed")
	default:
		domains = node.Args[:len(node.Args)-1]
		selector = node.Args[len(node.Args)-1]
	}

	s := dkim.New(domains, selector)
	if err := s.Init(config.NewMap(m.Globals, node)); err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	return s, nil
}

// submissionDirective maps
//
//	submission tcp://smtp.example.org:587 {
//	    username user
//	    password secret
//	    starttls yes
//	    tls { ... }
//	}
func submissionDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) != 1 {
		return nil, config.NodeErr(node, "expected exactly one endpoint")
	}
	endp, err := config.ParseEndpoint(node.Args[0])
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}

	sub := &Submission{Endpoint: endp}
	var tlsConfig *tls.Config
	cfg := config.NewMap(m.Globals, node)
	cfg.String("username", false, false, "", &sub.Username)
	cfg.String("password", false, false, "", &sub.Password)
	cfg.Bool("starttls", false, true, &sub.StartTLS)
	cfg.Custom("tls", false, false, nil, config.TLSClientBlock, &tlsConfig)
	cfg.Duration("connect_timeout", false, false, 5*time.Minute, &sub.ConnectTimeout)
	cfg.Duration("command_timeout", false, false, 5*time.Minute, &sub.CommandTimeout)
	cfg.Duration("submission_timeout", false, false, 12*time.Minute, &sub.SubmissionTimeout)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}

	if sub.Username != "" && sub.Password == "" {
		return nil, config.NodeErr(node, "password is required if username is set")
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	sub.TLSConfig = tlsConfig
	return sub, nil
}

// archiveDirective maps 'archive fs DIR', 'archive fs { root DIR }' and
// 'archive s3 { ... }'.
func archiveDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "archive type is required")
	}

	inner := node
	inner.Args = node.Args[1:]

	switch node.Args[0] {
	case "fs":
		var root string
		switch len(inner.Args) {
		case 0:
		case 1:
			root = inner.Args[0]
		default:
			return nil, config.NodeErr(node, "too many arguments for 'fs' archive")
		}
		st := fs.New(root)
		if err := st.Init(config.NewMap(m.Globals, inner)); err != nil {
			return nil, err
		}
		return archive.Store(st), nil
	case "s3":
		if len(inner.Args) != 0 {
			return nil, config.NodeErr(node, "'s3' archive is configured in a block")
		}
		st := s3.New()
		if err := st.Init(config.NewMap(m.Globals, inner)); err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		return archive.Store(st), nil
	default:
		return nil, config.NodeErr(node, "unknown archive type: %s", node.Args[0])
	}
}

var errNoSubmission = errors.New("no submission server is configured")
