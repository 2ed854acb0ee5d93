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

// Package parser reads the dkimmsg configuration format.
//
// A configuration is a list of directives, one per line:
//
//	name arg0 arg1 {
//	    child0 arg
//	    child1
//	}
//
// Braces open a nested block. A line ending with \ continues on the next
// line.
package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/foxcpp/dkimmsg/framework/config/lexer"
)

// Node is a directive or a block.
type Node struct {
	// Name is the first token of the directive.
	Name string
	// Args are the tokens following Name on the same logical line.
	Args []string

	// Children is nil for plain directives and non-nil (possibly empty)
	// for blocks.
	Children []Node

	File string
	// Line is where the directive name is located.
	Line int
}

const maxNesting = 255

type parser struct {
	toks    []lexer.Token
	pos     int
	nesting int
}

func (p *parser) errAt(tok lexer.Token, format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", tok.File, tok.Line, fmt.Sprintf(format, args...))
}

func (p *parser) last() lexer.Token {
	if len(p.toks) == 0 {
		return lexer.Token{}
	}
	return p.toks[len(p.toks)-1]
}

func validateNodeName(s string) error {
	if s == "" {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}
	for _, ch := range s {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		switch ch {
		case '.', '-', '_':
			continue
		}
		return fmt.Errorf("character not allowed in directive name: %q", ch)
	}
	return nil
}

// readNodes reads directives until the end of input (top level) or until the
// closing brace of the current block. The closing brace is consumed.
func (p *parser) readNodes(nested bool) ([]Node, error) {
	res := []Node{}

	if p.nesting > maxNesting {
		return res, p.errAt(p.toks[p.pos-1], "nesting limit reached")
	}
	p.nesting++
	defer func() { p.nesting-- }()

	for {
		if p.pos >= len(p.toks) {
			if nested {
				return res, p.errAt(p.last(), "unexpected EOF when looking for }")
			}
			return res, nil
		}

		tok := p.toks[p.pos]
		if tok.IsClose() {
			if !nested {
				return res, p.errAt(tok, "unexpected }")
			}
			p.pos++
			return res, nil
		}
		if tok.IsOpen() {
			return res, p.errAt(tok, "block header expected before {")
		}

		node, err := p.readNode()
		if err != nil {
			return res, err
		}
		res = append(res, node)
	}
}

func (p *parser) readNode() (Node, error) {
	tok := p.toks[p.pos]
	p.pos++

	if err := validateNodeName(tok.Text); err != nil {
		return Node{}, p.errAt(tok, "%v", err)
	}
	node := Node{Name: tok.Text, File: tok.File, Line: tok.Line}

	line := tok.Line
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		if t.Line != line {
			if n := len(node.Args); n != 0 && strings.HasSuffix(node.Args[n-1], `\`) {
				node.Args[n-1] = strings.TrimSuffix(node.Args[n-1], `\`)
				if node.Args[n-1] == "" {
					node.Args = node.Args[:n-1]
				}
				line = t.Line
				continue
			}
			break
		}

		// "a { b }" closes the block of the parent on the same line.
		if t.IsClose() {
			break
		}
		if t.IsOpen() {
			p.pos++
			children, err := p.readNodes(true)
			if err != nil {
				return node, err
			}
			node.Children = children

			closing := p.toks[p.pos-1]
			if p.pos < len(p.toks) {
				next := p.toks[p.pos]
				if next.Line == closing.Line && !next.IsClose() {
					return node, p.errAt(next, "newline is required after closing brace")
				}
			}
			break
		}

		node.Args = append(node.Args, t.Text)
		p.pos++
	}

	return node, nil
}

// NodeErr formats an error message referencing the node location.
func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

// Read parses the configuration from r. location is used in error messages.
//
// {env:NAME} placeholders are replaced with environment variables after
// parsing.
func Read(r io.Reader, location string) ([]Node, error) {
	toks, err := lexer.Tokenize(r, location)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}

	p := parser{toks: toks}
	nodes, err := p.readNodes(false)
	if err != nil {
		return nil, err
	}
	return expandEnvironment(nodes, environ()), nil
}
