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

// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lexer splits configuration text into tokens.
package lexer

import (
	"bufio"
	"errors"
	"io"
	"unicode"
)

// Token is a single word of the configuration.
type Token struct {
	File string
	Line int
	Text string

	// Quoted is set for tokens that were written in double quotes. Quoted
	// braces are plain text.
	Quoted bool
}

// IsOpen reports whether t opens a block.
func (t Token) IsOpen() bool { return !t.Quoted && t.Text == "{" }

// IsClose reports whether t closes a block.
func (t Token) IsClose() bool { return !t.Quoted && t.Text == "}" }

// Tokenize reads r to the end and returns all tokens in order.
//
// Tokens are separated by whitespace. A token starting with a double quote
// runs until the closing quote and may contain whitespace. Inside quotes
// only \" is an escape sequence. Everything from an unquoted '#' to the end
// of the line is a comment. A leading byte order mark is skipped.
func Tokenize(r io.Reader, file string) ([]Token, error) {
	br := bufio.NewReader(r)

	first, _, err := br.ReadRune()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	if first != 0xFEFF {
		if err := br.UnreadRune(); err != nil {
			return nil, err
		}
	}

	var (
		tokens  []Token
		val     []rune
		line    = 1
		start   int
		quoted  bool
		escaped bool
		comment bool
		inToken bool
	)
	flush := func(wasQuoted bool) {
		tokens = append(tokens, Token{File: file, Line: start, Text: string(val), Quoted: wasQuoted})
		val = val[:0]
		inToken = false
	}

	for {
		ch, _, err := br.ReadRune()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			if quoted {
				return nil, errors.New("unterminated quoted string")
			}
			if inToken {
				flush(false)
			}
			return tokens, nil
		}

		if quoted {
			switch {
			case escaped:
				if ch != '"' {
					val = append(val, '\\')
				}
				val = append(val, ch)
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				quoted = false
				flush(true)
			default:
				if ch == '\n' {
					line++
				}
				val = append(val, ch)
			}
			continue
		}

		if ch == '\n' {
			comment = false
			if inToken {
				flush(false)
			}
			line++
			continue
		}
		if comment {
			continue
		}
		if unicode.IsSpace(ch) {
			if inToken {
				flush(false)
			}
			continue
		}
		if ch == '#' && !inToken {
			comment = true
			continue
		}

		if !inToken {
			inToken = true
			start = line
			if ch == '"' {
				quoted = true
				continue
			}
		}
		val = append(val, ch)
	}
}
