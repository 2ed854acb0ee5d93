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

package parser

import (
	"os"
	"regexp"
	"strings"
)

var (
	envRe      = regexp.MustCompile(`{env:([^}]+)}`)
	envSplitRe = regexp.MustCompile(`^{env_split:([^}]+)}$`)
)

func environ() map[string]string {
	env := os.Environ()
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

func expandString(s string, env map[string]string) string {
	return envRe.ReplaceAllStringFunc(s, func(match string) string {
		return env[envRe.FindStringSubmatch(match)[1]]
	})
}

// expandEnvironment replaces {env:NAME} in names and arguments. An argument
// consisting of {env_split:NAME} is replaced with the comma-separated
// elements of the variable. Unset variables expand to an empty string.
func expandEnvironment(nodes []Node, env map[string]string) []Node {
	if nodes == nil {
		return nil
	}

	res := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		node.Name = expandString(node.Name, env)

		args := make([]string, 0, len(node.Args))
		for _, arg := range node.Args {
			if m := envSplitRe.FindStringSubmatch(arg); m != nil {
				if val, ok := env[m[1]]; ok && val != "" {
					args = append(args, strings.Split(val, ",")...)
				}
				continue
			}
			args = append(args, expandString(arg, env))
		}
		node.Args = args
		node.Children = expandEnvironment(node.Children, env)
		res = append(res, node)
	}
	return res
}
