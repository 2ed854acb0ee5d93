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
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type matcher struct {
	name          string
	required      bool
	inheritGlobal bool
	defaultVal    func() (interface{}, error)
	mapper        func(*Map, Node) (interface{}, error)
	store         *reflect.Value

	callback func(*Map, Node) error
}

func (m *matcher) assign(val interface{}) {
	v := reflect.ValueOf(val)
	// Untyped nil.
	if !v.IsValid() {
		v = reflect.Zero(m.store.Type())
	}
	m.store.Set(v)
}

// Map converts configuration directives into Go variables.
//
// Each directive is registered with one of the typed methods (String,
// Bool, Duration, ...) or with Custom, then Process walks the block and
// stores the values.
type Map struct {
	allowUnknown bool

	// Values contains all values stored by the last Process call.
	Values map[string]interface{}

	entries map[string]matcher

	// Globals are used as defaults for directives registered with
	// inheritGlobal set.
	Globals map[string]interface{}
	Block   Node
}

func NewMap(globals map[string]interface{}, block Node) *Map {
	return &Map{Globals: globals, Block: block}
}

// AllowUnknown makes Process return unknown directives instead of failing.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

func noBlock(node Node) error {
	if node.Children != nil {
		return NodeErr(node, "can't declare a block here")
	}
	return nil
}

func singleArg(node Node) (string, error) {
	if err := noBlock(node); err != nil {
		return "", err
	}
	if len(node.Args) != 1 {
		return "", NodeErr(node, "expected exactly one argument")
	}
	return node.Args[0], nil
}

func constant(val interface{}) func() (interface{}, error) {
	return func() (interface{}, error) { return val, nil }
}

// String maps 'name value' to a string variable.
func (m *Map) String(name string, inheritGlobal, required bool, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		return singleArg(node)
	}, store)
}

// StringList maps 'name value1 value2 ...' to a string slice. At least one
// argument is required.
func (m *Map) StringList(name string, inheritGlobal, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "expected at least one argument")
		}
		return node.Args, nil
	}, store)
}

// Enum maps 'name value' to a string variable, value must be one of
// allowed.
func (m *Map) Enum(name string, inheritGlobal, required bool, allowed []string, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		for _, a := range allowed {
			if a == arg {
				return arg, nil
			}
		}
		return nil, NodeErr(node, "invalid argument, valid values are: %v", allowed)
	}, store)
}

// EnumList is Enum for directives with one or more arguments.
func (m *Map) EnumList(name string, inheritGlobal, required bool, allowed, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "expected at least one argument")
		}
	argLoop:
		for _, arg := range node.Args {
			for _, a := range allowed {
				if a == arg {
					continue argLoop
				}
			}
			return nil, NodeErr(node, "invalid argument %q, valid values are: %v", arg, allowed)
		}
		return node.Args, nil
	}, store)
}

// Duration maps 'name 1h 30m' to a time.Duration variable. Arguments are
// joined and passed to time.ParseDuration. Negative values are rejected.
func (m *Map) Duration(name string, inheritGlobal, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, inheritGlobal, required, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "at least one argument is required")
		}
		dur, err := time.ParseDuration(strings.Join(node.Args, ""))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		if dur < 0 {
			return nil, NodeErr(node, "duration must not be negative")
		}
		return dur, nil
	}, store)
}

// ParseDataSize parses sizes like "32M" or "1M 512K" into a number of
// bytes. Suffixes are B, K, M and G (powers of 1024).
func ParseDataSize(s string) (int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("missing a number")
	}

	total := 0
	for _, f := range fields {
		i := strings.IndexFunc(f, func(r rune) bool { return !unicode.IsDigit(r) })
		if i == 0 {
			return 0, fmt.Errorf("missing a number: %s", f)
		}
		numStr, suffix := f, ""
		if i > 0 {
			numStr, suffix = f[:i], f[i:]
		}

		num, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, err
		}

		switch suffix {
		case "G":
			total += num * 1024 * 1024 * 1024
		case "M":
			total += num * 1024 * 1024
		case "K":
			total += num * 1024
		case "B", "b":
			total += num
		default:
			if num != 0 {
				return 0, errors.New("unknown unit suffix: " + suffix)
			}
		}
	}
	return total, nil
}

// DataSize maps 'name 32M' to an int variable, see ParseDataSize.
func (m *Map) DataSize(name string, inheritGlobal, required bool, defaultVal int, store *int) {
	m.Custom(name, inheritGlobal, required, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		size, err := ParseDataSize(strings.Join(node.Args, " "))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return size, nil
	}, store)
}

func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("bool argument should be 'yes' or 'no'")
}

// Bool maps the presence of a directive to true. 'name yes' and 'name no'
// are accepted too.
func (m *Map) Bool(name string, inheritGlobal, defaultVal bool, store *bool) {
	m.Custom(name, inheritGlobal, false, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		switch len(node.Args) {
		case 0:
			return true, nil
		case 1:
			b, err := ParseBool(node.Args[0])
			if err != nil {
				return nil, NodeErr(node, "%v", err)
			}
			return b, nil
		}
		return nil, NodeErr(node, "expected at most one argument")
	}, store)
}

// Int maps 'name 123' to an int variable.
func (m *Map) Int(name string, inheritGlobal, required bool, defaultVal int, store *int) {
	m.Custom(name, inheritGlobal, required, constant(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		i, err := strconv.Atoi(arg)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return i, nil
	}, store)
}

// Custom registers a directive with an arbitrary mapper.
//
// If inheritGlobal is true and the block has no such directive, the value
// from Globals is used. If required is true, a missing value is an error.
// Otherwise defaultVal is called, it may be nil to leave the variable
// untouched.
//
// store must be a pointer or nil, in the latter case the value is only
// saved in Values.
func (m *Map) Custom(name string, inheritGlobal, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config.Map: duplicate matcher " + name)
	}

	var target *reflect.Value
	ptr := reflect.ValueOf(store)
	if ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("config.Map: store argument must be a pointer")
		}
		target = &val
	}

	m.entries[name] = matcher{
		name:          name,
		inheritGlobal: inheritGlobal,
		required:      required,
		defaultVal:    defaultVal,
		mapper:        mapper,
		store:         target,
	}
}

// Callback calls mapper for every directive with the given name. The
// directive may be repeated.
func (m *Map) Callback(name string, mapper func(*Map, Node) error) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config.Map: duplicate matcher " + name)
	}
	m.entries[name] = matcher{name: name, callback: mapper}
}

// Process maps m.Block using m.Globals.
func (m *Map) Process() (unknown []Node, err error) {
	return m.ProcessWith(m.Globals, m.Block)
}

// ProcessWith maps the children of block. Unknown directives are returned
// if AllowUnknown was called.
func (m *Map) ProcessWith(globals map[string]interface{}, block Node) (unknown []Node, err error) {
	matched := make(map[string]bool)
	m.Values = make(map[string]interface{})

	for _, child := range block.Children {
		mt, ok := m.entries[child.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(child, "unexpected directive: %s", child.Name)
			}
			unknown = append(unknown, child)
			continue
		}

		if mt.callback != nil {
			if err := mt.callback(m, child); err != nil {
				return nil, err
			}
			matched[child.Name] = true
			continue
		}

		if matched[child.Name] {
			return nil, NodeErr(child, "duplicate directive: %s", child.Name)
		}
		matched[child.Name] = true

		val, err := mt.mapper(m, child)
		if err != nil {
			return nil, err
		}
		m.Values[mt.name] = val
		if mt.store != nil {
			mt.assign(val)
		}
	}

	for _, mt := range m.entries {
		if matched[mt.name] || mt.mapper == nil {
			continue
		}

		var val interface{}
		if globalVal, ok := globals[mt.name]; mt.inheritGlobal && ok {
			val = globalVal
		} else if mt.required {
			return nil, NodeErr(block, "missing required directive: %s", mt.name)
		} else {
			if mt.defaultVal == nil {
				continue
			}
			val, err = mt.defaultVal()
			if err != nil {
				return nil, err
			}
		}

		// Zero defaults are not saved so blocks inheriting from this Map
		// fall back to their own defaults.
		if t := reflect.TypeOf(val); t != nil && !reflect.DeepEqual(val, reflect.Zero(t).Interface()) {
			m.Values[mt.name] = val
		}
		if mt.store != nil {
			mt.assign(val)
		}
	}

	return unknown, nil
}
