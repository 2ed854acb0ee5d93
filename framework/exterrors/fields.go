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

package exterrors

import "errors"

type fieldsErr interface {
	Fields() map[string]interface{}
}

type fieldsWrap struct {
	err    error
	fields map[string]interface{}
}

func (fw fieldsWrap) Error() string {
	return fw.err.Error()
}

func (fw fieldsWrap) Unwrap() error {
	return fw.err
}

func (fw fieldsWrap) Fields() map[string]interface{} {
	return fw.fields
}

// Fields collects the context attached to err and to every error it wraps.
//
// Wrappers closer to the top of the chain win if the same key is set
// more than once.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{}, 4)

	for ; err != nil; err = errors.Unwrap(err) {
		fe, ok := err.(fieldsErr)
		if !ok {
			continue
		}
		for k, v := range fe.Fields() {
			if _, set := fields[k]; set {
				continue
			}
			fields[k] = v
		}
	}

	return fields
}

// WithFields attaches key-value context to err. The context is rendered by
// log.Logger.Error and can be retrieved using Fields.
//
// Nil err stays nil.
func WithFields(err error, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return fieldsWrap{err: err, fields: fields}
}
