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

// Package log implements the logger used by dkimmsg components.
//
// Messages are plain text lines optionally followed by a tab and a JSON
// object with structured fields:
//
//	sign_dkim: signed	{"domain":"example.org","selector":"default"}
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/dkimmsg/framework/exterrors"
	"go.uber.org/zap"
)

// Logger writes formatted messages to an Output.
//
// Logger is a value type and can be copied freely, the Output is shared
// between copies. Goroutine-safety is up to the Output.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are added to every structured message.
	Fields map[string]interface{}
}

// Sublogger returns a copy of l with name appended to its Name.
func (l Logger) Sublogger(name string) Logger {
	if l.Name != "" {
		name = l.Name + "/" + name
	}
	l.Name = name
	return l
}

// Zap returns a zap.Logger that writes into l. It is used for libraries
// that accept zap loggers.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{L: l})
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.emit(false, l.format(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.emit(false, l.format(strings.TrimSuffix(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, l.format(fmt.Sprintf(format, val...), nil))
}

// Msg writes a structured message. fields is a list of alternating keys
// and values.
func (l Logger) Msg(msg string, fields ...interface{}) {
	l.emit(false, l.format(msg, pairs(fields, nil)))
}

// DebugMsg is Msg for debug builds of the log. It is a no-op if l.Debug is
// false.
func (l Logger) DebugMsg(msg string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, l.format(msg, pairs(fields, nil)))
}

// Error writes a structured message describing err. Fields attached to err
// with exterrors.WithFields are included. The "reason" field is set to the
// error text unless err already carries one.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	all := make(map[string]interface{})
	for k, v := range exterrors.Fields(err) {
		all[k] = v
	}
	if _, ok := all["reason"]; !ok {
		all["reason"] = err.Error()
	}
	l.emit(false, l.format(msg, pairs(fields, all)))
}

// Write implements io.Writer. Each call produces one message.
func (l Logger) Write(b []byte) (int, error) {
	l.emit(false, strings.TrimRight(string(b), "\r\n"))
	return len(b), nil
}

// DebugWriter returns an io.Writer that writes debug messages, or
// io.Discard if debug logging is disabled.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return debugWriter{l}
}

type debugWriter struct {
	l Logger
}

func (w debugWriter) Write(b []byte) (int, error) {
	w.l.emit(true, strings.TrimRight(string(b), "\r\n"))
	return len(b), nil
}

func pairs(fields []interface{}, out map[string]interface{}) map[string]interface{} {
	if out == nil {
		out = make(map[string]interface{}, len(fields)/2)
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprint("field", i)
		}
		out[key] = fields[i+1]
	}
	if len(fields)%2 != 0 {
		out["_extra"] = fields[len(fields)-1]
	}
	return out
}

func (l Logger) format(msg string, fields map[string]interface{}) string {
	if len(l.Fields)+len(fields) == 0 {
		return msg + "\t"
	}
	if fields == nil {
		fields = make(map[string]interface{}, len(l.Fields))
	}
	for k, v := range l.Fields {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}

	var sb strings.Builder
	sb.WriteString(msg)
	sb.WriteByte('\t')
	if err := writeSortedJSON(&sb, fields); err != nil {
		return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
	}
	return sb.String()
}

func (l Logger) emit(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		return
	}
	out.Write(time.Now(), debug, s)
}

// DefaultLogger is used by package-level functions and by Loggers without
// an Output.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
