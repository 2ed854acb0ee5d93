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

package log

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Formatter can be implemented by values that want a custom representation
// in structured log fields.
type Formatter interface {
	FormatLog() string
}

// writeSortedJSON writes m as a JSON object with keys in sorted order, so
// that lines from different messages can be compared side by side.
func writeSortedJSON(sb *strings.Builder, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, k := range keys {
		if i != 0 {
			sb.WriteByte(',')
		}

		encKey, err := json.Marshal(k)
		if err != nil {
			return err
		}
		sb.Write(encKey)
		sb.WriteByte(':')

		encVal, err := json.Marshal(logValue(m[k]))
		if err != nil {
			return err
		}
		sb.Write(encVal)
	}
	sb.WriteByte('}')
	return nil
}

func logValue(v interface{}) interface{} {
	switch v := v.(type) {
	case time.Time:
		return v.Format("2006-01-02T15:04:05.000")
	case time.Duration:
		return v.String()
	case Formatter:
		return v.FormatLog()
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	case []byte:
		return string(v)
	}
	return v
}
