//go:build linux

package dispatcher

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sysdlog/journald-core/internal/record"
)

// parseNative decodes the native datagram wire format (spec.md §4.3):
// a sequence of `KEY=value\n` pairs, with a binary-value extension of
// `KEY\n<le-u64 len>\n<bytes>\n` for values containing embedded
// newlines.
func parseNative(data []byte) ([]record.Field, error) {
	var fields []record.Field
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return fields, fmt.Errorf("dispatcher: native datagram truncated")
		}
		line := data[:nl]
		rest := data[nl+1:]

		if eq := bytes.IndexByte(line, '='); eq >= 0 {
			fields = append(fields, record.Field{Name: string(line[:eq]), Value: append([]byte(nil), line[eq+1:]...)})
			data = rest
			continue
		}

		// binary-value form: the line so far is just the key name.
		if len(rest) < 8 {
			return fields, fmt.Errorf("dispatcher: native datagram missing binary length")
		}
		length := binary.LittleEndian.Uint64(rest[:8])
		rest = rest[8:]
		if uint64(len(rest)) < length+1 {
			return fields, fmt.Errorf("dispatcher: native datagram binary value truncated")
		}
		value := append([]byte(nil), rest[:length]...)
		fields = append(fields, record.Field{Name: string(line), Value: value})
		data = rest[length+1:] // skip trailing '\n'
	}
	return fields, nil
}
