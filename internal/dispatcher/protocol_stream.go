//go:build linux

package dispatcher

import (
	"bufio"
	"net"
	"strconv"
	"strings"

	"github.com/sysdlog/journald-core/internal/record"
)

// streamClient owns one SOCK_STREAM connection (spec.md §4.3): a
// header preamble declares (identifier, priority, level-prefix,
// forward-targets), then newline-delimited message lines follow until
// EOF tears the client down.
type streamClient struct {
	conn       net.Conn
	identifier string
	priority   int
	levelPfx   bool
	pid        int
	uid        int
	gid        int
}

// readPreamble consumes the header lines the spec describes as
// "(identifier, priority, level-prefix, forward-targets)", one
// `Key=Value` per line terminated by a blank line, matching the
// dispatcher's native-protocol line convention for consistency.
func readPreamble(r *bufio.Reader) (identifier string, priority int, levelPrefix bool, err error) {
	priority = 6
	for {
		line, rerr := r.ReadString('\n')
		if rerr != nil {
			return identifier, priority, levelPrefix, rerr
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return identifier, priority, levelPrefix, nil
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "IDENTIFIER":
			identifier = v
		case "PRIORITY":
			if n, perr := strconv.Atoi(v); perr == nil {
				priority = n
			}
		case "LEVEL_PREFIX":
			levelPrefix = v == "1" || v == "true"
		}
	}
}

// fieldsFor renders one already-read message line as enrichment fields
// for the stream's declared identifier/priority, recognizing an
// optional leading `<N>` level prefix per line when levelPfx is set.
func (s *streamClient) fieldsFor(line string) ([]record.Field, int) {
	priority := s.priority
	if s.levelPfx && strings.HasPrefix(line, "<") {
		if end := strings.IndexByte(line, '>'); end > 0 && end < 3 {
			if n, err := strconv.Atoi(line[1:end]); err == nil && n >= 0 && n <= 7 {
				priority = n
				line = line[end+1:]
			}
		}
	}
	fields := []record.Field{{Name: record.FieldMessage, Value: []byte(line)}}
	if s.identifier != "" {
		fields = append(fields, record.Field{Name: record.FieldSyslogIdentifier, Value: []byte(s.identifier)})
	}
	return fields, priority
}
