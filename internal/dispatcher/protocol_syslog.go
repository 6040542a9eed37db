//go:build linux

package dispatcher

import (
	"strconv"
	"strings"

	"github.com/sysdlog/journald-core/internal/record"
)

// parsedSyslog is the result of parsing one legacy (RFC 3164-ish)
// syslog line: priority from the leading `<N>` token, identifier and
// pid from `ident[pid]:` when present.
type parsedSyslog struct {
	Priority   int
	Facility   int
	Identifier string
	PID        int
	Message    string
}

// parseSyslogLine implements spec.md §4.3's legacy line datagram
// parser: "priority parsed from the leading <N> token; identifier and
// pid parsed per RFC 3164."
func parseSyslogLine(line string) parsedSyslog {
	out := parsedSyslog{Priority: 6, Facility: 1}

	if strings.HasPrefix(line, "<") {
		if end := strings.IndexByte(line, '>'); end > 0 {
			if n, err := strconv.Atoi(line[1:end]); err == nil && n >= 0 && n < 8*24 {
				out.Facility = n / 8
				out.Priority = n % 8
				line = line[end+1:]
			}
		}
	}

	// Skip an RFC 3164 timestamp if present ("Mon _2 15:04:05 ").
	if len(line) > 16 && line[3] == ' ' && line[6] == ' ' {
		line = strings.TrimSpace(line[16:])
	}

	ident, rest, ok := strings.Cut(line, ":")
	if ok {
		ident = strings.TrimSpace(ident)
		if lb := strings.IndexByte(ident, '['); lb >= 0 && strings.HasSuffix(ident, "]") {
			if pid, err := strconv.Atoi(ident[lb+1 : len(ident)-1]); err == nil {
				out.PID = pid
				ident = ident[:lb]
			}
		}
		out.Identifier = ident
		out.Message = strings.TrimPrefix(rest, " ")
	} else {
		out.Message = line
	}
	return out
}

// Fields renders the parse into record.Field entries for the syslog
// identifier/facility/pid trio (spec.md §4.3 enrichment list).
func (p parsedSyslog) Fields() []record.Field {
	fields := []record.Field{
		{Name: record.FieldMessage, Value: []byte(p.Message)},
	}
	if p.Identifier != "" {
		fields = append(fields, record.Field{Name: record.FieldSyslogIdentifier, Value: []byte(p.Identifier)})
	}
	if p.PID != 0 {
		fields = append(fields, record.Field{Name: record.FieldSyslogPID, Value: []byte(strconv.Itoa(p.PID))})
	}
	fields = append(fields, record.Field{Name: record.FieldSyslogFacility, Value: []byte(strconv.Itoa(p.Facility))})
	return fields
}
