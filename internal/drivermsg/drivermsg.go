// Package drivermsg synthesizes service-generated records (spec.md
// §4.6): disk-space notices, suppressed-message-count notices, and
// flush-duration notices. These never pass through the Rate Limiter
// and carry the dispatcher's own identity, not a sender's.
package drivermsg

import (
	"fmt"
	"time"

	"github.com/sysdlog/journald-core/internal/record"
)

// MessageIDs for the well-known driver notices, matching
// systemd-journald's own catalog entries by convention (stable
// constants a log reader can filter on).
const (
	MsgIDSpace       = "ec387f577b844b8fa948f33cad9a75e6"
	MsgIDSuppressed  = "0027229ca0644181a76c4e92458afa2e"
	MsgIDFlushFailed = "4f0d8eda7bd346dfb81ef4b1f77c1688"
	MsgIDFlushDone   = "5a271e58d85446d9975d22aa68694e41"
)

// Identity carries the fields the dispatcher attaches to every record
// on its own behalf, since a driver message has no sender pid.
type Identity struct {
	MachineID string
	BootID    string
	Hostname  string
}

func base(id Identity, messageID string, priority int) *record.Record {
	r := &record.Record{
		Transport: record.TransportDriver,
		Priority:  priority,
		Facility:  -1,
		PID:       0,
	}
	r.AppendString(record.FieldSyslogIdentifier, "journald-core")
	r.AppendString(record.FieldMessageID, messageID)
	r.AppendString(record.FieldMachineID, id.MachineID)
	r.AppendString(record.FieldBootID, id.BootID)
	r.AppendString(record.FieldHostname, id.Hostname)
	return r
}

// SpaceNotice reports that a storage directory is running low,
// matching disk-usage driver messages journald emits before
// vacuuming (priority 4, warning).
func SpaceNotice(id Identity, dir string, used, limit uint64) *record.Record {
	r := base(id, MsgIDSpace, 4)
	r.AppendString(record.FieldMessage, fmt.Sprintf(
		"Storage directory %q is using %d bytes of its %d byte limit.", dir, used, limit))
	return r
}

// SuppressedNotice reports that suppressed prior messages from (unit,
// priority) were dropped by the Rate Limiter before this one; the
// caller passes k-1 for a limiter return of k
// (spec.md §4.4's "k-1 were suppressed and should be reported once").
func SuppressedNotice(id Identity, unit string, priority int, suppressed uint64) *record.Record {
	r := base(id, MsgIDSuppressed, 5)
	r.AppendString(record.FieldMessage, fmt.Sprintf(
		"Suppressed %d messages from unit %q at priority %d.", suppressed, unit, priority))
	return r
}

// FlushNotice reports the outcome of a runtime->system flush (spec.md
// §4.5 "Emit a driver message with elapsed time and count").
func FlushNotice(id Identity, entries int, elapsed time.Duration, err error) *record.Record {
	if err != nil {
		r := base(id, MsgIDFlushFailed, 3)
		r.AppendString(record.FieldMessage, fmt.Sprintf(
			"Flushing to persistent storage failed after copying %d entries in %s: %v.", entries, elapsed, err))
		return r
	}
	r := base(id, MsgIDFlushDone, 6)
	r.AppendString(record.FieldMessage, fmt.Sprintf(
		"Copied %d entries from the runtime journal to persistent storage in %s.", entries, elapsed))
	return r
}
