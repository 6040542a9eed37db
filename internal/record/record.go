// Package record defines the in-memory shape of a log record as it
// moves from an ingestion channel through enrichment to the journal
// writer. It intentionally does not use a general map: duplicate
// field names are meaningful (systemd-journald allows them) and
// insertion order is observable to readers, so fields are carried as
// an ordered slice of pairs (design note in spec.md §9).
package record

import "time"

// Well-known enrichment and message field names (spec.md §4.3 step 4,
// §6). These mirror systemd-journald's own wire vocabulary, matching
// the constants any journald client library in the corpus declares
// (see other_examples' vargspjut-systemd-journal Field* constants).
const (
	FieldMessage    = "MESSAGE"
	FieldMessageID  = "MESSAGE_ID"
	FieldPriority   = "PRIORITY"
	FieldNDropped   = "N_DROPPED"
	FieldSyslogFacility   = "SYSLOG_FACILITY"
	FieldSyslogIdentifier = "SYSLOG_IDENTIFIER"
	FieldSyslogPID        = "SYSLOG_PID"

	FieldPID              = "_PID"
	FieldUID              = "_UID"
	FieldGID              = "_GID"
	FieldComm             = "_COMM"
	FieldExe              = "_EXE"
	FieldCmdline          = "_CMDLINE"
	FieldCapEffective     = "_CAP_EFFECTIVE"
	FieldSELinuxContext   = "_SELINUX_CONTEXT"
	FieldAuditSession     = "_AUDIT_SESSION"
	FieldAuditLoginUID    = "_AUDIT_LOGINUID"
	FieldSystemdCGroup    = "_SYSTEMD_CGROUP"
	FieldSystemdSession   = "_SYSTEMD_SESSION"
	FieldSystemdOwnerUID  = "_SYSTEMD_OWNER_UID"
	FieldSystemdUnit      = "_SYSTEMD_UNIT"
	FieldSystemdUserUnit  = "_SYSTEMD_USER_UNIT"
	FieldSystemdSlice     = "_SYSTEMD_SLICE"
	FieldSystemdUserSlice = "_SYSTEMD_USER_SLICE"
	FieldSystemdInvocationID = "_SYSTEMD_INVOCATION_ID"
	FieldBootID           = "_BOOT_ID"
	FieldMachineID        = "_MACHINE_ID"
	FieldHostname         = "_HOSTNAME"
	FieldTransport        = "_TRANSPORT"
	FieldSourceRealtimeTimestamp = "_SOURCE_REALTIME_TIMESTAMP"
)

// Transport identifies which ingestion channel produced a record.
type Transport string

const (
	TransportNative Transport = "journal"
	TransportSyslog Transport = "syslog"
	TransportStdout Transport = "stdout"
	TransportKernel Transport = "kernel"
	TransportAudit  Transport = "audit"
	TransportDriver Transport = "driver"
)

// Field is a single (name, value) pair. Value is raw bytes: most
// fields are short ASCII but §6 allows arbitrary binary values via
// the native protocol's length-prefixed extension.
type Field struct {
	Name  string
	Value []byte
}

// Record is an ingested, not-yet-enriched or partially-enriched log
// record. Fields preserves insertion order and may contain duplicate
// names.
type Record struct {
	Fields    []Field
	Priority  int       // syslog priority 0..7, -1 if unset
	Facility  int       // syslog facility, -1 if unset
	Transport Transport
	PID       int // sender pid, 0 if unknown (e.g. kernel ring)
	UID       int
	GID       int
	// SourceRealtime is the timestamp as reported by the sender, if
	// any (stream/native protocols may carry one). It is never used
	// for on-disk ordering (spec.md §4.3 step 6); it is only
	// preserved as the optional _SOURCE_REALTIME_TIMESTAMP field.
	SourceRealtime time.Time
	HasSourceRealtime bool
}

// Get returns the value of the first field named name, if present.
func (r *Record) Get(name string) ([]byte, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Append adds a field, preserving duplicates and order.
func (r *Record) Append(name string, value []byte) {
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// AppendString is a convenience wrapper around Append for text values.
func (r *Record) AppendString(name, value string) {
	r.Append(name, []byte(value))
}
