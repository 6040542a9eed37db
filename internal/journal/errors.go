package journal

import "errors"

// RetryKind enumerates the "rotate and retry once" error family from
// spec.md §4.2/§7. Centralizing it as a sum type, rather than
// inspecting error strings, is the design note in spec.md §9.
type RetryKind int

const (
	RetryNone RetryKind = iota
	RetryLimitReached
	RetryIOFailure
	RetryForeignMachine
	RetryUncleanShutdown
	RetryUnsupportedFeature
	RetryCorruptedChecksum
	RetryTruncated
	RetryAlreadyArchived
	RetryFileDeleted
	RetryFutureTimestamp
)

// RetryableError wraps an underlying cause with the kind that decides
// whether the dispatcher should rotate+vacuum+retry (spec.md §4.2/§7).
type RetryableError struct {
	Kind  RetryKind
	Cause error
}

func (e *RetryableError) Error() string {
	return e.Cause.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

func retryable(kind RetryKind, cause error) error {
	return &RetryableError{Kind: kind, Cause: cause}
}

// AsRetryable reports whether err carries a RetryKind, per the
// centralized matching the design note in spec.md §9 recommends.
func AsRetryable(err error) (RetryKind, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return RetryNone, false
}

var (
	ErrNotAJournal     = errors.New("journal: not a journal file")
	ErrAlreadyArchived = errors.New("journal: file is archived")
	ErrClosed          = errors.New("journal: file is closed")
	ErrFatal           = errors.New("journal: fatal error")
)
