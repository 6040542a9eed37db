package journal

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RotateResult carries the archived path and the freshly opened
// successor, letting callers (Per-user Sharding, the dispatcher) swap
// their live handle atomically.
type RotateResult struct {
	ArchivedPath string
	Next         *File
}

// Rotate archives the current file and opens a fresh successor that
// inherits the seqnum-id and continues the sequence (spec.md §4.2).
func (jf *File) Rotate() (RotateResult, error) {
	jf.mu.Lock()

	if jf.closed {
		jf.mu.Unlock()
		return RotateResult{}, ErrClosed
	}

	sid := uuid.UUID(jf.header.SeqnumID)
	tailSeqnum := jf.header.TailEntrySeqnum
	ts := jf.cfg.now()

	if jf.header.State() != StateArchived {
		if err := jf.transitionLocked(StateArchived); err != nil {
			jf.mu.Unlock()
			return RotateResult{}, err
		}
	}
	path := jf.cfg.Path
	archived := archivedName(path, sid, tailSeqnum, ts)
	cfg := jf.cfg
	f := jf.f
	jf.closed = true
	jf.mu.Unlock()

	if err := os.Rename(path, archived); err != nil {
		return RotateResult{}, fmt.Errorf("journal: archive rename: %w", err)
	}
	if err := os.Chmod(archived, 0o440); err != nil {
		log.WithError(err).WithField("path", archived).Warn("failed to mark archived file read-only")
	}
	_ = f.Close()

	nextCfg := cfg
	nextCfg.Path = path
	nextCfg.Mode = ModeCreateOrOpen
	nextCfg.SeqnumID = &sid
	nextCfg.InitialSeqnum = tailSeqnum

	next, err := Open(nextCfg)
	if err != nil {
		return RotateResult{}, fmt.Errorf("journal: open successor: %w", err)
	}

	return RotateResult{ArchivedPath: archived, Next: next}, nil
}

// Offliner tracks in-flight background offline finishers so a path
// is never reopened while its predecessor's offlining is still
// running (spec.md §5 "deferred-close set").
type Offliner struct {
	mu      sync.Mutex
	pending map[string]*sync.WaitGroup
}

// NewOffliner builds an empty Offliner, one per dispatcher (spec.md
// §5: the deferred-close set is scoped to the process, not per-file).
func NewOffliner() *Offliner {
	return &Offliner{pending: make(map[string]*sync.WaitGroup)}
}

// Wait blocks until any in-flight offlining of path has completed.
func (o *Offliner) Wait(path string) {
	o.mu.Lock()
	wg := o.pending[path]
	o.mu.Unlock()
	if wg != nil {
		wg.Wait()
	}
}

// SetOffline transitions state online -> offlining -> offline and
// releases the file descriptor (spec.md §4.2 set_offline). When wait
// is false, the caller may proceed immediately while a background
// goroutine completes the fsync+state flip+close; o then ensures no
// reopen of the same path races ahead of that finisher. Pass o as nil
// to force fully synchronous behavior regardless of wait (used by
// Close).
func (jf *File) SetOffline(o *Offliner, wait bool) error {
	jf.mu.Lock()
	if jf.closed {
		jf.mu.Unlock()
		return nil
	}
	if jf.header.State() != StateOnline {
		jf.mu.Unlock()
		return jf.Close()
	}
	jf.offlining = true
	jf.header.SetState(State(255)) // transient "offlining" marker, never persisted as-is
	jf.mu.Unlock()

	finish := func() error {
		jf.mu.Lock()
		defer jf.mu.Unlock()
		jf.header.SetState(StateOnline) // restore before transitionLocked computes `from`
		err := jf.transitionLocked(StateOffline)
		jf.offlining = false
		jf.offline = true
		jf.closed = true
		if cerr := jf.f.Close(); err == nil {
			err = cerr
		}
		return err
	}

	if wait || o == nil {
		return finish()
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	o.mu.Lock()
	o.pending[jf.cfg.Path] = wg
	o.mu.Unlock()

	go func() {
		defer wg.Done()
		if err := finish(); err != nil {
			log.WithError(err).WithField("path", jf.cfg.Path).Error("background offline failed")
		}
		o.mu.Lock()
		delete(o.pending, jf.cfg.Path)
		o.mu.Unlock()
	}()

	return nil
}

// CopyEntry bulk-copies one entry object from src at offset into dst,
// preserving its timestamps but reassigning seqnum from dst's own
// sequence (spec.md §4.2).
func CopyEntry(dst *File, src *Cursor, offset Offset) error {
	eo, items, err := src.readEntryAt(offset)
	if err != nil {
		return err
	}

	out := make([]Item, 0, len(items))
	for _, it := range items {
		name, value, err := splitKV(it)
		if err != nil {
			return err
		}
		out = append(out, Item{Name: name, Value: value})
	}

	ts := time.UnixMicro(int64(eo.Realtime))
	_, err = dst.AppendEntry(ts, uuid.UUID(eo.BootID), out)
	return err
}

func splitKV(raw []byte) (string, []byte, error) {
	for i, b := range raw {
		if b == '=' {
			return string(raw[:i]), raw[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("journal: malformed item %q", raw)
}
