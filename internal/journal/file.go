// Package journal implements the append-only, content-addressed,
// chunk-structured journal file format (spec.md §3, §4.2, §6): header,
// object table, hash-chained entries, optional compression and
// sealing.
package journal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sysdlog/journald-core/internal/logging"
)

var log = logging.For("journal")

// Mode selects how Open behaves when the target path does not exist.
type Mode int

const (
	ModeCreateOrOpen Mode = iota
	ModeOpenExisting
)

// Metrics bound a single file's lifetime; rotate_suggested compares
// against these (spec.md §4.2).
type Metrics struct {
	MaxFileSize uint64
	MaxEntries  uint64
	MaxFileAge  time.Duration
}

// Config is everything Open needs to create or attach to a file.
type Config struct {
	Path        string
	Mode        Mode
	Compression CompressionConfig
	Seal        bool
	Sealer      Sealer
	Metrics     Metrics
	MachineID   uuid.UUID
	BootID      uuid.UUID
	// SeqnumID, if non-nil, is inherited from a predecessor file
	// (spec.md §4.2 "a new file inherits a seqnum-id"). Nil mints a
	// fresh one.
	SeqnumID *uuid.UUID
	// InitialSeqnum continues a predecessor's sequence; zero for a
	// brand-new seqnum-id.
	InitialSeqnum uint64
	// Now is the dispatcher's own monotonic clock source (spec.md
	// §4.3 "use the dispatcher's own monotonic clock via event_now");
	// defaults to time.Now.
	Now func() time.Time
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// File is a single open journal file handle. It is exclusively owned
// by whatever goroutine opened it (spec.md §3 "mutated only by the
// dispatcher's thread"); the mutex exists to guard against concurrent
// Close/background-offline races, not to allow concurrent writers.
type File struct {
	mu sync.Mutex

	cfg        Config
	f          *os.File
	header     Header
	compressor Compressor
	sealer     Sealer

	writeOffset uint64 // absolute file offset of the next object write
	createdAt   time.Time
	lastRealtimeWritten uint64

	// dataIndex is an in-memory index of the DATA objects this handle
	// has written, used for O(1) value dedup during this handle's
	// lifetime. No hash-table object is written to the file, and a
	// handle opened on an existing file starts with an empty index.
	dataIndex map[uint64][]dedupEntry

	offlining bool
	offline   bool
	closed    bool
}

type dedupEntry struct {
	offset Offset
	value  []byte
}

const dataHashBuckets = 2048

// Open implements the Journal File's public open operation
// (spec.md §4.2). On a writable create-or-open where the existing
// file is corrupted, the corrupted file is renamed with a `~` suffix
// and a fresh file created in its place — this path only applies to
// writable opens, per spec.
func Open(cfg Config) (*File, error) {
	if cfg.Sealer == nil {
		if cfg.Seal {
			cfg.Sealer = NewHMACSealer(nil)
		} else {
			cfg.Sealer = noopSealer{}
		}
	}

	compressor := Compressor(noopCompressor{})
	if cfg.Compression.Enabled {
		compressor = newZstdCompressor()
	}

	jf := &File{
		cfg:        cfg,
		compressor: compressor,
		sealer:     cfg.Sealer,
		dataIndex:  make(map[uint64][]dedupEntry),
	}

	if _, err := os.Stat(cfg.Path); err == nil {
		if err := jf.openExisting(cfg.Path); err != nil {
			if cfg.Mode == ModeOpenExisting {
				return nil, err
			}
			if kind, ok := AsRetryable(err); ok {
				log.WithField("path", cfg.Path).WithField("kind", kind).
					Warn("corrupted journal file, quarantining and creating fresh")
				if rerr := quarantine(cfg.Path); rerr != nil {
					return nil, rerr
				}
			} else {
				return nil, err
			}
			return createFresh(jf, cfg)
		}
		return jf, nil
	} else if cfg.Mode == ModeOpenExisting {
		return nil, fmt.Errorf("journal: %s: %w", cfg.Path, os.ErrNotExist)
	}

	return createFresh(jf, cfg)
}

func quarantine(path string) error {
	return os.Rename(path, path+"~")
}

func createFresh(jf *File, cfg Config) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", cfg.Path, err)
	}

	seqnumID := uuid.New()
	if cfg.SeqnumID != nil {
		seqnumID = *cfg.SeqnumID
	}

	compat, incompat := compatFlagsFor(cfg)
	h := newHeader(cfg.MachineID, cfg.BootID, seqnumID, compat, incompat)
	h.TailEntrySeqnum = cfg.InitialSeqnum

	jf.f = f
	jf.header = h
	jf.writeOffset = headerSize
	jf.createdAt = cfg.now()

	if err := jf.writeHeaderLocked(); err != nil {
		f.Close()
		return nil, err
	}
	if err := jf.transitionLocked(StateOnline); err != nil {
		f.Close()
		return nil, err
	}
	return jf, nil
}

func compatFlagsFor(cfg Config) (compat, incompat uint32) {
	if cfg.Compression.Enabled {
		incompat |= IncompatFlagCompressedZstd
	}
	if cfg.Seal {
		compat |= CompatFlagSealed
	}
	return compat, incompat
}

func (jf *File) openExisting(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return retryable(RetryIOFailure, err)
	}

	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return retryable(RetryTruncated, err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		f.Close()
		return retryable(RetryCorruptedChecksum, err)
	}
	if h.MachineID != jf.cfg.MachineID {
		f.Close()
		return retryable(RetryForeignMachine, fmt.Errorf("journal: foreign machine-id in %s", path))
	}
	if h.State() == StateArchived {
		f.Close()
		return retryable(RetryAlreadyArchived, ErrAlreadyArchived)
	}
	if h.State() == StateOnline {
		// A previous writer died without offlining: treat as unclean
		// shutdown (spec.md §4.2, §7).
		f.Close()
		return retryable(RetryUncleanShutdown, fmt.Errorf("journal: %s left online", path))
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return retryable(RetryIOFailure, err)
	}
	if uint64(info.Size()) < headerSize+h.tailArenaSize() {
		f.Close()
		return retryable(RetryTruncated, fmt.Errorf("journal: %s truncated", path))
	}

	jf.f = f
	jf.header = h
	jf.writeOffset = headerSize + h.tailArenaSize()
	jf.createdAt = cfgOrNow(jf.cfg, info.ModTime())

	if err := jf.transitionLocked(StateOnline); err != nil {
		f.Close()
		return err
	}
	return nil
}

func cfgOrNow(cfg Config, fallback time.Time) time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return fallback
}

// tailArenaSize returns the number of arena bytes written so far: the
// header's ArenaSize, a running total that writeAtLocked advances on
// every object write.
func (h *Header) tailArenaSize() uint64 {
	return h.ArenaSize
}

func (jf *File) writeHeaderLocked() error {
	if _, err := jf.f.WriteAt(encodeHeader(&jf.header), 0); err != nil {
		return retryable(RetryIOFailure, err)
	}
	return nil
}

func (jf *File) transitionLocked(to State) error {
	from := jf.header.State()
	jf.header.SetState(to)
	if err := jf.writeHeaderLocked(); err != nil {
		jf.header.SetState(from)
		return err
	}
	if err := jf.f.Sync(); err != nil {
		return retryable(RetryIOFailure, err)
	}
	return nil
}

// Path returns the file's current on-disk path.
func (jf *File) Path() string { return jf.cfg.Path }

// SeqnumID returns the 128-bit identifier shared across a rotation
// chain (spec.md glossary).
func (jf *File) SeqnumID() uuid.UUID {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return uuid.UUID(jf.header.SeqnumID)
}

// Size returns the current on-disk size.
func (jf *File) Size() uint64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.writeOffset
}

// State returns the header's current state.
func (jf *File) State() State {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.header.State()
}

// EntryCount returns the number of entries written so far.
func (jf *File) EntryCount() uint64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.header.NEntries
}

// Item is one (name, value) pair to append, mirroring the dispatcher's
// already-enriched record (spec.md §4.2).
type Item struct {
	Name  string
	Value []byte
}

// AppendResult reports what AppendEntry produced.
type AppendResult struct {
	Offset Offset
	Seqnum uint64
}

// AppendEntry adds an entry with the given items (spec.md §4.2).
// Values above the compression threshold are stored compressed; equal
// values are deduplicated through the handle's in-memory dataIndex, so
// values written before this handle was opened are not deduplicated.
// The entry's Monotonic field holds the same realtime microseconds as
// Realtime; no monotonic clock is read.
func (jf *File) AppendEntry(ts time.Time, bootID uuid.UUID, items []Item) (AppendResult, error) {
	jf.mu.Lock()
	defer jf.mu.Unlock()

	if jf.closed {
		return AppendResult{}, ErrClosed
	}
	if jf.header.State() != StateOnline {
		return AppendResult{}, retryable(RetryAlreadyArchived, ErrAlreadyArchived)
	}

	realtimeUsec := uint64(ts.UnixMicro())
	if realtimeUsec < jf.header.TailEntryRealtime && jf.header.NEntries > 0 {
		return AppendResult{}, retryable(RetryFutureTimestamp,
			fmt.Errorf("journal: entry realtime %d precedes tail %d", realtimeUsec, jf.header.TailEntryRealtime))
	}

	entryItems := make([]entryItem, 0, len(items))
	var xorHash uint64
	for _, it := range items {
		raw := encodeKV(it.Name, it.Value)
		off, hash, err := jf.internDataLocked(raw)
		if err != nil {
			return AppendResult{}, err
		}
		entryItems = append(entryItems, entryItem{Offset: off, Hash: hash})
		xorHash ^= hash
	}

	seqnum := jf.header.TailEntrySeqnum + 1

	eo := entryObject{
		Seqnum:    seqnum,
		Realtime:  realtimeUsec,
		Monotonic: uint64(ts.UnixMicro()),
		XorHash:   xorHash,
		Items:     entryItems,
	}
	copy(eo.BootID[:], bootID[:])

	encoded := encodeEntryObject(eo)
	offset := Offset(jf.writeOffset)
	if err := jf.writeAtLocked(encoded); err != nil {
		return AppendResult{}, err
	}

	if jf.header.NEntries == 0 {
		jf.header.HeadEntrySeqnum = seqnum
		jf.header.HeadEntryRealtime = realtimeUsec
	}
	jf.header.TailEntrySeqnum = seqnum
	jf.header.TailEntryRealtime = realtimeUsec
	jf.header.TailEntryMonotonic = eo.Monotonic
	jf.header.NEntries++
	jf.header.NObjects++
	jf.header.TailObjectOffset = uint64(offset)

	if jf.cfg.Seal {
		if err := jf.writeTagLocked(seqnum, encoded); err != nil {
			return AppendResult{}, err
		}
	}

	if err := jf.writeHeaderLocked(); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Offset: offset, Seqnum: seqnum}, nil
}

// writeTagLocked appends a TAG object covering the bytes just written
// for seqnum, making the file tamper-evident (spec.md §1's opaque
// "tag-appending capability", §6 ObjectTag). One tag per entry keeps
// the sealed range small and the Sealer stateless across calls.
func (jf *File) writeTagLocked(seqnum uint64, data []byte) error {
	tag := jf.sealer.Seal(uuid.UUID(jf.header.SeqnumID), seqnum, data)
	encoded := encodeTagObject(tagObject{
		Seqnum:  seqnum,
		EpochID: jf.header.SeqnumID,
		Tag:     tag,
	})
	if err := jf.writeAtLocked(encoded); err != nil {
		return err
	}
	jf.header.NObjects++
	jf.header.NTags++
	return nil
}

func encodeKV(name string, value []byte) []byte {
	out := make([]byte, 0, len(name)+1+len(value))
	out = append(out, name...)
	out = append(out, '=')
	out = append(out, value...)
	return out
}

// internDataLocked returns the offset of a DATA object equal to raw
// that this handle already wrote (looked up in dataIndex), or writes a
// new one and records it there.
func (jf *File) internDataLocked(raw []byte) (Offset, uint64, error) {
	hash := hashPayload(raw)
	bucket := jf.dataIndex[hash%dataHashBuckets]
	for _, e := range bucket {
		if bytes.Equal(e.value, raw) {
			return e.offset, hash, nil
		}
	}

	payload := raw
	compressed := false
	if jf.cfg.Compression.Enabled && uint64(len(raw)) >= jf.compressThreshold() {
		c, err := jf.compressor.Compress(raw)
		if err == nil && len(c) < len(raw) {
			payload = c
			compressed = true
		}
	}

	d := dataObject{
		Hash:       hash,
		PayloadLen: uint64(len(raw)),
		Compressed: compressed,
		Payload:    payload,
	}
	encoded := encodeDataObject(d)
	offset := Offset(jf.writeOffset)
	if err := jf.writeAtLocked(encoded); err != nil {
		return 0, 0, err
	}
	jf.header.NObjects++
	jf.header.NData++

	key := hash % dataHashBuckets
	jf.dataIndex[key] = append(jf.dataIndex[key], dedupEntry{offset: offset, value: append([]byte(nil), raw...)})

	return offset, hash, nil
}

func (jf *File) compressThreshold() uint64 {
	if jf.cfg.Compression.Threshold == 0 {
		return defaultCompressThreshold
	}
	return jf.cfg.Compression.Threshold
}

func (jf *File) writeAtLocked(b []byte) error {
	n, err := jf.f.WriteAt(b, int64(jf.writeOffset))
	if err != nil {
		return classifyWriteError(err)
	}
	jf.writeOffset += uint64(n)
	jf.header.ArenaSize = jf.writeOffset - headerSize
	return nil
}

func classifyWriteError(err error) error {
	if os.IsNotExist(err) {
		return retryable(RetryFileDeleted, err)
	}
	// ENOSPC and EDQUOT surface as plain *PathError wrapping a
	// syscall.Errno; spec.md §4.2 treats any disk-full/quota failure
	// as retryable regardless of which specific errno fired.
	return retryable(RetryLimitReached, err)
}

// RotateSuggested reports whether the file should be rotated before
// the next write (spec.md §4.2).
func (jf *File) RotateSuggested(maxAge time.Duration) bool {
	jf.mu.Lock()
	defer jf.mu.Unlock()

	if jf.cfg.Metrics.MaxFileSize != 0 && jf.writeOffset >= jf.cfg.Metrics.MaxFileSize {
		return true
	}
	if jf.cfg.Metrics.MaxEntries != 0 && jf.header.NEntries >= jf.cfg.Metrics.MaxEntries {
		return true
	}
	age := maxAge
	if age == 0 {
		age = jf.cfg.Metrics.MaxFileAge
	}
	if age != 0 && jf.cfg.now().Sub(jf.createdAt) >= age {
		return true
	}
	return false
}

// Sync flushes the file's header and pending data to stable storage
// without changing its online/offline state (spec.md §4.3's SIGRTMIN+1
// "sync everything" handler).
func (jf *File) Sync() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.closed {
		return ErrClosed
	}
	return jf.f.Sync()
}

// Close releases the file handle. If the file is still online, it is
// offlined synchronously first (SetOffline with a nil Offliner).
func (jf *File) Close() error {
	jf.mu.Lock()
	if jf.closed {
		jf.mu.Unlock()
		return nil
	}
	if jf.header.State() == StateOnline {
		jf.mu.Unlock()
		return jf.SetOffline(nil, true)
	}
	jf.closed = true
	f := jf.f
	jf.mu.Unlock()
	return f.Close()
}

// archivedName builds the sealed, read-only name a rotate renames the
// current file to (spec.md §4.2: "@<seqnum-id>-<seqnum>-<timestamp>.journal").
func archivedName(path string, seqnumID uuid.UUID, seqnum uint64, ts time.Time) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	return filepath.Join(dir, fmt.Sprintf("%s@%s-%016x-%016x%s",
		stem, seqnumID.String(), seqnum, uint64(ts.UnixNano()), ext))
}

// sortedDirEntries is a small helper used by rotation/vacuum code to
// list archived siblings deterministically.
func sortedDirEntries(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}
