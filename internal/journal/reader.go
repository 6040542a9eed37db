package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Cursor is the narrow sequential-entry reader spec.md §1 carves out
// as an external collaborator's interface ("reader-side query API...
// presented as a sequential entry cursor over a file"). It is kept
// here, rather than behind a true external boundary, only because the
// round-trip testable properties in spec.md §8 need something to read
// back what was written; it does not grow into a query language
// (explicit Non-goal).
type Cursor struct {
	files []*cursorFile
	pos   int // index into files
	at    []Offset
	idx   int // index into at[pos]
	ok    bool
}

type cursorFile struct {
	path    string
	f       *os.File
	entries []entryLoc
}

type entryLoc struct {
	offset Offset
	eo     entryObject
}

// OpenDirCursor opens every *.journal file directly under dir
// read-only and builds a forward cursor across all of them, ordered
// by modification time (oldest first) so archived-then-live ordering
// matches the order data was actually committed, per spec.md §5
// ("Cross-file order: entries in the system file ... in the order
// they were copied"; §8 scenario 6 reads back in commit order, not
// submission order).
func OpenDirCursor(dir string) (*Cursor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		path string
		mod  int64
	}
	var cands []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".journal") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: filepath.Join(dir, e.Name()), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mod != cands[j].mod {
			return cands[i].mod < cands[j].mod
		}
		return cands[i].path < cands[j].path
	})

	c := &Cursor{}
	for _, cd := range cands {
		cf, err := openCursorFile(cd.path)
		if err != nil {
			return nil, err
		}
		c.files = append(c.files, cf)
	}
	return c, nil
}

// OpenFileCursor builds a cursor over a single file, useful for the
// Storage Policy's flush walk (spec.md §4.5).
func OpenFileCursor(path string) (*Cursor, error) {
	cf, err := openCursorFile(path)
	if err != nil {
		return nil, err
	}
	return &Cursor{files: []*cursorFile{cf}}, nil
}

func openCursorFile(path string) (*cursorFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &cursorFile{path: path, f: f, entries: entries}, nil
}

// scanEntries walks the object table linearly from just past the
// header, collecting ENTRY objects in file order. Linear scan is
// sufficient for the append-only, never-rewritten-in-place format; no
// in-file hash table is written, so there is no index to use instead.
func scanEntries(f *os.File) ([]entryLoc, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	if _, err := decodeHeader(buf); err != nil {
		return nil, err
	}

	var out []entryLoc
	off := int64(headerSize)
	size := info.Size()
	for off < size {
		hdrBuf := make([]byte, objectHeaderSize)
		if _, err := f.ReadAt(hdrBuf, off); err != nil {
			break
		}
		oh, err := readObjectHeader(hdrBuf)
		if err != nil || oh.Size == 0 {
			break
		}
		if ObjectType(oh.Type) == ObjectEntry {
			body := make([]byte, int(oh.Size)-objectHeaderSize)
			if _, err := f.ReadAt(body, off+objectHeaderSize); err != nil {
				return out, fmt.Errorf("journal: read entry at %d: %w", off, err)
			}
			eo, err := decodeEntryObject(body)
			if err != nil {
				return out, fmt.Errorf("journal: decode entry at %d: %w", off, err)
			}
			out = append(out, entryLoc{offset: Offset(off), eo: eo})
		}
		off += int64(oh.Size)
	}
	return out, nil
}

// Close releases all underlying file handles.
func (c *Cursor) Close() error {
	var first error
	for _, cf := range c.files {
		if err := cf.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SeekHead moves the cursor before the first entry; Next must follow.
func (c *Cursor) SeekHead() {
	c.pos, c.idx, c.ok = 0, -1, false
}

// SeekTail moves the cursor after the last entry; Previous must follow.
func (c *Cursor) SeekTail() {
	c.pos = len(c.files) - 1
	if c.pos < 0 {
		c.pos = 0
	}
	c.idx = len(c.currentEntries())
	c.ok = false
}

func (c *Cursor) currentEntries() []entryLoc {
	if c.pos < 0 || c.pos >= len(c.files) {
		return nil
	}
	return c.files[c.pos].entries
}

// Next advances to the next entry across file boundaries.
func (c *Cursor) Next() bool {
	for c.pos < len(c.files) {
		entries := c.currentEntries()
		if c.idx+1 < len(entries) {
			c.idx++
			c.ok = true
			return true
		}
		c.pos++
		c.idx = -1
	}
	c.ok = false
	return false
}

// Previous moves to the previous entry across file boundaries.
func (c *Cursor) Previous() bool {
	for c.pos >= 0 {
		if c.idx-1 >= 0 {
			c.idx--
			c.ok = true
			return true
		}
		c.pos--
		if c.pos >= 0 {
			c.idx = len(c.currentEntries())
		}
	}
	c.ok = false
	return false
}

// PreviousSkip moves back n entries (spec.md §8 scenario 1's
// "seek_tail; previous_skip(4)").
func (c *Cursor) PreviousSkip(n int) bool {
	ok := false
	for i := 0; i < n; i++ {
		if !c.Previous() {
			return ok
		}
		ok = true
	}
	return ok
}

// CurrentOffset returns the byte offset of the entry the cursor is
// currently positioned on, valid for CopyEntry against a
// single-file cursor (the Storage Policy flush walk, spec.md §4.5).
func (c *Cursor) CurrentOffset() (Offset, error) {
	if !c.ok {
		return 0, fmt.Errorf("journal: cursor not positioned on an entry")
	}
	return c.currentEntries()[c.idx].offset, nil
}

// CurrentPath returns the path of the file the cursor is currently
// positioned in.
func (c *Cursor) CurrentPath() string {
	if c.pos < 0 || c.pos >= len(c.files) {
		return ""
	}
	return c.files[c.pos].path
}

// Entry returns the current entry's seqnum, realtime (microseconds
// since epoch), and ordered (name, value) items.
func (c *Cursor) Entry() (seqnum uint64, realtimeUsec uint64, items [][2][]byte, err error) {
	if !c.ok {
		return 0, 0, nil, fmt.Errorf("journal: cursor not positioned on an entry")
	}
	loc := c.currentEntries()[c.idx]
	cf := c.files[c.pos]

	items = make([][2][]byte, 0, len(loc.eo.Items))
	for _, it := range loc.eo.Items {
		raw, err := readDataAt(cf.f, it.Offset)
		if err != nil {
			return 0, 0, nil, err
		}
		name, value, err := splitKV(raw)
		if err != nil {
			return 0, 0, nil, err
		}
		items = append(items, [2][]byte{[]byte(name), value})
	}
	return loc.eo.Seqnum, loc.eo.Realtime, items, nil
}

// readEntryAt reads one entry at offset from the cursor's (single)
// underlying file, decoding its items as raw "NAME=value" bytes, for
// CopyEntry's use.
func (c *Cursor) readEntryAt(offset Offset) (entryObject, [][]byte, error) {
	if len(c.files) != 1 {
		return entryObject{}, nil, fmt.Errorf("journal: readEntryAt requires a single-file cursor")
	}
	cf := c.files[0]
	hdrBuf := make([]byte, objectHeaderSize)
	if _, err := cf.f.ReadAt(hdrBuf, int64(offset)); err != nil {
		return entryObject{}, nil, err
	}
	oh, err := readObjectHeader(hdrBuf)
	if err != nil {
		return entryObject{}, nil, err
	}
	body := make([]byte, int(oh.Size)-objectHeaderSize)
	if _, err := cf.f.ReadAt(body, int64(offset)+objectHeaderSize); err != nil {
		return entryObject{}, nil, err
	}
	eo, err := decodeEntryObject(body)
	if err != nil {
		return entryObject{}, nil, err
	}
	items := make([][]byte, 0, len(eo.Items))
	for _, it := range eo.Items {
		raw, err := readDataAt(cf.f, it.Offset)
		if err != nil {
			return entryObject{}, nil, err
		}
		items = append(items, raw)
	}
	return eo, items, nil
}

func readDataAt(f *os.File, offset Offset) ([]byte, error) {
	hdrBuf := make([]byte, objectHeaderSize)
	if _, err := f.ReadAt(hdrBuf, int64(offset)); err != nil {
		return nil, err
	}
	oh, err := readObjectHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if ObjectType(oh.Type) != ObjectData {
		return nil, fmt.Errorf("journal: offset %d is not a DATA object", offset)
	}
	body := make([]byte, int(oh.Size)-objectHeaderSize)
	if _, err := f.ReadAt(body, int64(offset)+objectHeaderSize); err != nil {
		return nil, err
	}
	d, err := decodeDataObject(oh.Flags, body)
	if err != nil {
		return nil, err
	}
	if !d.Compressed {
		return d.Payload, nil
	}
	dec := newZstdCompressor()
	out, err := dec.Decompress(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("journal: decompress at %d: %w", offset, err)
	}
	return out, nil
}

