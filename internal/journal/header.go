package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// magic identifies a journal file; spec.md §6 "8-byte magic".
var magic = [8]byte{'L', 'J', 'N', 'L', '1', '0', '0', '0'}

// State is the header's offline/online/archived indicator
// (spec.md §3 Header.state, §4.2 state machine).
type State uint8

const (
	StateOffline State = iota
	StateOnline
	StateArchived
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnline:
		return "online"
	case StateArchived:
		return "archived"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Compatible and incompatible feature bits (spec.md §3 Header).
const (
	CompatFlagSealed uint32 = 1 << 0

	IncompatFlagCompressedZstd uint32 = 1 << 0
)

// headerSize is the fixed on-disk size of Header, kept 8-byte aligned
// per spec.md §6. stateRegion is 32 bytes wide as named there; only
// the first byte is used today, the rest is reserved.
const headerSize = 384

// Header is the fixed header written at offset 0 of every journal
// file (spec.md §3/§6). Every field is fixed width so it encodes with
// a single binary.Write/Read and keeps the file bit-exact.
type Header struct {
	Magic              [8]byte
	CompatibleFlags    uint32
	IncompatibleFlags  uint32
	StateRegion        [32]byte // StateRegion[0] is the State byte
	FileID             [16]byte
	MachineID          [16]byte
	BootID             [16]byte
	SeqnumID           [16]byte
	HeaderSize         uint64
	ArenaSize          uint64
	DataHashTableOff   uint64
	DataHashTableSize  uint64
	FieldHashTableOff  uint64
	FieldHashTableSize uint64
	TailObjectOffset   uint64
	NObjects           uint64
	NEntries           uint64
	TailEntrySeqnum    uint64
	HeadEntrySeqnum    uint64
	EntryArrayOffset   uint64
	HeadEntryRealtime  uint64
	TailEntryRealtime  uint64
	TailEntryMonotonic uint64
	NData              uint64
	NFields            uint64
	NTags              uint64
	NEntryArrays       uint64

	_ [headerSize - 8 - 4 - 4 - 32 - 16*4 - 8*19]byte // pad to headerSize
}

func (h *Header) State() State {
	return State(h.StateRegion[0])
}

func (h *Header) SetState(s State) {
	h.StateRegion[0] = byte(s)
}

// newHeader initializes a fresh header for a new file, either minting
// a new seqnum-id or inheriting one from a predecessor (spec.md
// "seqnum-id: the 128-bit identifier shared by a file and its
// successors created via rotate").
func newHeader(machineID, bootID, seqnumID uuid.UUID, compat, incompat uint32) Header {
	var h Header
	h.Magic = magic
	h.CompatibleFlags = compat
	h.IncompatibleFlags = incompat
	h.SetState(StateOffline)
	copy(h.FileID[:], mustUUID()[:])
	copy(h.MachineID[:], machineID[:])
	copy(h.BootID[:], bootID[:])
	copy(h.SeqnumID[:], seqnumID[:])
	h.HeaderSize = headerSize
	return h
}

func mustUUID() uuid.UUID {
	return uuid.New()
}

func encodeHeader(h *Header) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(headerSize)
	// binary.Write never fails for fixed-size types written to a
	// bytes.Buffer.
	_ = binary.Write(buf, binary.LittleEndian, h)
	out := buf.Bytes()
	if len(out) < headerSize {
		out = append(out, make([]byte, headerSize-len(out))...)
	}
	return out[:headerSize]
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("journal: short header: %d bytes", len(b))
	}
	var h Header
	if err := binary.Read(bytes.NewReader(b[:headerSize]), binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("journal: decode header: %w", err)
	}
	if h.Magic != magic {
		return Header{}, ErrNotAJournal
	}
	return h, nil
}
