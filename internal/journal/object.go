package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// ObjectType tags the kind of object stored at a given file offset
// (spec.md §6).
type ObjectType uint8

const (
	ObjectData ObjectType = iota + 1
	ObjectField
	ObjectEntry
	ObjectDataHashTable
	ObjectFieldHashTable
	ObjectEntryArray
	ObjectTag
)

// Object flag bits. Bit 0-3 carry the compression algorithm id when
// set (spec.md §6 "Flags carry the compression algorithm identifier").
const (
	objFlagCompressedZstd uint8 = 1 << 0
)

// objectHeader is the common 16-byte prefix of every object
// (spec.md §6: "uint8 type, uint8 flags, uint8[6] reserved, uint64 size").
type objectHeader struct {
	Type     uint8
	Flags    uint8
	Reserved [6]byte
	Size     uint64 // total size including this header
}

const objectHeaderSize = 16

// Offset is a byte offset into a journal file. It is a distinct type
// from an in-memory slice index so cyclic structures (hash chains,
// entry arrays) are never mistaken for pointers into a Go slice
// (spec.md §9 design note).
type Offset uint64

// dataObject is the decoded form of an ObjectData payload.
type dataObject struct {
	Hash        uint64 // hash of the uncompressed payload
	NextHash    Offset // next object in this hash bucket's chain
	PayloadLen  uint64 // uncompressed length
	Compressed  bool
	Payload     []byte // on-disk bytes: raw, or compressed if Compressed
}

func hashPayload(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func encodeDataObject(d dataObject) []byte {
	body := new(bytes.Buffer)
	_ = binary.Write(body, binary.LittleEndian, d.Hash)
	_ = binary.Write(body, binary.LittleEndian, uint64(d.NextHash))
	_ = binary.Write(body, binary.LittleEndian, d.PayloadLen)
	body.Write(d.Payload)

	flags := uint8(0)
	if d.Compressed {
		flags |= objFlagCompressedZstd
	}
	return wrapObject(ObjectData, flags, body.Bytes())
}

func decodeDataObject(flags uint8, body []byte) (dataObject, error) {
	r := bytes.NewReader(body)
	var d dataObject
	var next uint64
	if err := binary.Read(r, binary.LittleEndian, &d.Hash); err != nil {
		return d, err
	}
	if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
		return d, err
	}
	d.NextHash = Offset(next)
	if err := binary.Read(r, binary.LittleEndian, &d.PayloadLen); err != nil {
		return d, err
	}
	d.Compressed = flags&objFlagCompressedZstd != 0
	d.Payload = append([]byte(nil), body[len(body)-r.Len():]...)
	return d, nil
}

// entryItem references one DATA object from an ENTRY object.
type entryItem struct {
	Offset Offset
	Hash   uint64
}

// entryObject is the decoded form of an ObjectEntry payload
// (spec.md §3 Entry, §6).
type entryObject struct {
	Seqnum    uint64
	Realtime  uint64 // microseconds since epoch
	Monotonic uint64 // AppendEntry stores the realtime microseconds here too
	BootID    [16]byte
	XorHash   uint64
	Items     []entryItem
}

func encodeEntryObject(e entryObject) []byte {
	body := new(bytes.Buffer)
	_ = binary.Write(body, binary.LittleEndian, e.Seqnum)
	_ = binary.Write(body, binary.LittleEndian, e.Realtime)
	_ = binary.Write(body, binary.LittleEndian, e.Monotonic)
	body.Write(e.BootID[:])
	_ = binary.Write(body, binary.LittleEndian, e.XorHash)
	_ = binary.Write(body, binary.LittleEndian, uint64(len(e.Items)))
	for _, it := range e.Items {
		_ = binary.Write(body, binary.LittleEndian, uint64(it.Offset))
		_ = binary.Write(body, binary.LittleEndian, it.Hash)
	}
	return wrapObject(ObjectEntry, 0, body.Bytes())
}

func decodeEntryObject(body []byte) (entryObject, error) {
	r := bytes.NewReader(body)
	var e entryObject
	if err := binary.Read(r, binary.LittleEndian, &e.Seqnum); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Realtime); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Monotonic); err != nil {
		return e, err
	}
	if _, err := r.Read(e.BootID[:]); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.XorHash); err != nil {
		return e, err
	}
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return e, err
	}
	e.Items = make([]entryItem, n)
	for i := range e.Items {
		var off, h uint64
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return e, err
		}
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			return e, err
		}
		e.Items[i] = entryItem{Offset: Offset(off), Hash: h}
	}
	return e, nil
}

// hashTableObject is a fixed-size bucket array; each bucket holds the
// offset of the head of its collision chain (0 = empty). File does not
// write hash-table objects: it leaves dataObject.NextHash and the
// header's hash-table offsets zero and dedups through its in-memory
// dataIndex instead.
type hashTableObject struct {
	Buckets []Offset
}

func encodeHashTableObject(h hashTableObject) []byte {
	body := new(bytes.Buffer)
	_ = binary.Write(body, binary.LittleEndian, uint64(len(h.Buckets)))
	for _, b := range h.Buckets {
		_ = binary.Write(body, binary.LittleEndian, uint64(b))
	}
	return wrapObject(ObjectDataHashTable, 0, body.Bytes())
}

func decodeHashTableObject(body []byte) (hashTableObject, error) {
	r := bytes.NewReader(body)
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return hashTableObject{}, err
	}
	buckets := make([]Offset, n)
	for i := range buckets {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return hashTableObject{}, err
		}
		buckets[i] = Offset(v)
	}
	return hashTableObject{Buckets: buckets}, nil
}

// tagObject is the opaque sealing capability's on-disk record
// (spec.md §1 "trust-anchor/sealing cryptography... presented as a
// tag-appending capability").
type tagObject struct {
	Seqnum uint64
	EpochID [16]byte
	Tag     [32]byte
}

func encodeTagObject(t tagObject) []byte {
	body := new(bytes.Buffer)
	_ = binary.Write(body, binary.LittleEndian, t.Seqnum)
	body.Write(t.EpochID[:])
	body.Write(t.Tag[:])
	return wrapObject(ObjectTag, 0, body.Bytes())
}

func wrapObject(t ObjectType, flags uint8, body []byte) []byte {
	size := objectHeaderSize + len(body)
	// 8-byte alignment, spec.md §6.
	pad := (8 - size%8) % 8
	out := make([]byte, 0, size+pad)

	hdr := objectHeader{Type: uint8(t), Flags: flags, Size: uint64(size + pad)}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, hdr)
	out = append(out, buf.Bytes()...)
	out = append(out, body...)
	out = append(out, make([]byte, pad)...)
	return out
}

func readObjectHeader(b []byte) (objectHeader, error) {
	if len(b) < objectHeaderSize {
		return objectHeader{}, fmt.Errorf("journal: short object header")
	}
	var h objectHeader
	if err := binary.Read(bytes.NewReader(b[:objectHeaderSize]), binary.LittleEndian, &h); err != nil {
		return objectHeader{}, err
	}
	return h, nil
}
