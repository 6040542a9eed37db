package journal

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/google/uuid"
)

// Sealer is the tag-appending capability spec.md §1 treats as an
// external collaborator: "trust-anchor/sealing cryptography
// (presented as a tag-appending capability)". The journal file only
// needs to know how to produce a tag over one entry's encoded bytes;
// it has no opinion on key management.
type Sealer interface {
	// Seal returns the tag for the given epoch, seqnum and entry bytes.
	// File passes the encoded ENTRY object only; the DATA objects it
	// references are not part of data.
	Seal(epochID uuid.UUID, seqnum uint64, data []byte) [32]byte
}

// noopSealer disables sealing.
type noopSealer struct{}

func (noopSealer) Seal(uuid.UUID, uint64, []byte) [32]byte { return [32]byte{} }

// HMACSealer is a concrete Sealer backed by stdlib crypto/hmac. No
// pack dependency provides a trust-anchor/TPM-backed sealing key
// primitive (see DESIGN.md); a fixed or operator-supplied key HMAC is
// the closest honest implementation of the opaque capability the spec
// describes, without inventing a fake crypto library.
type HMACSealer struct {
	key []byte
}

func NewHMACSealer(key []byte) *HMACSealer {
	return &HMACSealer{key: key}
}

func (s *HMACSealer) Seal(epochID uuid.UUID, seqnum uint64, data []byte) [32]byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(epochID[:])
	var seqBuf [8]byte
	for i := range seqBuf {
		seqBuf[i] = byte(seqnum >> (8 * i))
	}
	mac.Write(seqBuf[:])
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
