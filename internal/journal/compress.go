package journal

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor is the opaque byte-in/byte-out capability spec.md §1
// treats compression as: "compression algorithm internals... treated
// as an opaque byte-in/byte-out capability with a size threshold."
type Compressor interface {
	Compress(p []byte) ([]byte, error)
	Decompress(p []byte) ([]byte, error)
}

// CompressionConfig controls whether and above what size values are
// compressed (spec.md §6 Compress config, §8 boundary behaviors).
type CompressionConfig struct {
	Enabled   bool
	Threshold uint64
}

// defaultCompressThreshold is used when Compress=1 (bool true with no
// explicit size), spec.md §8.
const defaultCompressThreshold = 512

// zstdCompressor is the default Compressor backend, grounded on the
// teacher stack's use of klauspost/compress for logger payloads.
type zstdCompressor struct {
	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
	encErr  error
	decErr  error
}

func newZstdCompressor() *zstdCompressor {
	return &zstdCompressor{}
}

func (z *zstdCompressor) encoder() (*zstd.Encoder, error) {
	z.encOnce.Do(func() {
		z.enc, z.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return z.enc, z.encErr
}

func (z *zstdCompressor) decoder() (*zstd.Decoder, error) {
	z.decOnce.Do(func() {
		z.dec, z.decErr = zstd.NewReader(nil)
	})
	return z.dec, z.decErr
}

func (z *zstdCompressor) Compress(p []byte) ([]byte, error) {
	enc, err := z.encoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(p, nil), nil
}

func (z *zstdCompressor) Decompress(p []byte) ([]byte, error) {
	dec, err := z.decoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(p, nil)
}

// noopCompressor is used when compression is disabled.
type noopCompressor struct{}

func (noopCompressor) Compress(p []byte) ([]byte, error)   { return p, nil }
func (noopCompressor) Decompress(p []byte) ([]byte, error) { return p, nil }
