package frame

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

const compressionThreshold = 1024 // only compress payloads > 1KB

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

// Compress compresses payload with zstd if it exceeds the threshold.
// Returns (compressed data, true) if compression helped, or (original, false).
func Compress(payload []byte) ([]byte, bool) {
	if len(payload) <= compressionThreshold {
		return payload, false
	}

	compressed := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// Decompress decompresses a zstd-compressed payload.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}

// IsCompressed reports whether data starts with the zstd frame magic.
// A JSON frame always starts with '{' or whitespace, so the check is
// unambiguous.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}
