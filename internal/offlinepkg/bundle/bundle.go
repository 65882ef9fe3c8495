// Package bundle turns a Bundle into package bytes and back: deterministic
// CBOR, zstd compression and a BLAKE3 digest over the compressed bytes.
package bundle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"exambridge/internal/offlinepkg/models"
	"exambridge/pkg/platform/codec"
)

// MaxDecodedSize bounds decompression of an untrusted bundle.
const MaxDecodedSize = 256 << 20

var ErrDigestMismatch = errors.New("bundle digest mismatch")

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bundle: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		panic("bundle: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode returns the compressed bundle and its digest.
func Encode(b *models.Bundle) (data, digest []byte, err error) {
	raw, err := codec.Marshal(b)
	if err != nil {
		return nil, nil, fmt.Errorf("encode bundle: %w", err)
	}
	data = encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	return data, Digest(data), nil
}

// Decode verifies data against digest before decompressing it.
func Decode(data, digest []byte) (*models.Bundle, error) {
	if !bytes.Equal(Digest(data), digest) {
		return nil, ErrDigestMismatch
	}
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var b models.Bundle
	if err := codec.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Format != models.BundleFormat {
		return nil, fmt.Errorf("bundle format %d is not supported (expected %d)", b.Format, models.BundleFormat)
	}
	return &b, nil
}

func Digest(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}
