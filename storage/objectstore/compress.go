package objectstore

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoders and decoders are safe for concurrent EncodeAll/DecodeAll calls,
// so one of each is shared by the package.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compress(data []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", algorithm)
	}
}

// decompress reverses compress and checks the result length.
func decompress(data []byte, algorithm string, expectedSize int) ([]byte, error) {
	var out []byte
	switch algorithm {
	case "", CompressionNone:
		out = data
	case CompressionZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		out, err = dec.DecodeAll(data, make([]byte, 0, expectedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression %q", algorithm)
	}
	if expectedSize >= 0 && len(out) != expectedSize {
		return nil, fmt.Errorf("payload size %d does not match expected %d", len(out), expectedSize)
	}
	return out, nil
}
