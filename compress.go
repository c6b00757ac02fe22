package kvtab

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to record payloads that reach
// Options.CompressionThreshold bytes.
type Compression uint8

const (
	CompressNone Compression = 0
	CompressZstd Compression = 1
	CompressLZ4  Compression = 2

	maxCompression = CompressLZ4

	defaultCompressionThreshold = 256
	maxDecompressedSize         = 64 << 20
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressZstd:
		return "zstd"
	case CompressLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression%d", int(c))
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	return must(zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1)))
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	return must(zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecompressedSize)))
}

// compress appends the compressed form of data to buf. It returns ok=false
// when the codec could not shrink the data.
func (c Compression) compress(buf, data []byte) ([]byte, bool, error) {
	switch c {
	case CompressZstd:
		enc := getZstdEncoder()
		out := enc.EncodeAll(data, buf)
		zstdEncoderPool.Put(enc)
		return out, len(out)-len(buf) < len(data), nil
	case CompressLZ4:
		off, out := grow(buf, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, out[off:], nil)
		if err != nil {
			return nil, false, err
		}
		if n == 0 || n >= len(data) {
			return buf, false, nil
		}
		return out[:off+n], true, nil
	default:
		return buf, false, nil
	}
}

func (c Compression) decompress(data []byte, rawSize int) ([]byte, error) {
	if rawSize > maxDecompressedSize {
		return nil, fmt.Errorf("decompressed size %d exceeds limit", rawSize)
	}
	switch c {
	case CompressZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(data, make([]byte, 0, rawSize))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, err
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("decompressed size mismatch: got %d, expected %d", len(out), rawSize)
		}
		return out, nil
	case CompressLZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, err
		}
		if n != rawSize {
			return nil, fmt.Errorf("decompressed size mismatch: got %d, expected %d", n, rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %v", c)
	}
}
