// Package ingest holds the agent batch envelope and its payload codec.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"ravenhub/internal/database"
)

// ErrPayload is returned when a payload cannot be decompressed or decoded.
var ErrPayload = errors.New("malformed payload")

// Batch is the envelope one agent submits per delivery. Reported samples
// point at their series through SeriesID, which is the agent's own id of the
// reported HostSeries.
type Batch struct {
	AgentID       string                `json:"agent_id"`
	AuthKey       string                `json:"auth_key"`
	Series        []database.HostSeries `json:"series"`
	Samples       []database.Sample     `json:"samples"`
	SwapHostIDs   []uint64              `json:"swap_host_ids,omitempty"`
	RemoveHostIDs []uint64              `json:"remove_host_ids,omitempty"`
}

// Encoding identifies how a payload is compressed.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingGzip
	EncodingZstd
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingGzip:
		return "gzip"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Shared zstd state. Both are safe for concurrent DecodeAll/EncodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("ingest: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
	)
	if err != nil {
		panic("ingest: zstd decoder initialization failed: " + err.Error())
	}
}

// Sniff reports the encoding of payload from its magic bytes.
func Sniff(payload []byte) Encoding {
	switch {
	case bytes.HasPrefix(payload, zstdMagic):
		return EncodingZstd
	case bytes.HasPrefix(payload, gzipMagic):
		return EncodingGzip
	default:
		return EncodingJSON
	}
}

// DecodeBatch decompresses and decodes payload. maxSize bounds the
// decompressed size; zero disables the check.
func DecodeBatch(payload []byte, maxSize int64) (*Batch, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrPayload)
	}

	raw, err := decompress(payload, maxSize)
	if err != nil {
		return nil, err
	}

	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	return &batch, nil
}

func decompress(payload []byte, maxSize int64) ([]byte, error) {
	var raw []byte

	switch enc := Sniff(payload); enc {
	case EncodingZstd:
		var err error
		if maxSize > 0 {
			raw, err = decompressZstdBounded(payload, maxSize)
		} else {
			raw, err = zstdDecoder.DecodeAll(payload, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrPayload, err)
		}

	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrPayload, err)
		}
		defer zr.Close()

		var r io.Reader = zr
		if maxSize > 0 {
			r = io.LimitReader(zr, maxSize+1)
		}
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrPayload, err)
		}

	default:
		raw = payload
	}

	if maxSize > 0 && int64(len(raw)) > maxSize {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrPayload, maxSize)
	}
	return raw, nil
}

// zstdStreamWindow is the window a default streaming encoder writes with.
const zstdStreamWindow = 8 << 20

// decompressZstdBounded streams the frame so no more than maxSize+1 bytes
// are ever materialized, whatever the frame declares.
func decompressZstdBounded(payload []byte, maxSize int64) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(payload),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxWindow(uint64(max(maxSize, zstdStreamWindow))),
	)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return io.ReadAll(io.LimitReader(dec, maxSize+1))
}

// EncodeBatch serializes batch the way agents deliver it.
func EncodeBatch(batch *Batch, enc Encoding) ([]byte, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	switch enc {
	case EncodingJSON:
		return raw, nil

	case EncodingZstd:
		return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil

	case EncodingGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("failed to gzip batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to gzip batch: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported encoding %s", enc)
	}
}

// Digest fingerprints a raw payload for log and acknowledgement correlation.
func Digest(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}
