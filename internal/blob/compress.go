package blob

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressAlgorithm selects how record payloads are encoded on disk. The
// algorithm is fixed at storage creation and recorded in the info sidecar.
type CompressAlgorithm uint8

const (
	CompNone CompressAlgorithm = iota
	CompSnappy
	CompLz4
)

func (c CompressAlgorithm) String() string {
	switch c {
	case CompNone:
		return "none"
	case CompSnappy:
		return "snappy"
	case CompLz4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompressAlgorithm is the inverse of String.
func ParseCompressAlgorithm(s string) (CompressAlgorithm, error) {
	switch s {
	case "none", "":
		return CompNone, nil
	case "snappy":
		return CompSnappy, nil
	case "lz4":
		return CompLz4, nil
	default:
		return CompNone, errors.Errorf("unknown compression algorithm %q", s)
	}
}

// Codec compresses and decompresses record payloads.
type Codec interface {
	Algorithm() CompressAlgorithm
	Compress(in []byte) []byte
	Decompress(in []byte) ([]byte, error)
}

// NewCodec returns the codec for an algorithm.
func NewCodec(a CompressAlgorithm) Codec {
	switch a {
	case CompSnappy:
		return snappyCodec{}
	case CompLz4:
		return lz4Codec{}
	default:
		return noneCodec{}
	}
}

type noneCodec struct{}

func (noneCodec) Algorithm() CompressAlgorithm     { return CompNone }
func (noneCodec) Compress(in []byte) []byte        { return in }
func (noneCodec) Decompress(in []byte) ([]byte, error) { return in, nil }

type snappyCodec struct{}

func (snappyCodec) Algorithm() CompressAlgorithm { return CompSnappy }

func (snappyCodec) Compress(in []byte) []byte {
	return snappy.Encode(nil, in)
}

func (snappyCodec) Decompress(in []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, in)
	return out, errors.Wrap(err, "snappy decode")
}

type lz4Codec struct{}

func (lz4Codec) Algorithm() CompressAlgorithm { return CompLz4 }

func (lz4Codec) Compress(in []byte) []byte {
	buf := &bytes.Buffer{}
	writer := lz4.NewWriter(buf)
	writer.NoChecksum = true
	if _, err := writer.Write(in); err != nil {
		panic(err)
	}
	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (lz4Codec) Decompress(in []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(lz4.NewReader(bytes.NewReader(in))); err != nil {
		return nil, errors.Wrap(err, "lz4 decode")
	}
	return buf.Bytes(), nil
}
