package transform

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	Magic   = "LCT1"
	Version = 1
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgZstd = 1
)

// ErrEnvelope indicates a stored payload that cannot be decoded. Callers
// treat it as a corruption signal: the bytes under a content address no
// longer decode to what was committed.
var ErrEnvelope = errors.New("transform: invalid payload envelope")

// Transform encodes and decodes tier payloads at rest.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New builds a transform by config name.
func New(name string, zstdLevel int) (Transform, error) {
	switch name {
	case "zstd":
		return NewZstd(zstdLevel), nil
	case "none", "":
		return NewNone(), nil
	default:
		return nil, fmt.Errorf("unsupported transform: %s", name)
	}
}

// None transform doesn't apply any transformation.
type noneTransform struct{}

func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string                         { return "none" }
func (t *noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (t *noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

// Zstd transform applies zstd compression.
type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstd(level int) Transform {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd writer: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd reader: %v", err))
	}
	return &zstdTransform{
		encoder: enc,
		decoder: dec,
	}
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	compressed := t.encoder.EncodeAll(plain, nil)

	envelope := make([]byte, 0, 7+len(compressed))
	envelope = append(envelope, Magic...)
	envelope = append(envelope, Version, FlagCompressed, AlgZstd)
	envelope = append(envelope, compressed...)

	return envelope, nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < 7 {
		return nil, fmt.Errorf("%w: payload too small for envelope", ErrEnvelope)
	}

	if string(stored[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", ErrEnvelope)
	}

	if stored[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrEnvelope, stored[4])
	}

	flags := stored[5]
	alg := stored[6]
	payload := stored[7:]

	if flags&FlagCompressed != 0 {
		if alg != AlgZstd {
			return nil, fmt.Errorf("%w: unsupported compression algorithm %d", ErrEnvelope, alg)
		}
		return t.decoder.DecodeAll(payload, nil)
	}

	return payload, nil
}
