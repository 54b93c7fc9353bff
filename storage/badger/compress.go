// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the codec for stored message bodies.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

type bodyCodec struct {
	kind      Compression
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newBodyCodec(kind Compression, threshold int) (*bodyCodec, error) {
	c := &bodyCodec{kind: kind, threshold: threshold}
	switch kind {
	case "", CompressionNone:
		c.kind = CompressionNone
	case CompressionS2:
	case CompressionZstd:
		var err error
		c.enc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression %q", kind)
	}
	return c, nil
}

// compress returns the encoded body and the codec used, which is
// CompressionNone for bodies below the threshold.
func (c *bodyCodec) compress(body []byte) ([]byte, Compression) {
	if c.kind == CompressionNone || len(body) < c.threshold || len(body) == 0 {
		return body, CompressionNone
	}
	switch c.kind {
	case CompressionS2:
		return s2.Encode(nil, body), CompressionS2
	case CompressionZstd:
		return c.enc.EncodeAll(body, nil), CompressionZstd
	}
	return body, CompressionNone
}

func (c *bodyCodec) decompress(body []byte, kind Compression) ([]byte, error) {
	switch kind {
	case "", CompressionNone:
		return body, nil
	case CompressionS2:
		return s2.Decode(nil, body)
	case CompressionZstd:
		if c.dec == nil {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			c.dec = dec
		}
		return c.dec.DecodeAll(body, nil)
	}
	return nil, fmt.Errorf("unknown compression %q", kind)
}
