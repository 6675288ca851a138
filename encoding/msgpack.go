// Package encoding provides centralized serialization for feedsync.
// ALL wire payloads go through this package so every transport agrees on
// the msgpack options and the compression framing.
//
// Thread Safety: all functions are safe for concurrent use.
package encoding

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame flags prefixed to every encoded payload.
const (
	frameRaw = 0x00 // payload follows uncompressed
	frameS2  = 0x01 // payload is s2-compressed
)

// compressThreshold is the payload size above which frames are s2-compressed.
// Row snapshots for counter feeds are tiny; list feeds with text bodies are not.
const compressThreshold = 512

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings
// (not []byte) so row snapshot values compare naturally against query
// results from database/sql.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// MarshalFrame encodes a value and wraps it in a compression frame.
// Small payloads are sent raw; larger ones are s2-compressed.
func MarshalFrame(v interface{}) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	if len(payload) < compressThreshold {
		out := make([]byte, 0, len(payload)+1)
		out = append(out, frameRaw)
		return append(out, payload...), nil
	}

	compressed := s2.Encode(nil, payload)
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, frameS2)
	return append(out, compressed...), nil
}

// UnmarshalFrame decodes a framed payload produced by MarshalFrame.
func UnmarshalFrame(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty frame")
	}

	switch data[0] {
	case frameRaw:
		return Unmarshal(data[1:], v)
	case frameS2:
		payload, err := s2.Decode(nil, data[1:])
		if err != nil {
			return fmt.Errorf("failed to decompress frame: %w", err)
		}
		return Unmarshal(payload, v)
	default:
		return fmt.Errorf("unknown frame flag: 0x%02x", data[0])
	}
}
