// Package persist serializes state to files through pluggable codecs.
package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// File extensions for supported codecs.
const (
	jsonExtension = ".json"
	gobExtension  = ".gob"
	lz4Extension  = ".lz4"
)

const defaultIndent = "  "

// A frame is a three byte magic, a mode byte, the little-endian raw length
// and the payload.
const (
	lz4Magic      = "LNZ"
	modeBlock     = 'B'
	modeStored    = 'S'
	lz4HeaderSize = 8
)

// maxFrameSize is one past the largest raw length a frame header can carry.
const maxFrameSize = 1 << 32

// ErrBadFrame is returned for compressed data that is truncated or was not
// written by LZ4Codec.
var ErrBadFrame = errors.New("bad lz4 frame")

// Codec serializes state.
type Codec interface {
	Encode(w io.Writer, state any) error
	Decode(r io.Reader, state any) error
	// Extension is the file suffix written by this codec, e.g. ".json".
	Extension() string
}

// JSONCodec encodes state as JSON.
type JSONCodec struct {
	// Indent is the per-level indentation; empty writes compact JSON.
	Indent string
}

// NewJSONCodec returns a JSON codec that pretty-prints with two spaces.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.
func (c *JSONCodec) Encode(w io.Writer, state any) error {
	enc := json.NewEncoder(w)
	if c.Indent != "" {
		enc.SetIndent("", c.Indent)
	}

	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.
func (c *JSONCodec) Decode(r io.Reader, state any) error {
	if err := json.NewDecoder(r).Decode(state); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.
func (c *JSONCodec) Extension() string { return jsonExtension }

// GobCodec encodes state with encoding/gob.
type GobCodec struct{}

// NewGobCodec returns a gob codec.
func NewGobCodec() *GobCodec { return &GobCodec{} }

// Encode implements Codec.
func (c *GobCodec) Encode(w io.Writer, state any) error {
	if err := gob.NewEncoder(w).Encode(state); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}

	return nil
}

// Decode implements Codec.
func (c *GobCodec) Decode(r io.Reader, state any) error {
	if err := gob.NewDecoder(r).Decode(state); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}

	return nil
}

// Extension implements Codec.
func (c *GobCodec) Extension() string { return gobExtension }

// LZ4Codec compresses the output of another codec as a single lz4 block.
type LZ4Codec struct {
	Inner Codec
}

// NewLZ4Codec wraps inner with lz4 block compression.
func NewLZ4Codec(inner Codec) *LZ4Codec {
	return &LZ4Codec{Inner: inner}
}

// Encode implements Codec.
func (c *LZ4Codec) Encode(w io.Writer, state any) error {
	var raw bytes.Buffer

	if err := c.Inner.Encode(&raw, state); err != nil {
		return err
	}

	if uint64(raw.Len()) >= maxFrameSize {
		return fmt.Errorf("lz4 compress: %w: state too large", ErrBadFrame)
	}

	frame := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(raw.Len()))
	copy(frame, lz4Magic)
	frame[len(lz4Magic)] = modeBlock
	binary.LittleEndian.PutUint32(frame[len(lz4Magic)+1:], uint32(raw.Len())) //nolint:gosec // checked above

	written, err := lz4.CompressBlock(raw.Bytes(), frame[lz4HeaderSize:], nil)
	if err != nil {
		return fmt.Errorf("lz4 compress: %w", err)
	}

	if written == 0 {
		// Incompressible.
		frame[len(lz4Magic)] = modeStored
		frame = append(frame[:lz4HeaderSize], raw.Bytes()...)
	} else {
		frame = frame[:lz4HeaderSize+written]
	}

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("lz4 write: %w", err)
	}

	return nil
}

// Decode implements Codec.
func (c *LZ4Codec) Decode(r io.Reader, state any) error {
	frame, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("lz4 read: %w", err)
	}

	if len(frame) < lz4HeaderSize || string(frame[:len(lz4Magic)]) != lz4Magic {
		return ErrBadFrame
	}

	size := binary.LittleEndian.Uint32(frame[len(lz4Magic)+1 : lz4HeaderSize])
	body := frame[lz4HeaderSize:]

	var raw []byte

	switch frame[len(lz4Magic)] {
	case modeStored:
		if len(body) != int(size) {
			return ErrBadFrame
		}

		raw = body
	case modeBlock:
		raw = make([]byte, size)

		n, uerr := lz4.UncompressBlock(body, raw)
		if uerr != nil {
			return fmt.Errorf("%w: %w", ErrBadFrame, uerr)
		}

		if n != int(size) {
			return ErrBadFrame
		}
	default:
		return ErrBadFrame
	}

	return c.Inner.Decode(bytes.NewReader(raw), state)
}

// Extension implements Codec.
func (c *LZ4Codec) Extension() string { return c.Inner.Extension() + lz4Extension }
