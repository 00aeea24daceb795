// Package tesp implements the TESP wire format used between the editor-side
// telemetry pipeline and the local event collector.
//
// Every frame starts with a two-byte header: protocol version then message
// code. Codes that carry a payload follow the header with a 4-byte
// big-endian payload length and the payload bytes:
//
//	offset 0  1 byte   protocol version (1)
//	offset 1  1 byte   message code
//	offset 2  4 bytes  payload length (payload codes only)
//	offset 6  N bytes  payload
package tesp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ProtocolVersion is the only version this package speaks.
const ProtocolVersion byte = 1

// Frame layout
const (
	HeaderLength            = 2
	PayloadSizeLength       = 4
	HeaderWithPayloadLength = HeaderLength + PayloadSizeLength

	versionOffset     = 0
	codeOffset        = 1
	payloadSizeOffset = HeaderLength
	payloadOffset     = payloadSizeOffset + PayloadSizeLength
)

// MaxPayloadSize is the largest payload the length field can describe as a
// signed 32-bit integer.
const MaxPayloadSize = math.MaxInt32

// DefaultMaxReadPayload bounds the payload ReadMessage will allocate.
const DefaultMaxReadPayload = 16 * 1024 * 1024

var (
	ErrPayloadTooLarge = errors.New("tesp: payload too large")
	ErrMissingPayload  = errors.New("tesp: message requires a payload")
	ErrUnknownCode     = errors.New("tesp: unknown message code")
	ErrVersionMismatch = errors.New("tesp: protocol version mismatch")
)

// PayloadTooLargeError reports a payload rejected before encoding.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("tesp: payload of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}

// Codec encodes and decodes TESP frames. The zero value is ready to use.
type Codec struct {
	// MaxPayloadSize caps encoded payloads. Zero or anything above
	// MaxPayloadSize means MaxPayloadSize.
	MaxPayloadSize int

	// MaxReadPayload caps payloads accepted by Read. Zero means
	// DefaultMaxReadPayload.
	MaxReadPayload int
}

var defaultCodec Codec

// Encode frames msg with the default codec.
func Encode(msg Message) ([]byte, error) {
	return defaultCodec.Encode(msg)
}

// ReadMessage reads one frame from r with the default codec.
func ReadMessage(r io.Reader) (Message, error) {
	return defaultCodec.Read(r)
}

// WriteMessage encodes msg and writes it to w with the default codec.
func WriteMessage(w io.Writer, msg Message) error {
	return defaultCodec.Write(w, msg)
}

func (c Codec) encodeLimit() int {
	if c.MaxPayloadSize <= 0 || c.MaxPayloadSize > MaxPayloadSize {
		return MaxPayloadSize
	}
	return c.MaxPayloadSize
}

func (c Codec) readLimit() int {
	if c.MaxReadPayload <= 0 {
		return DefaultMaxReadPayload
	}
	return c.MaxReadPayload
}

// CheckPayloadSize returns a PayloadTooLargeError if size cannot be encoded.
func (c Codec) CheckPayloadSize(size int) error {
	if limit := c.encodeLimit(); size > limit {
		return &PayloadTooLargeError{Size: size, Limit: limit}
	}
	return nil
}

// Encode returns the wire bytes for msg.
func (c Codec) Encode(msg Message) ([]byte, error) {
	if !msg.Code.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCode, byte(msg.Code))
	}

	if !msg.HasPayload() {
		return []byte{ProtocolVersion, byte(msg.Code)}, nil
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, msg.Code)
	}
	if err := c.CheckPayloadSize(len(msg.Payload)); err != nil {
		return nil, err
	}

	frame := make([]byte, payloadOffset+len(msg.Payload))
	frame[versionOffset] = ProtocolVersion
	frame[codeOffset] = byte(msg.Code)
	binary.BigEndian.PutUint32(frame[payloadSizeOffset:payloadOffset], uint32(len(msg.Payload)))
	copy(frame[payloadOffset:], msg.Payload)
	return frame, nil
}

// Write encodes msg and writes the whole frame to w.
func (c Codec) Write(w io.Writer, msg Message) error {
	frame, err := c.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", msg.Code, err)
	}
	return nil
}

// Read reads one frame from r. io.EOF is returned unwrapped when the stream
// ends cleanly between frames.
func (c Codec) Read(r io.Reader) (Message, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("failed to read header: %w", err)
	}

	if header[versionOffset] != ProtocolVersion {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, header[versionOffset], ProtocolVersion)
	}

	code := Code(header[codeOffset])
	if !code.Known() {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownCode, byte(code))
	}
	if !code.HasPayload() {
		return Message{Code: code}, nil
	}

	var size [PayloadSizeLength]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return Message{}, fmt.Errorf("failed to read payload size: %w", err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > MaxPayloadSize || int(n) > c.readLimit() {
		return Message{}, &PayloadTooLargeError{Size: int(n), Limit: c.readLimit()}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("failed to read payload: %w", err)
	}
	return Message{Code: code, Payload: payload}, nil
}
