// Package transport carries named events between the proctoring agent and
// the relay.
//
// Every frame on the wire is a 16-byte header followed by a JSON body:
//
//	magic(4) version(1) flags(1) type(2) request-id(4) length(4)
//
// Event frames carry {"event": name, "payload": ...}. Control frames (ping,
// pong, close) carry no body.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x50525443 // "PRTC"
)

// MaxPayloadSize bounds a single frame body.
const MaxPayloadSize = 16 * 1024 * 1024

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// MessageType identifies the type of frame
type MessageType uint16

const (
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgClose MessageType = 0x0003 // peer is ending the session on purpose
	MsgEvent MessageType = 0x0100
)

// Header flags
const (
	FlagJSON uint8 = 0x04
)

var (
	ErrBadMagic        = errors.New("transport: invalid magic number")
	ErrVersion         = errors.New("transport: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("transport: payload too large")
)

// Header is the fixed-size frame header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// Frame is the JSON body of an event message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// NewEventMessage encodes payload as the body of an event frame.
func NewEventMessage(requestID uint32, event string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	body, err := json.Marshal(Frame{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}
	return NewMessage(MsgEvent, requestID, body), nil
}

// Frame decodes the body of an event message.
func (m *Message) Frame() (Frame, error) {
	var f Frame
	if m.Header.Type != MsgEvent {
		return f, fmt.Errorf("transport: message type %#04x is not an event", uint16(m.Header.Type))
	}
	if err := json.Unmarshal(m.Payload, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return f, errors.New("transport: frame has no event name")
	}
	return f, nil
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	_, err := w.Write(buf)
	return err
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Write writes header and payload in a single call so concurrent writers
// serialized by a mutex never interleave partial frames.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.Length = uint32(len(m.Payload))
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(payload)
}
