// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the framed message format used on both sides of
// a console relay session: between the end user's transport and the
// relay, and between the relay and the hypervisor's console endpoint.
//
// Each message is a 5-byte header (1 byte type + 4 byte big-endian
// payload length) followed by the payload. Data and Text frames carry
// opaque console bytes and are relayed unmodified. Handshake and Close
// frames carry CBOR-encoded control payloads and terminate at the relay
// or the console endpoint; they are never forwarded.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Message type constants.
const (
	// TypeData carries opaque binary console bytes (VNC protocol
	// stream, raw terminal output). Bidirectional, relayed unmodified.
	TypeData byte = 0x01

	// TypeText carries opaque text frames. Some console clients send
	// keyboard input and resize commands as text; the relay does not
	// interpret them. Bidirectional, relayed unmodified.
	TypeText byte = 0x02

	// TypeHandshake carries a CBOR Handshake payload. Sent once by the
	// dialing side immediately after connecting to the hypervisor
	// console endpoint; answered by a handshake echo on accept or a
	// Close frame on deny.
	TypeHandshake byte = 0x03

	// TypeClose carries a CBOR Close payload with a reason code.
	// Either side may send it before dropping the connection.
	TypeClose byte = 0x04
)

// maxPayloadLength bounds a single frame. Console data frames are
// small (keyboard input, framebuffer updates); 16 MB is generous.
const maxPayloadLength = 16 * 1024 * 1024

const headerLength = 5

// Message is a single framed message.
type Message struct {
	Type    byte
	Payload []byte
}

// Handshake is the control payload the relay sends to the hypervisor
// console endpoint after connecting. The cookie is the cluster-wide
// session ticket; the console ticket is the one-time per-console
// credential from a vncproxy/termproxy call.
type Handshake struct {
	VMID   int    `cbor:"vmid"`
	Node   string `cbor:"node"`
	Cookie string `cbor:"cookie"`
	Ticket string `cbor:"ticket"`
	Port   int    `cbor:"port,omitempty"`
}

// Close is the control payload of a TypeClose frame.
type Close struct {
	Reason string `cbor:"reason"`
}

// Conn is a duplex framed-message stream. Both the end-user session
// handed to the relay and the outbound console connection implement
// it. ReadMessage blocks until a message, close, or error arrives;
// implementations must unblock pending reads when Close is called.
type Conn interface {
	ReadMessage() (Message, error)
	WriteMessage(Message) error
	Close() error
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, message Message) error {
	if len(message.Payload) > maxPayloadLength {
		return fmt.Errorf("wire: payload length %d exceeds maximum %d", len(message.Payload), maxPayloadLength)
	}
	var header [headerLength]byte
	header[0] = message.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(message.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(message.Payload) > 0 {
		if _, err := w.Write(message.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Message{}, fmt.Errorf("wire: payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return Message{Type: header[0], Payload: payload}, nil
}

// NewDataMessage wraps opaque console bytes in a data frame.
func NewDataMessage(data []byte) Message {
	return Message{Type: TypeData, Payload: data}
}

// NewHandshakeMessage encodes a handshake control frame.
func NewHandshakeMessage(handshake Handshake) (Message, error) {
	payload, err := cbor.Marshal(handshake)
	if err != nil {
		return Message{}, fmt.Errorf("wire: encoding handshake: %w", err)
	}
	return Message{Type: TypeHandshake, Payload: payload}, nil
}

// ParseHandshake decodes the payload of a TypeHandshake frame.
func ParseHandshake(payload []byte) (Handshake, error) {
	var handshake Handshake
	if err := cbor.Unmarshal(payload, &handshake); err != nil {
		return Handshake{}, fmt.Errorf("wire: decoding handshake: %w", err)
	}
	return Handshake{
		VMID:   handshake.VMID,
		Node:   handshake.Node,
		Cookie: handshake.Cookie,
		Ticket: handshake.Ticket,
		Port:   handshake.Port,
	}, nil
}

// NewCloseMessage encodes a close control frame with a reason code.
func NewCloseMessage(reason string) Message {
	payload, err := cbor.Marshal(Close{Reason: reason})
	if err != nil {
		// Close carries a single string; encoding cannot fail.
		panic("wire: encoding close frame: " + err.Error())
	}
	return Message{Type: TypeClose, Payload: payload}
}

// ParseClose decodes the payload of a TypeClose frame.
func ParseClose(payload []byte) (Close, error) {
	var closeFrame Close
	if err := cbor.Unmarshal(payload, &closeFrame); err != nil {
		return Close{}, fmt.Errorf("wire: decoding close frame: %w", err)
	}
	return closeFrame, nil
}
