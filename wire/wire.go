// Package wire implements the binary framing of the Device Cloud TCP push
// protocol: the connection request/response handshake messages, the generic
// 6-byte message header, publish-message bodies (with optional zlib
// compression), and the fixed-size publish acknowledgment. All functions are
// pure; no I/O or connection state lives here.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Push protocol opcodes. Every message on the wire starts with one of these
// in its first two bytes.
const (
	OpConnectionRequest  uint16 = 0x01
	OpConnectionResponse uint16 = 0x02
	OpPublishMessage     uint16 = 0x03
	OpPublishReceived    uint16 = 0x04
)

// Status codes the server may return in a ConnectionResponse or that the
// client echoes in a publish acknowledgment.
const (
	StatusOK           uint16 = 200
	StatusBadRequest   uint16 = 400
	StatusUnauthorized uint16 = 403
)

// HeaderSize is the length in bytes of the generic message header:
// a 2-byte big-endian opcode followed by a 4-byte big-endian payload length.
const HeaderSize = 6

// ConnectionResponseSize is the exact length in bytes of a ConnectionResponse
// message, header included.
const ConnectionResponseSize = 10

// AckSize is the exact length in bytes of a PublishMessageReceived frame.
// The ack intentionally does not use the generic header+length shape.
const AckSize = 6

// protocolVersion is the only protocol version this client speaks.
const protocolVersion uint16 = 1

// compression flag values carried in byte 4 of a publish body.
const (
	compressionNone byte = 0
	compressionZlib byte = 1
)

// publishBodyPrefix is the number of leading bytes in a publish body before
// the inner payload: block id (2), reserved (2), compression flag (1),
// reserved (5).
const publishBodyPrefix = 10

// ProtocolError indicates a malformed or unexpected wire message: a short
// frame, an opcode that does not match what the stream position requires, a
// non-OK handshake status, or an inner payload that fails to inflate.
type ProtocolError struct {
	Reason string
	Err    error // underlying cause, if any (e.g. a zlib error)
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push protocol: %s: %v", e.Reason, e.Err)
	}

	return "push protocol: " + e.Reason
}

// Unwrap returns the underlying cause, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// protocolErrorf builds a ProtocolError with a formatted reason.
func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeConnectionRequest builds a complete ConnectionRequest frame for the
// given credentials and monitor, ready to be written to the socket. The
// payload carries the protocol version, length-prefixed username and
// password, and the 4-byte monitor id, wrapped in the generic header.
// Callers must ensure username and password each fit in 16 bits of length;
// longer values are silently truncated by the length prefix.
//
// Parameters:
//   - username: Device Cloud account name
//   - password: Device Cloud account password
//   - monitorID: The id of the monitor to subscribe to
//
// Returns:
//   - The encoded frame, header included
func EncodeConnectionRequest(username, password string, monitorID uint32) []byte {
	payloadLen := 2 + 2 + len(username) + 2 + len(password) + 4
	frame := make([]byte, HeaderSize+payloadLen)

	binary.BigEndian.PutUint16(frame[0:2], OpConnectionRequest)
	binary.BigEndian.PutUint32(frame[2:6], uint32(payloadLen))

	p := frame[HeaderSize:]
	binary.BigEndian.PutUint16(p[0:2], protocolVersion)
	binary.BigEndian.PutUint16(p[2:4], uint16(len(username)))
	n := 4 + copy(p[4:], username)
	binary.BigEndian.PutUint16(p[n:n+2], uint16(len(password)))
	n += 2 + copy(p[n+2:], password)
	binary.BigEndian.PutUint32(p[n:n+4], monitorID)

	return frame
}

// DecodeHeader decodes the generic 6-byte message header.
//
// Parameters:
//   - b: Exactly HeaderSize bytes from the start of a frame
//
// Returns:
//   - The opcode and the declared payload length
//   - A ProtocolError if b is not exactly HeaderSize bytes
func DecodeHeader(b []byte) (opcode uint16, length int, err error) {
	if len(b) != HeaderSize {
		return 0, 0, protocolErrorf("header is %d bytes, expected %d", len(b), HeaderSize)
	}

	opcode = binary.BigEndian.Uint16(b[0:2])
	length = int(binary.BigEndian.Uint32(b[2:6]))
	return opcode, length, nil
}

// DecodeConnectionResponse validates a ConnectionResponse frame. The frame
// must be exactly ConnectionResponseSize bytes, carry the ConnectionResponse
// opcode, and report StatusOK; anything else means the handshake was
// rejected.
//
// Parameters:
//   - b: The raw response bytes as read from the socket
//
// Returns:
//   - The status code carried by the response (also on error, when the frame
//     was long enough to carry one)
//   - A ProtocolError describing the first rule the frame violated, or nil
//     if the handshake was accepted
func DecodeConnectionResponse(b []byte) (uint16, error) {
	if len(b) != ConnectionResponseSize {
		return 0, protocolErrorf("connection response is %d bytes, expected %d", len(b), ConnectionResponseSize)
	}

	opcode := binary.BigEndian.Uint16(b[0:2])
	if opcode != OpConnectionResponse {
		return 0, protocolErrorf("connection response opcode is %#x, expected %#x", opcode, OpConnectionResponse)
	}

	// Bytes 2:6 are the length field and bytes 8:10 are reserved; neither
	// carries information the client acts on.
	status := binary.BigEndian.Uint16(b[6:8])
	if status != StatusOK {
		return status, protocolErrorf("connection refused with status %d (%s)", status, statusName(status))
	}

	return status, nil
}

// DecodePublishBody decodes the payload of a PublishMessage frame, inflating
// the inner payload when the compression flag marks it as zlib-deflated.
// Bytes 2:4 and 5:10 of the body are reserved and ignored.
//
// Parameters:
//   - b: The publish body, i.e. the frame minus its generic header
//
// Returns:
//   - The block id to echo in the acknowledgment
//   - The inner payload, inflated if it was compressed
//   - A ProtocolError if the body is too short, the compression flag is
//     unknown, or inflation fails; such an error is scoped to this message
//     and says nothing about the health of the connection
func DecodePublishBody(b []byte) (blockID uint16, payload []byte, err error) {
	if len(b) < publishBodyPrefix {
		return 0, nil, protocolErrorf("publish body is %d bytes, expected at least %d", len(b), publishBodyPrefix)
	}

	blockID = binary.BigEndian.Uint16(b[0:2])
	payload = b[publishBodyPrefix:]

	switch b[4] {
	case compressionNone:
		return blockID, payload, nil
	case compressionZlib:
		inflated, err := inflate(payload)
		if err != nil {
			return blockID, nil, &ProtocolError{Reason: fmt.Sprintf("inflating payload of block %d", blockID), Err: err}
		}

		return blockID, inflated, nil
	default:
		return blockID, nil, protocolErrorf("unknown compression flag %#x for block %d", b[4], blockID)
	}
}

// EncodePublishAck builds a PublishMessageReceived frame acknowledging the
// given block with the given status. It is always exactly AckSize bytes.
//
// Parameters:
//   - blockID: The block id from the publish message being acknowledged
//   - status: The status to report, normally StatusOK
//
// Returns:
//   - The encoded 6-byte frame
func EncodePublishAck(blockID, status uint16) []byte {
	frame := make([]byte, AckSize)
	binary.BigEndian.PutUint16(frame[0:2], OpPublishReceived)
	binary.BigEndian.PutUint16(frame[2:4], blockID)
	binary.BigEndian.PutUint16(frame[4:6], status)
	return frame
}

// inflate decompresses a zlib-deflated payload.
func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// statusName returns a human-readable name for known status codes.
func statusName(status uint16) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "bad request"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}
