package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of the fixed data frame header:
// transfer id, sequence number and total count, each a big-endian uint32.
const HeaderSize = 12

// AckSize is the length of an acknowledgment datagram.
const AckSize = 4

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// FinishSignal marks the end of a transfer. It is recognised as the prefix
// of a datagram shorter than HeaderSize, so no data frame can match.
var FinishSignal = []byte("FINISH")

// Chunk is one framed slice of a file.
type Chunk struct {
	TransferID uint32
	Sequence   uint32
	Total      uint32
	Payload    []byte
}

// MalformedFrameError is returned when a datagram is too short to hold a
// data frame header. It is also returned for datagrams that do not fit the
// receive buffer, with Max set to the buffer size.
type MalformedFrameError struct {
	Length int
	Max    int
}

func (e *MalformedFrameError) Error() string {
	if e.Max > 0 {
		return fmt.Sprintf("malformed frame: more than %d bytes", e.Max)
	}
	return fmt.Sprintf("malformed frame: %d bytes, need at least %d", e.Length, HeaderSize)
}

// Encode serializes c into a new buffer: header followed by the payload.
func Encode(c Chunk) []byte {
	buf := make([]byte, HeaderSize+len(c.Payload))
	binary.BigEndian.PutUint32(buf[0:4], c.TransferID)
	binary.BigEndian.PutUint32(buf[4:8], c.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], c.Total)
	copy(buf[HeaderSize:], c.Payload)
	return buf
}

// Decode parses a data frame. Everything after the header is payload, the
// payload may be empty. The returned chunk does not alias data.
func Decode(data []byte) (Chunk, error) {
	if len(data) < HeaderSize {
		return Chunk{}, &MalformedFrameError{Length: len(data)}
	}
	c := Chunk{
		TransferID: binary.BigEndian.Uint32(data[0:4]),
		Sequence:   binary.BigEndian.Uint32(data[4:8]),
		Total:      binary.BigEndian.Uint32(data[8:12]),
		Payload:    make([]byte, len(data)-HeaderSize),
	}
	copy(c.Payload, data[HeaderSize:])
	return c, nil
}

// EncodeAck builds the acknowledgment datagram for a sequence number.
func EncodeAck(seq uint32) []byte {
	ack := make([]byte, AckSize)
	binary.BigEndian.PutUint32(ack, seq)
	return ack
}

// DecodeAck reads the sequence number from an acknowledgment datagram.
// Trailing bytes are ignored.
func DecodeAck(data []byte) (uint32, bool) {
	if len(data) < AckSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[:AckSize]), true
}

// IsFinish reports whether data is the termination signal.
func IsFinish(data []byte) bool {
	return len(data) < HeaderSize && bytes.HasPrefix(data, FinishSignal)
}
