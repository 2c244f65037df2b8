// Package protocol implements the chunked JSON framing used on the core unit
// characteristic. Every write or notification carries a 2-byte header
// followed by a slice of a UTF-8 JSON document:
//
//	byte 0: sequence number (0-255)
//	byte 1: total chunk count for this message
//	bytes 2..N: payload slice
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// DefaultMTU is the protocol-minimum ATT MTU.
	DefaultMTU = 23
	// MaxMTU is the largest MTU the codec accepts.
	MaxMTU = 512
	// ATTOverhead is reserved per write for the attribute protocol header.
	ATTOverhead = 3
	// HeaderSize is the per-chunk framing header.
	HeaderSize = 2
	// MaxChunks is the largest chunk count expressible in the header.
	MaxChunks = 255
)

var (
	// ErrMessageTooLarge is returned when a payload needs more than MaxChunks chunks.
	ErrMessageTooLarge = errors.New("protocol: message exceeds 255 chunks")
	// ErrEmptyPayload is returned when there is nothing to send.
	ErrEmptyPayload = errors.New("protocol: empty payload")
)

// SliceSize returns the number of payload bytes carried per chunk at the
// given MTU. MTUs below the protocol minimum are treated as DefaultMTU.
func SliceSize(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	return mtu - ATTOverhead
}

// Chunk splits data into framed chunks sized for mtu. Chunks are returned in
// sequence order and each one is a fresh slice the caller may retain.
func Chunk(data []byte, mtu int) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	size := SliceSize(mtu)
	total := (len(data) + size - 1) / size
	if total > MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes at mtu %d needs %d chunks", ErrMessageTooLarge, len(data), mtu, total)
	}

	chunks := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * size
		end := min(start+size, len(data))

		frame := make([]byte, HeaderSize+end-start)
		frame[0] = byte(seq)
		frame[1] = byte(total)
		copy(frame[HeaderSize:], data[start:end])
		chunks = append(chunks, frame)
	}
	return chunks, nil
}

// Encode marshals v as JSON and chunks it for mtu.
func Encode(v any, mtu int) ([][]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return Chunk(data, mtu)
}
