package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	// ErrShortChunk is returned for a frame without a complete header.
	ErrShortChunk = errors.New("protocol: chunk shorter than header")
	// ErrBadHeader is returned for a zero chunk count or an out-of-range sequence number.
	ErrBadHeader = errors.New("protocol: invalid chunk header")
	// ErrStaleBuffer is reported when a partial message is evicted.
	ErrStaleBuffer = errors.New("protocol: partial message evicted")
	// ErrDecode is reported when a complete message is not a UTF-8 JSON object.
	ErrDecode = errors.New("protocol: decode failed")
)

// ProtocolError describes a framing or decode failure for one sender.
type ProtocolError struct {
	DeviceID string
	Received int
	Expected int
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: device %s (%d/%d chunks): %v", e.DeviceID, e.Received, e.Expected, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Payload is a reassembled inbound JSON object keyed by its top-level fields.
type Payload map[string]json.RawMessage

// Has reports whether key is present at the top level.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

type buffer struct {
	expected int
	chunks   [][]byte // indexed by sequence number; nil = not yet received
	received int
	updated  time.Time // arrival of the latest chunk
}

// Reassembler collects inbound chunks per sender until a message is
// complete. It assumes one message in flight per sender at a time.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	timeout time.Duration // 0 disables eviction
	now     func() time.Time
}

// NewReassembler returns a Reassembler that evicts partial messages older
// than timeout. A zero timeout keeps partial messages forever.
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		buffers: make(map[string]*buffer),
		timeout: timeout,
		now:     time.Now,
	}
}

// Add stores one framed chunk from deviceID. It returns the decoded payload
// once every sequence number 0..total-1 has arrived, in any order. A non-nil
// error reports a discarded chunk, a discarded earlier partial message, or
// both joined; it may accompany a payload when the chunk that replaced a
// discarded partial completes a message on its own. The reassembler stays
// usable after any error.
func (r *Reassembler) Add(deviceID string, frame []byte) (Payload, error) {
	if len(frame) < HeaderSize {
		return nil, &ProtocolError{DeviceID: deviceID, Err: ErrShortChunk}
	}
	seq, total := int(frame[0]), int(frame[1])
	if total == 0 || seq >= total {
		return nil, &ProtocolError{DeviceID: deviceID, Expected: total, Err: fmt.Errorf("%w: seq=%d total=%d", ErrBadHeader, seq, total)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped *ProtocolError
	buf, ok := r.buffers[deviceID]
	if ok && r.timeout > 0 && r.now().Sub(buf.updated) > r.timeout {
		dropped = &ProtocolError{DeviceID: deviceID, Received: buf.received, Expected: buf.expected, Err: ErrStaleBuffer}
		ok = false
	}
	if ok && buf.expected != total {
		dropped = &ProtocolError{
			DeviceID: deviceID, Received: buf.received, Expected: buf.expected,
			Err: fmt.Errorf("%w: chunk count changed to %d", ErrBadHeader, total),
		}
		ok = false
	}
	if dropped != nil {
		slog.Warn("[BLE] discarding partial message", "device", deviceID, "err", dropped)
	}
	if !ok {
		buf = &buffer{expected: total, chunks: make([][]byte, total)}
		r.buffers[deviceID] = buf
	}
	buf.updated = r.now()

	if buf.chunks[seq] == nil {
		buf.received++
	}
	data := make([]byte, len(frame)-HeaderSize)
	copy(data, frame[HeaderSize:])
	buf.chunks[seq] = data

	if buf.received < buf.expected {
		if dropped != nil {
			return nil, dropped
		}
		return nil, nil
	}

	delete(r.buffers, deviceID)
	raw := bytes.Join(buf.chunks, nil)
	payload, err := Decode(raw)
	if err != nil {
		decodeErr := &ProtocolError{DeviceID: deviceID, Received: buf.received, Expected: buf.expected, Err: err}
		if dropped != nil {
			return nil, errors.Join(dropped, decodeErr)
		}
		return nil, decodeErr
	}
	if dropped != nil {
		return payload, dropped
	}
	return payload, nil
}

// Pending reports how many chunks are buffered for deviceID and how many are expected.
func (r *Reassembler) Pending(deviceID string) (received, expected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.buffers[deviceID]; ok {
		return buf.received, buf.expected
	}
	return 0, 0
}

// Sweep evicts every partial message that has received no chunk within the timeout.
func (r *Reassembler) Sweep() []*ProtocolError {
	if r.timeout <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*ProtocolError
	now := r.now()
	for id, buf := range r.buffers {
		if now.Sub(buf.updated) > r.timeout {
			evicted = append(evicted, &ProtocolError{DeviceID: id, Received: buf.received, Expected: buf.expected, Err: ErrStaleBuffer})
			delete(r.buffers, id)
		}
	}
	return evicted
}

// Reset drops any partial message for deviceID.
func (r *Reassembler) Reset(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, deviceID)
}

// Decode parses a complete message as a UTF-8 JSON object.
func Decode(raw []byte) (Payload, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrDecode)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrDecode)
	}
	return p, nil
}
