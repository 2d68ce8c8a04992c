// Package framer implements the secondary side of a point-to-point serial
// framing protocol: a driver-agnostic state machine that synchronizes with a
// primary via a four-byte handshake, frames outgoing packets with two
// checksums, and parses incoming packets byte-by-byte in bounded memory.
//
// The engine never allocates, never blocks, and owns no I/O of its own — it
// only ever reads from a caller-supplied slice and writes into a
// caller-supplied buffer during a single synchronous call. A thin driver
// (see package serialport) is expected to own the actual port and drive the
// engine's NextOperation/ReadBytes loop.
package framer

import "encoding/binary"

const (
	strobe1      byte = 0xA5
	strobe2      byte = 0x63
	syncStrobe1  byte = 0xD3
	syncStrobe2  byte = 0x74
	syncStrobe3  byte = 0xE5
	syncStrobe4  byte = 0x52
	syncReply4th byte = 0x25
)

// Wire-format sizes.
const (
	HeaderSize          = 8
	SyncHeaderSize      = 4
	SyncReplyHeaderSize = 4
)

// PacketSize returns the total wire size of a packet carrying payloadLen
// bytes of payload.
func PacketSize(payloadLen int) int {
	return HeaderSize + payloadLen
}

// payloadState is meaningful only while the engine is in StateReadPayload;
// SyncReplySent and the CRC-error paths reset it to the zero value (with
// crc16Running seeded to crc16Seed).
type payloadState struct {
	len          uint8
	packetID     uint16
	crc16        uint16
	crc16Running uint16
}

func (p *payloadState) clear() {
	p.len = 0
	p.packetID = 0
	p.crc16 = 0
	p.crc16Running = crc16Seed
}

// Engine is the secondary's protocol state machine. It is not safe for
// concurrent use: a single instance is meant to be driven sequentially by
// one goroutine, the way the original C++ engine is owned by one caller.
// There is no meaningful way to copy an Engine — two parsers consuming the
// same byte stream would each see half of it — so callers should always
// hold it behind a pointer.
type Engine struct {
	state     State
	wasSynced bool
	seqID     uint16
	payload   payloadState
}

// NewSecondary returns a fresh engine in StateWaitingSync, ready to receive
// a sync handshake from the primary. There is no NewPrimary: the primary
// side of this protocol is unimplemented, here and in the source this was
// ported from.
func NewSecondary() *Engine {
	e := &Engine{state: StateWaitingSync}
	e.payload.clear()
	return e
}

// State reports the engine's current position in the state machine. It is
// exposed for diagnostics and tests; driver logic should prefer
// NextOperation.
func (e *Engine) State() State {
	return e.state
}

// WasSynced reports whether a sync handshake has ever completed.
func (e *Engine) WasSynced() bool {
	return e.wasSynced
}

// resyncTarget is the state a malformed byte mid-handshake falls back to:
// a fresh WAITING_SYNC if the engine has never synced, or IDLE if it has.
// Both are deliberate and tested; do not unify them.
func (e *Engine) resyncTarget() State {
	if e.wasSynced {
		return StateIdle
	}
	return StateWaitingSync
}

// NextOperation reports the kind and maximum size of the next useful
// read/write, without mutating engine state.
func (e *Engine) NextOperation() Operation {
	switch e.state {
	case StateWaitingSync, StateIdle, StateReadStrobe2,
		StateReadSyncStrobe2, StateReadSyncStrobe3, StateReadSyncStrobe4:
		return Operation{Kind: OpReadHeader, Size: 1}
	case StateWriteSyncReply:
		return Operation{Kind: OpSendSyncReply}
	case StateReadHeader:
		return Operation{Kind: OpReadHeader, Size: 6}
	case StateReadPayload:
		return Operation{Kind: OpReadPayload, Size: int(e.payload.len), ID: e.payload.packetID}
	default:
		return Operation{Kind: OpNone}
	}
}

// ReadBytes advances the state machine by at most one unit of work (one
// strobe byte, or one full header, or one full payload) and reports how
// many of the supplied bytes it consumed. consumed is always <= len(data).
// Bytes beyond consumed remain the caller's responsibility.
func (e *Engine) ReadBytes(data []byte) (ReadResult, int, error) {
	switch e.state {
	case StateWaitingSync:
		return e.readStrobe(data, syncStrobe1, StateReadSyncStrobe2, StateWaitingSync)
	case StateIdle:
		return e.readStrobeOrSync(data)
	case StateReadStrobe2:
		return e.readStrobe(data, strobe2, StateReadHeader, StateIdle)
	case StateReadSyncStrobe2:
		return e.readStrobe(data, syncStrobe2, StateReadSyncStrobe3, e.resyncTarget())
	case StateReadSyncStrobe3:
		return e.readStrobe(data, syncStrobe3, StateReadSyncStrobe4, e.resyncTarget())
	case StateReadSyncStrobe4:
		return e.readStrobe(data, syncStrobe4, StateWriteSyncReply, e.resyncTarget())
	case StateWriteSyncReply:
		return ReadNope, 0, nil
	case StateReadHeader:
		return e.readHeader(data)
	case StateReadPayload:
		return e.readPayload(data)
	default:
		return ReadNope, 0, nil
	}
}

func (e *Engine) readStrobe(data []byte, want byte, onMatch, onMismatch State) (ReadResult, int, error) {
	if len(data) < 1 {
		return ReadErrorInsufficientData, 0, ErrInsufficientData
	}
	if data[0] != want {
		e.state = onMismatch
		return ReadErrorUnexpectedData, 1, ErrUnexpectedData
	}
	e.state = onMatch
	return ReadOK, 1, nil
}

// readStrobeOrSync handles IDLE, where either a data-packet strobe or a
// fresh sync request is acceptable.
func (e *Engine) readStrobeOrSync(data []byte) (ReadResult, int, error) {
	if len(data) < 1 {
		return ReadErrorInsufficientData, 0, ErrInsufficientData
	}
	switch data[0] {
	case strobe1:
		e.state = StateReadStrobe2
		return ReadOK, 1, nil
	case syncStrobe1:
		e.state = StateReadSyncStrobe2
		return ReadOK, 1, nil
	default:
		e.state = StateIdle
		return ReadErrorUnexpectedData, 1, ErrUnexpectedData
	}
}

// readHeader wants all 6 non-strobe header bytes (id, len, CRC-8, CRC-16) in
// a single call; a short call is deferred with no state change.
func (e *Engine) readHeader(data []byte) (ReadResult, int, error) {
	if len(data) < 6 {
		return ReadErrorInsufficientData, 0, ErrInsufficientData
	}

	if got := crc8(data[0:3]); got != data[3] {
		e.state = StateIdle
		e.payload.clear()
		return ReadErrorChecksum, 4, ErrChecksum
	}

	e.payload.packetID = binary.BigEndian.Uint16(data[0:2])
	e.payload.len = data[2]
	e.payload.crc16 = binary.BigEndian.Uint16(data[4:6])
	e.payload.crc16Running = crc16Update(crc16Seed, data[0:4])

	e.state = StateReadPayload
	return ReadOK, 6, nil
}

func (e *Engine) readPayload(data []byte) (ReadResult, int, error) {
	n := int(e.payload.len)
	if len(data) < n {
		return ReadErrorInsufficientData, 0, ErrInsufficientData
	}

	got := crc16Update(e.payload.crc16Running, data[:n])
	e.state = StateIdle
	if got != e.payload.crc16 {
		e.payload.clear()
		return ReadErrorChecksum, n, ErrChecksum
	}
	e.payload.clear()
	return ReadOK, n, nil
}

// WriteHeader fills out (which must be at least HeaderSize bytes) with the
// 8-byte frame header described by id and payload. It does not copy payload
// into out and does not mutate engine state or transmit anything — the
// caller still owns writing payload into its own buffer and sending both.
func (e *Engine) WriteHeader(out []byte, id uint16, payload []byte) error {
	if e.state == StateWaitingSync {
		return ErrNotSynced
	}
	if len(payload) > 255 {
		return ErrPayloadTooBig
	}

	out[0] = strobe1
	out[1] = strobe2
	binary.BigEndian.PutUint16(out[2:4], id)
	out[4] = byte(len(payload))
	out[5] = crc8(out[2:5])

	crc16 := crc16Update(crc16Seed, out[2:6])
	crc16 = crc16Update(crc16, payload)
	binary.BigEndian.PutUint16(out[6:8], crc16)

	return nil
}

// WriteSyncReplyHeader fills out (which must be at least SyncReplyHeaderSize
// bytes) with the 4-byte sync reply. It always succeeds and never mutates
// engine state.
func (e *Engine) WriteSyncReplyHeader(out []byte) error {
	out[0] = syncStrobe1
	out[1] = syncStrobe2
	out[2] = syncStrobe3
	out[3] = syncReply4th
	return nil
}

// SyncReplySent must be called by the driver once it has actually
// transmitted the sync reply bytes. It is idempotent in StateIdle.
func (e *Engine) SyncReplySent() error {
	switch e.state {
	case StateWriteSyncReply:
		e.state = StateIdle
		e.wasSynced = true
		e.payload.clear()
		return nil
	case StateIdle:
		return nil
	default:
		return ErrWrongState
	}
}

// NextID returns the next outgoing packet id, wrapping from 65535 back to 1
// so that 0 is never handed out (0 means "no id" to driver advice).
func (e *Engine) NextID() uint16 {
	e.seqID++
	if e.seqID == 0 {
		e.seqID++
	}
	return e.seqID
}
