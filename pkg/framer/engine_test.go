package framer

import (
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewSecondary()
	for _, b := range []byte{syncStrobe1, syncStrobe2, syncStrobe3, syncStrobe4} {
		result, consumed, err := e.ReadBytes([]byte{b})
		require.Equal(t, ReadOK, result)
		require.Equal(t, 1, consumed)
		require.NoError(t, err)
	}
	require.Equal(t, StateWriteSyncReply, e.State())
	require.NoError(t, e.SyncReplySent())
	require.True(t, e.WasSynced())
	require.Equal(t, StateIdle, e.State())
	return e
}

func TestSyncHandshake(t *testing.T) {
	e := NewSecondary()
	assert.Equal(t, Operation{Kind: OpReadHeader, Size: 1}, e.NextOperation())

	for _, b := range []byte{syncStrobe1, syncStrobe2, syncStrobe3} {
		result, consumed, err := e.ReadBytes([]byte{b})
		assert.Equal(t, ReadOK, result)
		assert.Equal(t, 1, consumed)
		assert.NoError(t, err)
		assert.Equal(t, Operation{Kind: OpReadHeader, Size: 1}, e.NextOperation())
	}

	result, consumed, err := e.ReadBytes([]byte{syncStrobe4})
	assert.Equal(t, ReadOK, result)
	assert.Equal(t, 1, consumed)
	assert.NoError(t, err)
	assert.Equal(t, Operation{Kind: OpSendSyncReply}, e.NextOperation())

	reply := make([]byte, SyncReplyHeaderSize)
	assert.NoError(t, e.WriteSyncReplyHeader(reply))
	assert.Equal(t, []byte{0xD3, 0x74, 0xE5, 0x25}, reply)

	assert.NoError(t, e.SyncReplySent())
	assert.Equal(t, Operation{Kind: OpReadHeader, Size: 1}, e.NextOperation())
}

func TestWriteHeaderTwoBytePayload(t *testing.T) {
	e := syncEngine(t)

	out := make([]byte, HeaderSize)
	require.NoError(t, e.WriteHeader(out, 1, []byte{0x00, 0x00}))
	assert.Equal(t, []byte{0xA5, 0x63, 0x00, 0x01, 0x02, 0x1B, 0xFA, 0xBB}, out)
}

func TestWriteHeaderFourBytePayload(t *testing.T) {
	e := syncEngine(t)

	out := make([]byte, HeaderSize)
	require.NoError(t, e.WriteHeader(out, 1, []byte{0x0A, 0x2B, 0x30, 0x45}))
	assert.Equal(t, []byte{0xA5, 0x63, 0x00, 0x01, 0x04, 0x09, 0x24, 0xEA}, out)
}

func TestReceiveValidPacket(t *testing.T) {
	e := syncEngine(t)

	frame := []byte{0xA5, 0x63, 0x00, 0x01, 0x02, 0x1B, 0xFA, 0xBB, 0x00, 0x00}

	result, consumed, err := e.ReadBytes(frame[0:1])
	require.Equal(t, ReadOK, result)
	require.Equal(t, 1, consumed)
	require.NoError(t, err)

	result, consumed, err = e.ReadBytes(frame[1:2])
	require.Equal(t, ReadOK, result)
	require.Equal(t, 1, consumed)
	require.NoError(t, err)

	op := e.NextOperation()
	assert.Equal(t, Operation{Kind: OpReadHeader, Size: 6}, op)
	result, consumed, err = e.ReadBytes(frame[2:8])
	require.Equal(t, ReadOK, result)
	require.Equal(t, 6, consumed)
	require.NoError(t, err)

	op = e.NextOperation()
	assert.Equal(t, Operation{Kind: OpReadPayload, Size: 2, ID: 1}, op)
	result, consumed, err = e.ReadBytes(frame[8:10])
	require.Equal(t, ReadOK, result)
	require.Equal(t, 2, consumed)
	require.NoError(t, err)

	assert.Equal(t, Operation{Kind: OpReadHeader, Size: 1}, e.NextOperation())
}

func TestReceiveValidPacketZeroLengthPayload(t *testing.T) {
	e := syncEngine(t)

	out := make([]byte, HeaderSize)
	require.NoError(t, e.WriteHeader(out, 1, nil))

	result, consumed, err := e.ReadBytes(out[0:1])
	require.Equal(t, ReadOK, result)
	require.Equal(t, 1, consumed)
	require.NoError(t, err)

	result, consumed, err = e.ReadBytes(out[1:2])
	require.Equal(t, ReadOK, result)
	require.Equal(t, 1, consumed)
	require.NoError(t, err)

	result, consumed, err = e.ReadBytes(out[2:8])
	require.Equal(t, ReadOK, result)
	require.Equal(t, 6, consumed)
	require.NoError(t, err)

	op := e.NextOperation()
	assert.Equal(t, Operation{Kind: OpReadPayload, Size: 0, ID: 1}, op)

	result, consumed, err = e.ReadBytes(nil)
	assert.Equal(t, ReadOK, result)
	assert.Equal(t, 0, consumed)
	assert.NoError(t, err)
	assert.Equal(t, StateIdle, e.State())
}

func TestHeaderChecksumError(t *testing.T) {
	e := syncEngine(t)

	result, consumed, err := e.ReadBytes([]byte{0xA5})
	require.Equal(t, ReadOK, result)
	require.Equal(t, 1, consumed)
	require.NoError(t, err)
	result, consumed, err = e.ReadBytes([]byte{0x63})
	require.Equal(t, ReadOK, result)
	require.Equal(t, 1, consumed)
	require.NoError(t, err)

	corrupted := []byte{0x10, 0x01, 0x04, 0x09, 0x24, 0xEA}
	result, consumed, err = e.ReadBytes(corrupted)
	assert.Equal(t, ReadErrorChecksum, result)
	assert.Equal(t, 4, consumed)
	assert.ErrorIs(t, err, ErrChecksum)
	assert.Equal(t, StateIdle, e.State())
}

func TestPayloadChecksumError(t *testing.T) {
	e := syncEngine(t)

	for _, b := range []byte{0xA5, 0x63} {
		_, _, err := e.ReadBytes([]byte{b})
		require.NoError(t, err)
	}

	header := []byte{0x00, 0x01, 0x04, 0x09, 0x24, 0xEA}
	result, consumed, err := e.ReadBytes(header)
	require.Equal(t, ReadOK, result)
	require.Equal(t, 6, consumed)
	require.NoError(t, err)

	corruptPayload := []byte{0x0A, 0x3B, 0x30, 0x45}
	result, consumed, err = e.ReadBytes(corruptPayload)
	assert.Equal(t, ReadErrorChecksum, result)
	assert.Equal(t, 4, consumed)
	assert.ErrorIs(t, err, ErrChecksum)
	assert.Equal(t, StateIdle, e.State())
}

func TestResyncAfterWrongSecondStrobe(t *testing.T) {
	e := syncEngine(t)

	result, consumed, err := e.ReadBytes([]byte{0xA5})
	require.Equal(t, ReadOK, result)
	require.Equal(t, 1, consumed)
	require.NoError(t, err)

	result, consumed, err = e.ReadBytes([]byte{0x93})
	assert.Equal(t, ReadErrorUnexpectedData, result)
	assert.Equal(t, 1, consumed)
	assert.ErrorIs(t, err, ErrUnexpectedData)
	assert.Equal(t, StateIdle, e.State())

	result, consumed, err = e.ReadBytes([]byte{0xA5})
	assert.Equal(t, ReadOK, result)
	assert.Equal(t, 1, consumed)
	assert.NoError(t, err)
	assert.Equal(t, StateReadStrobe2, e.State())
}

func TestOversizedPayloadRejected(t *testing.T) {
	e := syncEngine(t)
	out := make([]byte, HeaderSize)
	err := e.WriteHeader(out, 1, make([]byte, 256))
	assert.ErrorIs(t, err, ErrPayloadTooBig)
}

func TestNotSyncedGuards(t *testing.T) {
	e := NewSecondary()

	out := make([]byte, HeaderSize)
	assert.ErrorIs(t, e.WriteHeader(out, 1, nil), ErrNotSynced)
	assert.ErrorIs(t, e.SyncReplySent(), ErrWrongState)

	result, consumed, err := e.ReadBytes([]byte{0x00})
	assert.Equal(t, ReadErrorUnexpectedData, result)
	assert.Equal(t, 1, consumed)
	assert.ErrorIs(t, err, ErrUnexpectedData)
	assert.Equal(t, StateWaitingSync, e.State())
}

func TestNeverSyncedResyncsToWaitingSync(t *testing.T) {
	e := NewSecondary()
	_, _, err := e.ReadBytes([]byte{syncStrobe1})
	require.NoError(t, err)

	result, _, err := e.ReadBytes([]byte{0x00})
	assert.Equal(t, ReadErrorUnexpectedData, result)
	assert.ErrorIs(t, err, ErrUnexpectedData)
	assert.Equal(t, StateWaitingSync, e.State())
}

func TestEverSyncedResyncsToIdle(t *testing.T) {
	e := syncEngine(t)
	_, _, err := e.ReadBytes([]byte{syncStrobe1})
	require.NoError(t, err)

	result, _, err := e.ReadBytes([]byte{0x00})
	assert.Equal(t, ReadErrorUnexpectedData, result)
	assert.ErrorIs(t, err, ErrUnexpectedData)
	assert.Equal(t, StateIdle, e.State())
}

func TestSyncReplySentIdempotentInIdle(t *testing.T) {
	e := syncEngine(t)
	assert.NoError(t, e.SyncReplySent())
	assert.Equal(t, StateIdle, e.State())
}

func TestNextIDNeverZeroAndCoversFullRange(t *testing.T) {
	e := NewSecondary()
	seen := make(map[uint16]bool, 65535)
	for i := 0; i < 65535; i++ {
		id := e.NextID()
		require.NotZero(t, id)
		require.False(t, seen[id], "id %d returned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, 65535)
	assert.Equal(t, uint16(1), e.NextID(), "wraps back to 1, skipping 0")
}

func TestRoundTripWriteThenRead(t *testing.T) {
	f := func(id uint16, payload []byte) bool {
		if id == 0 {
			id = 1
		}
		if len(payload) > 255 {
			payload = payload[:255]
		}

		e := NewSecondary()
		for _, b := range []byte{syncStrobe1, syncStrobe2, syncStrobe3, syncStrobe4} {
			if _, _, err := e.ReadBytes([]byte{b}); err != nil {
				return false
			}
		}
		if err := e.SyncReplySent(); err != nil {
			return false
		}

		header := make([]byte, HeaderSize)
		if err := e.WriteHeader(header, id, payload); err != nil {
			return false
		}
		frame := append(header, payload...)

		result, consumed, err := e.ReadBytes(frame[0:1])
		if result != ReadOK || consumed != 1 || err != nil {
			return false
		}
		result, consumed, err = e.ReadBytes(frame[1:2])
		if result != ReadOK || consumed != 1 || err != nil {
			return false
		}

		op := e.NextOperation()
		result, consumed, err = e.ReadBytes(frame[2 : 2+op.Size])
		if result != ReadOK || consumed != 6 || err != nil {
			return false
		}

		op = e.NextOperation()
		if op.ID != id {
			return false
		}
		result, consumed, err = e.ReadBytes(frame[8:])
		return result == ReadOK && consumed == len(payload) && err == nil
	}

	cfg := &quick.Config{Rand: rand.New(rand.NewSource(1))}
	require.NoError(t, quick.Check(f, cfg))
}

// Feeding random bytes one at a time can only ever consume 0 or 1 of them:
// the multi-byte consumptions (4 for a bad header, 6 for a good one, len for
// a payload) only happen when the caller supplies that many bytes at once.
func TestReadBytesConsumedBoundedOnByteWiseFeed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	e := NewSecondary()
	for i := 0; i < 20000; i++ {
		b := byte(rng.Intn(256))
		_, consumed, _ := e.ReadBytes([]byte{b})
		assert.True(t, consumed == 0 || consumed == 1, "unexpected consumed=%d", consumed)
		assert.True(t, e.State() >= StateWaitingSync && e.State() <= StateReadPayload)
	}
}

// Feeding bytewise and feeding a chunk at a time must reach the same final
// state and report the same packet id for the same underlying stream.
func TestChunkedVsBytewiseFeedingAgree(t *testing.T) {
	e := syncEngine(t)
	out := make([]byte, HeaderSize)
	require.NoError(t, e.WriteHeader(out, 7, []byte{1, 2, 3}))
	stream := append(out, []byte{1, 2, 3}...)

	var gotIDBytewise, gotIDChunked uint16

	bytewise := NewSecondary()
	*bytewise = *e
	// Bytes arrive one at a time; any the engine does not consume stay
	// pending and are offered again together with the next byte.
	var pending []byte
	for i := 0; i < len(stream); i++ {
		pending = append(pending, stream[i])
		if bytewise.State() == StateReadPayload {
			gotIDBytewise = bytewise.NextOperation().ID
		}
		_, consumed, _ := bytewise.ReadBytes(pending)
		require.GreaterOrEqual(t, consumed, 0)
		pending = pending[consumed:]
	}

	chunked := NewSecondary()
	*chunked = *e
	pos := 0
	for pos < len(stream) {
		op := chunked.NextOperation()
		size := op.Size
		if size == 0 {
			size = 1
		}
		if op.Kind == OpReadPayload {
			gotIDChunked = op.ID
		}
		end := pos + size
		if end > len(stream) {
			end = len(stream)
		}
		_, consumed, _ := chunked.ReadBytes(stream[pos:end])
		if consumed == 0 {
			consumed = end - pos
		}
		pos += consumed
	}

	assert.Equal(t, chunked.State(), bytewise.State())
	assert.Equal(t, uint16(7), gotIDChunked)
	assert.Equal(t, uint16(7), gotIDBytewise)
}
