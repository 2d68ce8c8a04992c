package framer

import "errors"

// General result errors (write path and lifecycle). A nil error means OK.
var (
	// ErrWrongState means SyncReplySent was called outside
	// StateWriteSyncReply/StateIdle.
	ErrWrongState = errors.New("framer: sync reply sent from wrong state")
	// ErrNotSynced means WriteHeader was called before the engine ever
	// completed a sync handshake.
	ErrNotSynced = errors.New("framer: write attempted before sync")
	// ErrPayloadTooBig means a payload over 255 bytes was passed to
	// WriteHeader.
	ErrPayloadTooBig = errors.New("framer: payload exceeds 255 bytes")
	// ErrUndefined is reserved for an engine state a well-formed State
	// enumeration can never actually produce.
	ErrUndefined = errors.New("framer: undefined engine state")
)

// Read path errors, returned alongside a ReadResult from ReadBytes.
var (
	// ErrUnexpectedData means the next byte did not match the strobe the
	// current state expected; the engine has resynchronized itself.
	ErrUnexpectedData = errors.New("framer: unexpected byte, resynchronizing")
	// ErrChecksum means a header or payload CRC did not match; the frame
	// was discarded and the engine returned to IDLE.
	ErrChecksum = errors.New("framer: checksum mismatch")
	// ErrInsufficientData means the caller supplied fewer bytes than the
	// current state needs; state is unchanged and the caller should retry
	// once more bytes are available.
	ErrInsufficientData = errors.New("framer: insufficient data for current state")
)
