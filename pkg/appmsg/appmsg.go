// Package appmsg is a minimal CBOR-encoded payload used by the demo binary
// and end-to-end tests to push a realistic, variable-length payload through
// framer.WriteHeader/ReadBytes. It is not a general application protocol —
// the real payload schema is out of scope for this system — it exists only
// to give the demo something concrete to send.
package appmsg

import "github.com/fxamacker/cbor/v2"

// Telemetry is a toy sample a secondary might report: a sensor reading and
// a free-running counter, encoded the same way the teacher's
// writeUARTMessage CBOR-marshals its message maps.
type Telemetry struct {
	Counter uint32  `cbor:"1,keyasint"`
	Reading float32 `cbor:"2,keyasint"`
}

// Marshal encodes t as CBOR.
func Marshal(t Telemetry) ([]byte, error) {
	return cbor.Marshal(t)
}

// Unmarshal decodes a CBOR-encoded Telemetry payload.
func Unmarshal(data []byte) (Telemetry, error) {
	var t Telemetry
	err := cbor.Unmarshal(data, &t)
	return t, err
}
