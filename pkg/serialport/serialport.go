// Package serialport is the thin, driver-agnostic-no-more I/O layer the
// framer package deliberately stays ignorant of: it owns an actual serial
// port, drives the engine's NextOperation/ReadBytes advice loop in a
// dedicated goroutine, and surfaces completed packets to a handler
// callback. Structurally this mirrors the teacher's own USOCK: a read
// goroutine, a stop channel, a mutex guarding writes, and a WaitGroup for
// clean shutdown — only the byte-level protocol logic has moved into
// package framer.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"go.bug.st/serial"

	"github.com/librescoot/mcu-framer/pkg/framer"
)

// Packet is a successfully parsed, CRC-verified application payload.
type Packet struct {
	ID      uint16
	Payload []byte
}

// LinkStats counts the engine's read-path outcomes since the port was
// opened. These are the numbers a deployment would export to telemetry.
type LinkStats struct {
	PacketsOK       uint64
	ChecksumErrors  uint64
	UnexpectedBytes uint64
	SyncHandshakes  uint64
}

// Port owns one open serial port plus the framer.Engine parsing its byte
// stream. It is safe to call Send from any goroutine; the read loop runs on
// its own goroutine started by Open.
//
// port is held as the narrow io.ReadWriteCloser it is actually used through,
// not the full go.bug.st/serial.Port interface, so tests can drive the read
// loop against an in-memory fake instead of a real device.
type Port struct {
	port    io.ReadWriteCloser
	engine  *framer.Engine
	handler func(Packet)

	writeMu sync.Mutex
	statsMu sync.Mutex
	stats   LinkStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config selects the serial device and how to talk to it.
type Config struct {
	Device string
	Baud   int
}

// Open opens the named serial device and starts the read loop. handler is
// invoked, on its own goroutine, once per successfully parsed packet.
func Open(cfg Config, handler func(Packet)) (*Port, error) {
	mode := &serial.Mode{BaudRate: cfg.Baud}
	sp, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Device, err)
	}

	log.Printf("serialport: opened %s @ %d baud", cfg.Device, cfg.Baud)
	return newPort(sp, handler), nil
}

// newPort wires an already-open port into a running Port, regardless of
// whether it's a real serial.Port or, in tests, an in-memory fake.
func newPort(rwc io.ReadWriteCloser, handler func(Packet)) *Port {
	p := &Port{
		port:    rwc,
		engine:  framer.NewSecondary(),
		handler: handler,
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.readLoop()

	return p
}

// Close stops the read loop and closes the underlying port.
func (p *Port) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return p.port.Close()
}

// Stats returns a snapshot of the link-health counters.
func (p *Port) Stats() LinkStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Send frames payload under id and writes the whole frame in one call, the
// way the teacher's WriteWithFrameID builds the complete buffer before a
// single port.Write.
func (p *Port) Send(id uint16, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	frame := make([]byte, framer.PacketSize(len(payload)))
	if err := p.engine.WriteHeader(frame, id, payload); err != nil {
		return fmt.Errorf("serialport: write header: %w", err)
	}
	copy(frame[framer.HeaderSize:], payload)

	if _, err := p.port.Write(frame); err != nil {
		return fmt.Errorf("serialport: write frame: %w", err)
	}
	return nil
}

// NextID delegates to the underlying engine's packet-id generator.
func (p *Port) NextID() uint16 {
	return p.engine.NextID()
}

func (p *Port) readLoop() {
	defer p.wg.Done()

	chunk := make([]byte, 64)
	var pending []byte

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		op := p.engine.NextOperation()

		if op.Kind == framer.OpSendSyncReply {
			p.sendSyncReply()
			p.countSync()
			continue
		}

		// OpReadPayload may legitimately advise Size: 0 for a zero-length
		// payload (framer.readPayload consumes 0 bytes and returns ReadOK
		// immediately); only the strobe/header advice states always need at
		// least one byte.
		need := op.Size
		if op.Kind != framer.OpReadPayload && need < 1 {
			need = 1
		}
		for len(pending) < need {
			select {
			case <-p.stopCh:
				return
			default:
			}

			n, err := p.port.Read(chunk)
			if err != nil && !errors.Is(err, io.EOF) {
				log.Printf("serialport: read error: %v", err)
			}
			if n > 0 {
				pending = append(pending, chunk[:n]...)
			}
		}

		result, consumed, _ := p.engine.ReadBytes(pending)

		if result == framer.ReadOK && op.Kind == framer.OpReadPayload {
			payload := append([]byte(nil), pending[:consumed]...)
			p.countOK()
			if p.handler != nil {
				go p.handler(Packet{ID: op.ID, Payload: payload})
			}
		}

		pending = pending[consumed:]

		switch result {
		case framer.ReadErrorChecksum:
			p.countChecksumError()
			log.Printf("serialport: checksum error, resyncing")
		case framer.ReadErrorUnexpectedData:
			p.countUnexpected()
		}
	}
}

func (p *Port) sendSyncReply() {
	reply := make([]byte, framer.SyncReplyHeaderSize)
	_ = p.engine.WriteSyncReplyHeader(reply)

	p.writeMu.Lock()
	_, err := p.port.Write(reply)
	p.writeMu.Unlock()
	if err != nil {
		log.Printf("serialport: failed to send sync reply: %v", err)
		return
	}
	if err := p.engine.SyncReplySent(); err != nil {
		log.Printf("serialport: sync reply sent in unexpected state: %v", err)
	}
}

func (p *Port) countOK() {
	p.statsMu.Lock()
	p.stats.PacketsOK++
	p.statsMu.Unlock()
}

func (p *Port) countChecksumError() {
	p.statsMu.Lock()
	p.stats.ChecksumErrors++
	p.statsMu.Unlock()
}

func (p *Port) countUnexpected() {
	p.statsMu.Lock()
	p.stats.UnexpectedBytes++
	p.statsMu.Unlock()
}

func (p *Port) countSync() {
	p.statsMu.Lock()
	p.stats.SyncHandshakes++
	p.statsMu.Unlock()
}
