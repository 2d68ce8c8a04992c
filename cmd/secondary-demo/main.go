// Command secondary-demo wires the serial driver, the framer protocol
// engine, a CBOR demo payload, and a Redis telemetry publisher together,
// the way the teacher's cmd/bluetooth-service wires USOCK, BLE and Redis.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/mcu-framer/pkg/appmsg"
	"github.com/librescoot/mcu-framer/pkg/serialport"
	"github.com/librescoot/mcu-framer/pkg/telemetry"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	linkKey      = flag.String("link-key", "mcu-link", "Redis hash/channel key for this link")
	reportEvery  = flag.Duration("report-every", 5*time.Second, "Telemetry send interval")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting secondary-demo")
	log.Printf("Serial device: %s", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)
	log.Printf("Redis address: %s", *redisAddr)

	pub, err := telemetry.New(*redisAddr, *redisPass, *redisDB, *linkKey)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer pub.Close()
	log.Printf("Connected to Redis")

	handler := func(pkt serialport.Packet) {
		t, err := appmsg.Unmarshal(pkt.Payload)
		if err != nil {
			log.Printf("Failed to decode packet %d: %v", pkt.ID, err)
			return
		}
		log.Printf("Received packet %d: counter=%d reading=%.2f", pkt.ID, t.Counter, t.Reading)
		if err := pub.PublishPacket(pkt.ID, pkt.Payload); err != nil {
			log.Printf("Failed to publish packet %d: %v", pkt.ID, err)
		}
	}

	port, err := serialport.Open(serialport.Config{Device: *serialDevice, Baud: *baudRate}, handler)
	if err != nil {
		log.Fatalf("Failed to open serial port: %v", err)
	}
	defer port.Close()
	log.Printf("Opened serial port, waiting for sync handshake")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*reportEvery)
	defer ticker.Stop()

	var lastOK, lastChecksumErr, lastUnexpected uint64

	for {
		select {
		case <-stop:
			log.Printf("Shutting down")
			return
		case <-ticker.C:
			stats := port.Stats()
			log.Printf("Link stats: ok=%d checksum_err=%d unexpected=%d syncs=%d",
				stats.PacketsOK, stats.ChecksumErrors, stats.UnexpectedBytes, stats.SyncHandshakes)

			if delta := int64(stats.PacketsOK - lastOK); delta != 0 {
				if err := pub.IncrCounter("packets_ok", delta); err != nil {
					log.Printf("Failed to publish counters: %v", err)
				}
			}
			if delta := int64(stats.ChecksumErrors - lastChecksumErr); delta != 0 {
				if err := pub.IncrCounter("checksum_errors", delta); err != nil {
					log.Printf("Failed to publish counters: %v", err)
				}
			}
			if delta := int64(stats.UnexpectedBytes - lastUnexpected); delta != 0 {
				if err := pub.IncrCounter("unexpected_bytes", delta); err != nil {
					log.Printf("Failed to publish counters: %v", err)
				}
			}
			lastOK, lastChecksumErr, lastUnexpected = stats.PacketsOK, stats.ChecksumErrors, stats.UnexpectedBytes
		}
	}
}
