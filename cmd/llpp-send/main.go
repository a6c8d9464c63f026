// llpp-send replays the reference traffic against a running collector:
// one arrival, a burst of status updates and one departure carrying the
// time it took to send them.
package main

import (
	"flag"
	"log"
	"net"
	"time"

	"github.com/sosodev/duration"

	"github.com/matteoterruzzi/llpp/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:12345", "Collector UDP address")
	station := flag.String("station", "Test", "Station name")
	status := flag.String("status", "Hello, world!", "Status text to send")
	count := flag.Int("count", 1000, "Number of status updates")
	flag.Parse()

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()

	start := time.Now()

	arrival, err := protocol.EncodeArrival(*station)
	if err != nil {
		log.Fatalf("Failed to encode arrival: %v", err)
	}
	send(conn, arrival)

	update, err := protocol.EncodeStatus(*station, *status)
	if err != nil {
		log.Fatalf("Failed to encode status: %v", err)
	}
	for i := 0; i < *count; i++ {
		send(conn, update)
	}

	elapsed := time.Since(start)
	departure, err := protocol.EncodeDeparture(*station, uint64(elapsed.Nanoseconds()))
	if err != nil {
		log.Fatalf("Failed to encode departure: %v", err)
	}
	send(conn, departure)

	log.Printf("Sent 1 arrival, %d status updates and 1 departure for %s to %s (%s)",
		*count, *station, *addr, duration.Format(elapsed))
}

func send(conn net.Conn, frame []byte) {
	if _, err := conn.Write(frame); err != nil {
		log.Fatalf("Failed to send frame: %v", err)
	}
}
