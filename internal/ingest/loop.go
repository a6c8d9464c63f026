// Package ingest receives telemetry datagrams and hands the decoded events
// to the dispatcher, one at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/matteoterruzzi/llpp/internal/metrics"
	"github.com/matteoterruzzi/llpp/internal/protocol"
	"github.com/matteoterruzzi/llpp/internal/telemetry"
)

// Dispatcher delivers one event to every sink
type Dispatcher interface {
	Dispatch(ctx context.Context, ev protocol.Event) error
	Policy() telemetry.FailurePolicy
}

// Loop is the single sequential reader of the UDP socket. Because every
// store mutation happens on its goroutine, writes need no extra locking.
type Loop struct {
	conn       *net.UDPConn
	dispatcher Dispatcher
	metrics    *metrics.Collector
}

// Listen binds the UDP endpoint at addr ("host:port")
func Listen(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket on %s: %w", addr, err)
	}
	return conn, nil
}

// NewLoop takes ownership of conn; Run closes it. collector may be nil.
func NewLoop(conn *net.UDPConn, dispatcher Dispatcher, collector *metrics.Collector) *Loop {
	return &Loop{conn: conn, dispatcher: dispatcher, metrics: collector}
}

// Addr returns the bound local address
func (l *Loop) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Run receives, decodes and dispatches datagrams until ctx is cancelled
// (returns nil) or a fatal error occurs. Malformed frames are dropped
// without logging. With StopOnError a failed dispatch is fatal.
func (l *Loop) Run(ctx context.Context) error {
	defer l.conn.Close()
	stop := context.AfterFunc(ctx, func() {
		l.conn.Close()
	})
	defer stop()

	// Cancellation only stops reading; a dispatch in flight runs to completion
	dispatchCtx := context.WithoutCancel(ctx)

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read datagram: %w", err)
		}
		l.metrics.DatagramReceived()

		ev, err := protocol.Decode(buf[:n])
		if err != nil {
			l.metrics.FrameDropped(dropReason(err))
			continue
		}

		if err := l.dispatcher.Dispatch(dispatchCtx, ev); err != nil && l.dispatcher.Policy() == telemetry.StopOnError {
			log.Printf("Stopping ingestion after dispatch failure")
			return err
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrShortFrame):
		return "short_frame"
	case errors.Is(err, protocol.ErrUnknownTag):
		return "unknown_tag"
	case errors.Is(err, protocol.ErrContentLength):
		return "content_length"
	default:
		return "malformed"
	}
}
