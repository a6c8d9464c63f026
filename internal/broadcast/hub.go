package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matteoterruzzi/llpp/internal/metrics"
	"github.com/matteoterruzzi/llpp/internal/models"
)

// Reader is the read-only view of the aggregation store an observer needs.
// Every connection gets its own Reader.
type Reader interface {
	ListStations(ctx context.Context) ([]string, error)
	GetStatus(ctx context.Context, station string) (*models.StatusRecord, error)
	GetPastArrivals(ctx context.Context, station string) ([]models.ArrivalBucket, error)
	GetPastDepartures(ctx context.Context, station string) ([]models.DepartureBucket, error)
	Close() error
}

// ReaderFactory opens a fresh Reader for a newly accepted observer
type ReaderFactory func(ctx context.Context) (Reader, error)

const (
	DefaultQueueSize       = 1024
	DefaultClientQueueSize = 64
)

// Options configures a Hub. Zero values fall back to the defaults.
type Options struct {
	// QueueSize bounds the hand-off from ingestion to the hub loop
	QueueSize int
	// ClientQueueSize bounds each observer's outbound queue
	ClientQueueSize int
	// AllowedOrigins is checked against the Origin header; "*" or empty allows any
	AllowedOrigins []string
	// Debug logs ignored observer requests
	Debug bool
}

// Stats is a point-in-time view of the hub counters
type Stats struct {
	Clients       int64
	Dropped       uint64
	PushesDropped uint64
}

// reply is a response queued by a client reader. The hub loop enqueues it
// and, for snapshots, switches the subscription in the same step so that
// live pushes for the new station always follow the snapshot.
type reply struct {
	client    *client
	payload   []byte
	subscribe bool
	station   string
}

// Hub fans live events out to subscribed websocket observers.
// Run owns the client registry; every other method talks to it via channels.
type Hub struct {
	readers  ReaderFactory
	opts     Options
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	events     chan models.LogMessage
	register   chan *client
	unregister chan *client
	replies    chan reply
	done       chan struct{}
	started    atomic.Bool

	clients       atomic.Int64
	dropped       atomic.Uint64
	pushesDropped atomic.Uint64
}

// NewHub creates a hub. collector may be nil.
func NewHub(readers ReaderFactory, opts Options, collector *metrics.Collector) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ClientQueueSize <= 0 {
		opts.ClientQueueSize = DefaultClientQueueSize
	}

	h := &Hub{
		readers:    readers,
		opts:       opts,
		metrics:    collector,
		events:     make(chan models.LogMessage, opts.QueueSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		replies:    make(chan reply),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run serves the registry until ctx is cancelled, then closes every client.
// It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	if !h.started.CompareAndSwap(false, true) {
		panic("broadcast: Hub.Run called twice")
	}
	defer close(h.done)

	clients := make(map[*client]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Broadcast hub stopping (%d observers connected)", len(clients))
			return

		case c := <-h.register:
			clients[c] = struct{}{}

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}

		case r := <-h.replies:
			if _, ok := clients[r.client]; !ok {
				continue
			}
			select {
			case r.client.send <- r.payload:
			default:
				// A client that cannot take its own reply is too slow to keep
				log.Printf("Observer %s outbound queue full, disconnecting", r.client.id)
				delete(clients, r.client)
				close(r.client.send)
				continue
			}
			if r.subscribe {
				r.client.station = r.station
				r.client.subscribed = true
			}

		case msg := <-h.events:
			h.push(clients, msg)
		}
	}
}

func (h *Hub) push(clients map[*client]struct{}, msg models.LogMessage) {
	var data []byte
	for c := range clients {
		if !c.subscribed || c.station != msg.Station {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(msg); err != nil {
				log.Printf("Failed to encode %s push for %s: %v", msg.Type, msg.Station, err)
				return
			}
		}
		select {
		case c.send <- data:
		default:
			h.pushesDropped.Add(1)
			h.metrics.PushDrop()
		}
	}
}

// publish hands msg to the hub loop without blocking. A full queue drops it.
func (h *Hub) publish(msg models.LogMessage) {
	select {
	case h.events <- msg:
	default:
		h.dropped.Add(1)
		h.metrics.BroadcastDrop()
	}
}

// ApplyStatus pushes {"log": ["status", station, status]}
func (h *Hub) ApplyStatus(_ context.Context, station, status string) error {
	h.publish(models.LogMessage{Type: "status", Station: station, Args: []interface{}{status}})
	return nil
}

// ApplyArrival pushes {"log": ["arrival", station]}
func (h *Hub) ApplyArrival(_ context.Context, station string) error {
	h.publish(models.LogMessage{Type: "arrival", Station: station})
	return nil
}

// ApplyDeparture pushes {"log": ["departure", station, nanos]}
func (h *Hub) ApplyDeparture(_ context.Context, station string, nanos uint64) error {
	h.publish(models.LogMessage{Type: "departure", Station: station, Args: []interface{}{nanos}})
	return nil
}

// Stats returns the current counters
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:       h.clients.Load(),
		Dropped:       h.dropped.Load(),
		PushesDropped: h.pushesDropped.Load(),
	}
}

// ServeWS upgrades the request and serves one observer until it disconnects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	reader, err := h.readers(ctx)
	cancel()
	if err != nil {
		log.Printf("Failed to open store reader for observer: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		reader.Close()
		return
	}

	c := newClient(conn, h.opts.ClientQueueSize)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		reader.Close()
		return
	}

	h.clients.Add(1)
	h.metrics.ObserverConnected()
	if h.opts.Debug {
		log.Printf("Observer %s connected from %s", c.id, r.RemoteAddr)
	}

	go c.writeLoop()
	go h.readLoop(c, reader)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// send queues a reply through the hub loop. It reports false once the hub
// is gone.
func (h *Hub) send(r reply) bool {
	select {
	case h.replies <- r:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
	h.clients.Add(-1)
	h.metrics.ObserverDisconnected()
	if h.opts.Debug {
		log.Printf("Observer %s disconnected", c.id)
	}
}
