package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matteoterruzzi/llpp/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	queryTimeout   = 10 * time.Second
)

// client is one observer connection. station and subscribed are only
// touched by the hub loop.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	station    string
	subscribed bool
}

func newClient(conn *websocket.Conn, queueSize int) *client {
	return &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queueSize),
	}
}

// writeLoop drains the outbound queue until the hub closes it or a write fails
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop answers the observer's requests through its own reader. The
// reader and the registration are released on every exit path.
func (h *Hub) readLoop(c *client, reader Reader) {
	defer func() {
		h.leave(c)
		c.conn.Close()
		if err := reader.Close(); err != nil {
			log.Printf("Failed to close store reader for observer %s: %v", c.id, err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("Observer %s read error: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		req, ok := models.ParseRequest(data)
		if !ok {
			if h.opts.Debug {
				log.Printf("Ignoring malformed request from observer %s: %.64q", c.id, data)
			}
			continue
		}

		r, err := h.answer(c, reader, req)
		if err != nil {
			log.Printf("Observer %s query failed: %v", c.id, err)
			continue
		}
		if !h.send(r) {
			return
		}
	}
}

func (h *Hub) answer(c *client, reader Reader, req models.Request) (reply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if req.ListStations {
		stations, err := reader.ListStations(ctx)
		if err != nil {
			return reply{}, fmt.Errorf("failed to list stations: %w", err)
		}
		payload, err := json.Marshal(models.StationsResponse{Stations: stations})
		if err != nil {
			return reply{}, err
		}
		return reply{client: c, payload: payload}, nil
	}

	station := *req.Station
	snapshot, err := ReadSnapshot(ctx, reader, station)
	if err != nil {
		return reply{}, err
	}
	payload, err := json.Marshal(models.PastResponse{Past: snapshot})
	if err != nil {
		return reply{}, err
	}
	return reply{client: c, payload: payload, subscribe: true, station: station}, nil
}

// ReadSnapshot reads the current status and the full bucket history of station
func ReadSnapshot(ctx context.Context, reader Reader, station string) (models.Snapshot, error) {
	status, err := reader.GetStatus(ctx, station)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to get status of %s: %w", station, err)
	}
	arrivals, err := reader.GetPastArrivals(ctx, station)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to get arrivals of %s: %w", station, err)
	}
	departures, err := reader.GetPastDepartures(ctx, station)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to get departures of %s: %w", station, err)
	}
	return models.Snapshot{
		Station:    station,
		Status:     status,
		Arrivals:   arrivals,
		Departures: departures,
	}, nil
}
