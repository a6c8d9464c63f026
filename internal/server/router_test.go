package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteoterruzzi/llpp/internal/broadcast"
	"github.com/matteoterruzzi/llpp/internal/db"
	"github.com/matteoterruzzi/llpp/internal/metrics"
)

func setupServer(t *testing.T) (*httptest.Server, *db.DB) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "llpp.db")

	store, err := db.Connect(ctx, dbPath, db.FlushOnDeparture)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	readers := func(ctx context.Context) (broadcast.Reader, error) {
		r, err := db.OpenReader(ctx, dbPath)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	hub := broadcast.NewHub(readers, broadcast.Options{}, collector)

	hubCtx, cancel := context.WithCancel(ctx)
	go hub.Run(hubCtx)

	srv := httptest.NewServer(NewRouter(Options{
		Hub:      hub,
		Readers:  readers,
		Gatherer: registry,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, store
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := setupServer(t)

	status, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	var health HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "connected", health.Database)
}

func TestHealthReportsStoreFailure(t *testing.T) {
	handler := NewRouter(Options{
		Readers: func(context.Context) (broadcast.Reader, error) {
			return nil, errors.New("unable to open database file")
		},
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"disconnected"`)
}

func TestStationRoutes(t *testing.T) {
	srv, store := setupServer(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyArrival(ctx, "Test"))
	require.NoError(t, store.ApplyStatus(ctx, "Test", "Hello, world!"))
	require.NoError(t, store.ApplyDeparture(ctx, "Test", 1000))

	status, body := get(t, srv.URL+"/api/stations")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"stations": ["Test"]}`, body)

	status, body = get(t, srv.URL+"/api/stations/Test")
	assert.Equal(t, http.StatusOK, status)
	var generic map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &generic))
	assert.JSONEq(t, `"Test"`, string(generic["past"]["station"]))

	var statusPair []string
	require.NoError(t, json.Unmarshal(generic["past"]["status"], &statusPair))
	require.Len(t, statusPair, 2)
	assert.Equal(t, "Hello, world!", statusPair[0])

	var departures [][]interface{}
	require.NoError(t, json.Unmarshal(generic["past"]["departures"], &departures))
	require.Len(t, departures, 1)
	require.Len(t, departures[0], 9)
	assert.Equal(t, []interface{}{1.0, 1000.0, 1000.0, 1000.0, 1000.0, 1000.0, 0.0}, departures[0][2:])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	status, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "llpp_observers_connected")
}

func TestWebsocketRoute(t *testing.T) {
	srv, store := setupServer(t)
	ctx := context.Background()
	require.NoError(t, store.ApplyDeparture(ctx, "Test", 1))

	for _, path := range []string{"/", "/ws"} {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err, path)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`"list_stations"`)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"stations": ["Test"]}`, string(data))
		conn.Close()
	}
}
