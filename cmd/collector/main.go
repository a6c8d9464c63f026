package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/matteoterruzzi/llpp/internal/bridge"
	"github.com/matteoterruzzi/llpp/internal/broadcast"
	"github.com/matteoterruzzi/llpp/internal/config"
	"github.com/matteoterruzzi/llpp/internal/db"
	"github.com/matteoterruzzi/llpp/internal/ingest"
	"github.com/matteoterruzzi/llpp/internal/metrics"
	"github.com/matteoterruzzi/llpp/internal/server"
	"github.com/matteoterruzzi/llpp/internal/telemetry"
)

// store is what the collector needs from either backend
type store interface {
	telemetry.Sink
	Close() error
}

func main() {
	// Load .env first, then .env.local (which overrides for local development)
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}))
	}

	log.Println("Starting llpp collector...")
	log.Printf("Config loaded: udp=%s observers=%s flush=%s dispatch=%s",
		cfg.UDPAddr, cfg.ObserverAddr, cfg.FlushPolicy, cfg.DispatchPolicy)

	if err := run(cfg); err != nil {
		log.Fatalf("Collector stopped: %v", err)
	}
	log.Println("Goodbye!")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushPolicy, _ := cfg.Flush()
	dispatchPolicy, _ := cfg.Dispatch()

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Initialize Store
	// ═══════════════════════════════════════════════════════
	st, readers, err := openStore(ctx, cfg, flushPolicy)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
	}()

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Initialize Sinks
	// ═══════════════════════════════════════════════════════
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	hub := broadcast.NewHub(readers, broadcast.Options{
		QueueSize:       cfg.BroadcastQueue,
		ClientQueueSize: cfg.ClientQueue,
		AllowedOrigins:  cfg.AllowedOrigins,
		Debug:           cfg.Debug,
	}, collector)

	var sinks []telemetry.NamedSink
	if cfg.ConsoleSink {
		sinks = append(sinks, telemetry.NamedSink{Name: "console", Sink: telemetry.NewConsoleSink(os.Stdout)})
	}
	sinks = append(sinks,
		telemetry.NamedSink{Name: "store", Sink: st},
		telemetry.NamedSink{Name: "observers", Sink: hub},
	)

	if cfg.MQTTBroker != "" {
		client, err := bridge.Connect(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			log.Printf("Warning: MQTT bridge disabled: %v", err)
		} else {
			defer func() {
				client.Disconnect(250)
				log.Println("Disconnected from MQTT broker")
			}()
			sinks = append(sinks, telemetry.NamedSink{Name: "mqtt", Sink: bridge.NewMQTTSink(client, cfg.MQTTTopicPrefix)})
		}
	}

	dispatcher := telemetry.NewDispatcher(dispatchPolicy, collector, sinks...)
	log.Printf("Dispatching to sinks: %v", dispatcher.Sinks())

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Start Observer Server
	// ═══════════════════════════════════════════════════════
	go hub.Run(ctx)

	srv := &http.Server{
		Addr: cfg.ObserverAddr,
		Handler: server.NewRouter(server.Options{
			Hub:            hub,
			Readers:        readers,
			Gatherer:       registry,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("WS server ready to accept connections on %s", cfg.ObserverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Start UDP Ingestion
	// ═══════════════════════════════════════════════════════
	conn, err := ingest.Listen(cfg.UDPAddr)
	if err != nil {
		return err
	}
	loop := ingest.NewLoop(conn, dispatcher, collector)
	log.Printf("UDP socket ready to receive on %s", loop.Addr())

	ingestErr := make(chan error, 1)
	go func() {
		ingestErr <- loop.Run(ctx)
	}()

	// ═══════════════════════════════════════════════════════
	// PHASE 5: Graceful Shutdown
	// ═══════════════════════════════════════════════════════
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var result error
	select {
	case s := <-sig:
		log.Printf("Received %s, shutting down...", s)
	case err := <-ingestErr:
		result = err
		ingestErr <- nil
	case err := <-serveErr:
		result = err
	}

	cancel()
	<-ingestErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Observer server shutdown error: %v", err)
	}

	stats := hub.Stats()
	log.Printf("Broadcast stats: dropped=%d pushes_dropped=%d", stats.Dropped, stats.PushesDropped)
	return result
}

// openStore connects the write side and returns a factory giving every
// reader its own connection
func openStore(ctx context.Context, cfg *config.Config, policy db.FlushPolicy) (store, broadcast.ReaderFactory, error) {
	if cfg.DatabaseURL != "" {
		pg, err := db.ConnectPostgres(ctx, cfg.DatabaseURL, policy)
		if err != nil {
			return nil, nil, err
		}
		return pg, func(ctx context.Context) (broadcast.Reader, error) {
			r, err := db.OpenPostgresReader(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			return r, nil
		}, nil
	}

	sqlite, err := db.Connect(ctx, cfg.DatabasePath, policy)
	if err != nil {
		return nil, nil, err
	}
	return sqlite, func(ctx context.Context) (broadcast.Reader, error) {
		r, err := db.OpenReader(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return r, nil
	}, nil
}
