// Package bridge republishes decoded telemetry to an MQTT broker so that
// consumers other than websocket observers can follow the live stream.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/matteoterruzzi/llpp/internal/models"
)

const connectTimeout = 10 * time.Second

// Publisher is the subset of mqtt.Client used by the sink
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes every event as {"log": [type, station, args...]} on
// <prefix>/<station>/<type> with QoS 0. It never waits for the broker, so a
// slow or absent broker cannot stall ingestion.
type MQTTSink struct {
	client Publisher
	prefix string
}

// NewMQTTSink wraps an already connected publisher
func NewMQTTSink(client Publisher, prefix string) *MQTTSink {
	return &MQTTSink{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Connect dials broker ("host:port" or a full URL) with automatic reconnects
func Connect(broker, clientID string) (mqtt.Client, error) {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
	}
	log.Printf("Connected to MQTT broker: %s", broker)
	return client, nil
}

// Topic returns the topic an event of kind for station is published on
func (s *MQTTSink) Topic(station, kind string) string {
	return s.prefix + "/" + station + "/" + kind
}

func (s *MQTTSink) publish(msg models.LogMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	s.client.Publish(s.Topic(msg.Station, msg.Type), 0, false, payload)
	return nil
}

func (s *MQTTSink) ApplyStatus(_ context.Context, station, status string) error {
	return s.publish(models.LogMessage{Type: "status", Station: station, Args: []interface{}{status}})
}

func (s *MQTTSink) ApplyArrival(_ context.Context, station string) error {
	return s.publish(models.LogMessage{Type: "arrival", Station: station})
}

func (s *MQTTSink) ApplyDeparture(_ context.Context, station string, nanos uint64) error {
	return s.publish(models.LogMessage{Type: "departure", Station: station, Args: []interface{}{nanos}})
}
