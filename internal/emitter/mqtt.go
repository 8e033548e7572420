// Package emitter publishes snapshots to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"traffic-state/internal/traffic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config configures the MQTT emitter.
type Config struct {
	Broker   string // host:port
	ClientID string
	Topic    string // snapshots go to Topic, road states to Topic/roads/<id>
	QoS      byte
}

// publisher is the part of mqtt.Client the emitter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter is a traffic.Sink that forwards snapshots to MQTT from its
// own goroutine. Only the newest unsent snapshot is kept, so a slow broker
// never holds up the aggregator.
type MQTTEmitter struct {
	cfg     Config
	client  mqtt.Client
	pub     publisher
	pending chan traffic.Snapshot
	log     *slog.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// NewMQTTEmitter returns an unconnected emitter.
func NewMQTTEmitter(cfg Config, log *slog.Logger) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = "traffic/snapshots"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "traffic-state"
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTTEmitter{
		cfg:     cfg,
		pending: make(chan traffic.Snapshot, 1),
		log:     log.With(slog.String("broker", cfg.Broker)),
	}
}

// Connect establishes the broker connection. The client reconnects on its own afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.log.Info("mqtt connection established", slog.String("client_id", e.cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.log.Warn("mqtt connection lost, will auto-reconnect", slog.String("error", err.Error()))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.client = client
	e.pub = client
	return nil
}

// Publish implements traffic.Sink. It replaces any snapshot still waiting.
func (e *MQTTEmitter) Publish(_ context.Context, snap traffic.Snapshot) error {
	select {
	case e.pending <- snap:
		return nil
	default:
	}
	select {
	case <-e.pending:
	default:
	}
	select {
	case e.pending <- snap:
	default:
	}
	return nil
}

// Run sends queued snapshots until ctx is done.
func (e *MQTTEmitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-e.pending:
			if err := e.send(snap); err != nil {
				e.log.Warn("mqtt publish failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *MQTTEmitter) send(snap traffic.Snapshot) error {
	if e.pub == nil {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		e.countError()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := e.publish(e.cfg.Topic, false, payload); err != nil {
		return err
	}
	for id, road := range snap.Roads {
		b, err := json.Marshal(road)
		if err != nil {
			e.countError()
			return fmt.Errorf("encode road %s: %w", id, err)
		}
		// Retained so late subscribers see every road's current level at once.
		if err := e.publish(RoadTopic(e.cfg.Topic, id), true, b); err != nil {
			return err
		}
	}
	return nil
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	token := e.pub.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	return nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Stats returns the number of published messages and failures.
func (e *MQTTEmitter) Stats() (published, errors uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published, e.errors
}

// Close disconnects from the broker.
func (e *MQTTEmitter) Close() {
	if e.client != nil {
		e.client.Disconnect(250)
	}
}

// RoadTopic returns the per-road topic under base.
func RoadTopic(base, roadID string) string {
	return base + "/roads/" + roadID
}
