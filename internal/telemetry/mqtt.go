package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Publisher is the part of mqtt.Client the observer needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTObserver republishes every broadcast vehicle location on <topic>/<pi_id>.
type MQTTObserver struct {
	pub     Publisher
	topic   string
	timeout time.Duration
	log     zerolog.Logger

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTObserver publishes every snapshot to topic.
func NewMQTTObserver(pub Publisher, topic string, log zerolog.Logger) *MQTTObserver {
	return &MQTTObserver{
		pub:     pub,
		topic:   topic,
		timeout: 2 * time.Second,
		log:     log.With().Str("component", "mqtt").Logger(),
	}
}

// ConnectMQTT connects to broker ("host:port" or a full URL) with automatic reconnects.
func ConnectMQTT(broker, clientID string, log zerolog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", broker).Str("client_id", clientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Run consumes snapshots from b until ctx is done.
func (o *MQTTObserver) Run(ctx context.Context, b *Broadcaster) error {
	ch, unsubscribe, err := b.Subscribe("mqtt", 4)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			o.publish(s)
		}
	}
}

func (o *MQTTObserver) publish(s Snapshot) {
	for _, v := range s.Vehicles {
		payload, err := json.Marshal(v)
		if err != nil {
			o.errors.Add(1)
			continue
		}
		topic := o.topic + "/" + v.DeviceID
		token := o.pub.Publish(topic, 0, true, payload)
		if !token.WaitTimeout(o.timeout) {
			o.errors.Add(1)
			o.log.Warn().Str("topic", topic).Msg("publish timeout")
			continue
		}
		if err := token.Error(); err != nil {
			o.errors.Add(1)
			o.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
			continue
		}
		o.published.Add(1)
	}
}

// Published returns the number of messages delivered to the broker.
func (o *MQTTObserver) Published() uint64 { return o.published.Load() }
