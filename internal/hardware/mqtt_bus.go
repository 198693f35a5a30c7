package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("mqtt client not connected")

// Handler receives one inbound telemetry message.
type Handler func(ctx context.Context, topic string, payload []byte)

type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	HandlerTimeout time.Duration
}

// MQTTBus subscribes to telemetry and publishes device commands.
type MQTTBus struct {
	client mqtt.Client
	opts   Options
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

func NewMQTTBus(o Options, log zerolog.Logger) *MQTTBus {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	b := &MQTTBus{
		opts: o,
		log:  log.With().Str("component", "mqtt").Logger(),
		subs: make(map[string]Handler),
	}

	co := mqtt.NewClientOptions().
		AddBroker(o.BrokerURL).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(o.ConnectTimeout).
		// Handlers publish commands; ordered delivery would deadlock them.
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) { b.resubscribe() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn().Err(err).Msg("mqtt connection lost")
		})
	b.client = mqtt.NewClient(co)
	return b
}

func newWithClient(c mqtt.Client, o Options, log zerolog.Logger) *MQTTBus {
	b := NewMQTTBus(o, log)
	b.client = c
	return b
}

func (b *MQTTBus) Connect(ctx context.Context) error {
	if err := wait(ctx, b.client.Connect(), b.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", b.opts.BrokerURL, err)
	}
	b.log.Info().Str("broker", b.opts.BrokerURL).Msg("mqtt connected")
	return nil
}

// Subscribe registers h for filter. Subscriptions survive reconnects.
func (b *MQTTBus) Subscribe(ctx context.Context, filter string, h Handler) error {
	b.mu.Lock()
	b.subs[filter] = h
	b.mu.Unlock()

	if err := wait(ctx, b.client.Subscribe(filter, b.opts.QoS, b.callback(h)), b.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	b.log.Info().Str("filter", filter).Msg("mqtt subscribed")
	return nil
}

func (b *MQTTBus) PublishJSON(ctx context.Context, topic string, v any) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode command for %s: %w", topic, err)
	}
	if err := wait(ctx, b.client.Publish(topic, b.opts.QoS, false, payload), b.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	b.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("mqtt published")
	return nil
}

func (b *MQTTBus) Connected() bool { return b.client.IsConnectionOpen() }

func (b *MQTTBus) Close() {
	b.client.Disconnect(250)
	b.log.Info().Msg("mqtt disconnected")
}

func (b *MQTTBus) callback(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.HandlerTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Interface("panic", r).Str("topic", m.Topic()).Msg("telemetry handler panic")
			}
		}()
		h(ctx, m.Topic(), m.Payload())
	}
}

func (b *MQTTBus) resubscribe() {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for f, h := range b.subs {
		subs[f] = h
	}
	b.mu.Unlock()

	for f, h := range subs {
		tok := b.client.Subscribe(f, b.opts.QoS, b.callback(h))
		if err := wait(context.Background(), tok, b.opts.ConnectTimeout); err != nil {
			b.log.Error().Err(err).Str("filter", f).Msg("mqtt resubscribe failed")
		}
	}
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errors.New("timed out waiting for broker")
	}
}
