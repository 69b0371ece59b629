package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"gate-controller/internal/domain/anpr"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

// Dispatcher accepts decoded events. It must not block.
type Dispatcher interface {
	Dispatch(ev anpr.Event)
}

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Topics         Topics
	ConnectTimeout time.Duration
}

type Listener struct {
	cfg    Config
	client mqtt.Client
	sink   Dispatcher
	log    zerolog.Logger
}

func NewListener(cfg Config, sink Dispatcher, log zerolog.Logger) *Listener {
	if cfg.Topics.Card == "" || cfg.Topics.Camera == "" {
		def := DefaultTopics()
		if cfg.Topics.Card == "" {
			cfg.Topics.Card = def.Card
		}
		if cfg.Topics.Camera == "" {
			cfg.Topics.Camera = def.Camera
		}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Listener{
		cfg:  cfg,
		sink: sink,
		log:  log.With().Str("component", "hardware").Logger(),
	}
}

// Start connects to the broker. Subscriptions are (re)established on every
// connect so they survive automatic reconnection.
func (l *Listener) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.cfg.Broker)
	opts.SetClientID(l.cfg.ClientID)
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		l.log.Info().Str("broker", l.cfg.Broker).Msg("mqtt connection established")
		if err := l.subscribe(c); err != nil {
			l.log.Error().Err(err).Msg("mqtt subscribe failed")
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		l.log.Warn().Err(err).Str("broker", l.cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	l.client = mqtt.NewClient(opts)
	l.log.Info().Str("broker", l.cfg.Broker).Msg("connecting to mqtt broker")

	token := l.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.cfg.ConnectTimeout):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (l *Listener) subscribe(c mqtt.Client) error {
	filters := map[string]byte{
		l.cfg.Topics.Card:   l.cfg.QoS,
		l.cfg.Topics.Camera: l.cfg.QoS,
	}
	token := c.SubscribeMultiple(filters, l.handle)
	if !token.WaitTimeout(l.cfg.ConnectTimeout) {
		return errors.New("mqtt subscription timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	l.log.Info().Str("card_topic", l.cfg.Topics.Card).Str("camera_topic", l.cfg.Topics.Camera).Msg("subscribed to hardware topics")
	return nil
}

func (l *Listener) handle(_ mqtt.Client, msg mqtt.Message) {
	ev, err := l.cfg.Topics.Decode(msg.Topic(), msg.Payload())
	if err != nil {
		l.log.Warn().Err(err).Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("dropping hardware message")
		return
	}
	l.log.Debug().Str("topic", msg.Topic()).Str("event", ev.EventType()).Msg("hardware event")
	l.sink.Dispatch(ev)
}

func (l *Listener) Stop() {
	if l.client == nil {
		return
	}
	if l.client.IsConnected() {
		token := l.client.Unsubscribe(l.cfg.Topics.Card, l.cfg.Topics.Camera)
		token.WaitTimeout(l.cfg.ConnectTimeout)
	}
	l.client.Disconnect(disconnectQuiesceMs)
	l.log.Info().Msg("hardware listener stopped")
}
