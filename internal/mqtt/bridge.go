// Package mqtt bridges control state, notifications and intents onto an MQTT broker.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/config"
	"github.com/dokzlo13/fleetd/internal/intent"
	"github.com/dokzlo13/fleetd/internal/notify"
	"github.com/dokzlo13/fleetd/internal/state"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 60 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

// Submitter accepts intents for asynchronous handling.
type Submitter interface {
	Submit(in intent.Intent) (string, error)
}

// conn is the part of the paho client the bridge uses.
type conn interface {
	Connect() pahomqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// StatePayload is published retained on the state topic of a target.
type StatePayload struct {
	Target string `json:"target"`
	state.ControlState
}

// Bridge publishes state and notifications and feeds received intents to the engine.
type Bridge struct {
	conn    conn
	topics  Topics
	qos     byte
	intents Submitter
}

// New creates a bridge for the configured broker. Call Connect to dial.
func New(cfg config.MQTTConfig, intents Submitter) *Bridge {
	b := &Bridge{
		topics:  Topics{Prefix: cfg.Prefix},
		qos:     byte(cfg.QoS),
		intents: intents,
	}

	opts := buildClientOptions(cfg)
	opts.SetWill(b.topics.Status(), statusOffline, b.qos, true)
	// Clean sessions drop subscriptions, so subscribe on every (re)connect
	opts.SetOnConnectHandler(func(pahomqtt.Client) { b.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.conn = pahomqtt.NewClient(opts)
	return b
}

func newBridge(c conn, prefix string, qos byte, intents Submitter) *Bridge {
	return &Bridge{conn: c, topics: Topics{Prefix: prefix}, qos: qos, intents: intents}
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	return opts
}

// Connect dials the broker and waits for the first connection.
func (b *Bridge) Connect() error {
	token := b.conn.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	log.Info().Str("prefix", b.topics.Prefix).Msg("MQTT connected")
	return nil
}

func (b *Bridge) onConnect() {
	token := b.conn.Subscribe(b.topics.Intent(), b.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleIntent(msg.Payload())
	})
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", b.topics.Intent()).Msg("MQTT subscribe failed")
	}
	b.conn.Publish(b.topics.Status(), b.qos, true, statusOnline)
}

// handleIntent decodes an intent message and submits it.
func (b *Bridge) handleIntent(payload []byte) {
	var in intent.Intent
	if err := json.Unmarshal(payload, &in); err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed MQTT intent")
		return
	}
	in.ID = ""
	if in.Source == "" {
		in.Source = "mqtt"
	}

	id, err := b.intents.Submit(in)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(in.Kind)).Str("target", in.Target).Msg("MQTT intent rejected")
		return
	}
	log.Debug().Str("intent_id", id).Str("kind", string(in.Kind)).Msg("MQTT intent queued")
}

// PublishState publishes the new state of a change, retained.
func (b *Bridge) PublishState(ch state.Change) {
	data, err := json.Marshal(StatePayload{Target: ch.Target, ControlState: ch.After})
	if err != nil {
		log.Error().Err(err).Str("target", ch.Target).Msg("Failed to encode state")
		return
	}
	b.conn.Publish(b.topics.State(ch.Target), b.qos, true, data)
}

// Notify implements notify.Notifier
func (b *Bridge) Notify(n notify.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	b.conn.Publish(b.topics.Notify(), b.qos, false, data)
}

// Close publishes the offline marker and disconnects.
func (b *Bridge) Close() {
	if b.conn.IsConnected() {
		b.conn.Publish(b.topics.Status(), b.qos, true, statusOffline).WaitTimeout(publishTimeout)
	}
	b.conn.Disconnect(disconnectQuiesce)
	log.Info().Msg("MQTT disconnected")
}
