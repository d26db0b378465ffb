package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

// MQTTOptions configure the MQTT publisher.
type MQTTOptions struct {
	Broker       string
	Topic        string
	ClientPrefix string
	Username     string
	Password     string
	QoS          byte
	Retain       bool
}

// publisher is the part of mqtt.Client the publisher needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher forwards events to <topic>/<kind>.
type MQTTPublisher struct {
	client publisher
	conn   mqtt.Client
	opts   MQTTOptions
	logger *slog.Logger
}

func clientID(prefix string) string {
	if prefix == "" {
		prefix = "cgmrig"
	}
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewMQTTPublisher connects to the broker. The client reconnects on its own
// after the first successful connection.
func NewMQTTPublisher(opts MQTTOptions, logger *slog.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(clientID(opts.ClientPrefix))
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(10 * time.Second)
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	co.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to broker", "broker", opts.Broker)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", "error", err)
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		logger.Warn("broker not reachable yet, retrying in background", "broker", opts.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{
		client: client,
		conn:   client,
		opts:   opts,
		logger: logger,
	}, nil
}

func newPublisher(client publisher, opts MQTTOptions, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{client: client, opts: opts, logger: logger}
}

// Topic returns the topic an event kind is published on.
func (p *MQTTPublisher) Topic(k Kind) string {
	return strings.TrimSuffix(p.opts.Topic, "/") + "/" + string(k)
}

// Notify publishes the event without waiting for the broker.
func (p *MQTTPublisher) Notify(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshal event failed", "kind", e.Kind, "error", err)
		return
	}

	topic := p.Topic(e.Kind)
	token := p.client.Publish(topic, p.opts.QoS, p.opts.Retain, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.conn != nil {
		p.conn.Disconnect(250)
	}
}
