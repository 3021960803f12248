package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/server/events"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig describes how to reach the MQTT broker
type MQTTConfig struct {
	Broker      string `yaml:"broker"`       // host:port. If empty, MQTT notifications are disabled.
	ClientID    string `yaml:"client_id"`    // Default "vew"
	TopicPrefix string `yaml:"topic_prefix"` // Events are published to <prefix>/<event name>. Default "vew/events".
	QoS         byte   `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

const DefaultTopicPrefix = "vew/events"
const mqttTimeout = 5 * time.Second

// publisher is the subset of mqtt.Client that we use
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes every received event to an MQTT topic
type MQTTNotifier struct {
	Log    logs.Log
	client mqtt.Client
	pub    publisher
	prefix string
	qos    byte

	lock      sync.Mutex
	published map[string]int // count per topic
}

// Topic returns the MQTT topic for an event name. Spaces become underscores.
func Topic(prefix string, name events.Name) string {
	return prefix + "/" + strings.ReplaceAll(string(name), " ", "_")
}

// ConnectMQTT connects to the broker, and keeps reconnecting in the background if the connection is lost
func ConnectMQTT(logger logs.Log, cfg MQTTConfig) (*MQTTNotifier, error) {
	logger = logs.NewPrefixLogger(logger, "MQTT")
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "vew"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Infof("Connected to %v", cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warnf("Connection to %v lost: %v", cfg.Broker, err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("Timed out connecting to MQTT broker %v", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("Failed to connect to MQTT broker %v: %w", cfg.Broker, err)
	}

	n := newMQTTNotifier(logger, client, cfg)
	n.client = client
	return n, nil
}

func newMQTTNotifier(logger logs.Log, pub publisher, cfg MQTTConfig) *MQTTNotifier {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTNotifier{
		Log:       logger,
		pub:       pub,
		prefix:    prefix,
		qos:       cfg.QoS,
		published: map[string]int{},
	}
}

// Notify publishes the event's queue message to <prefix>/<event name>
func (n *MQTTNotifier) Notify(ctx context.Context, ev *events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	topic := Topic(n.prefix, ev.Name)
	token := n.pub.Publish(topic, n.qos, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("Timed out publishing to %v", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("Failed to publish to %v: %w", topic, err)
	}
	n.lock.Lock()
	n.published[topic]++
	n.lock.Unlock()
	n.Log.Debugf("Published %v to %v", ev, topic)
	return nil
}

// Published returns the number of messages published per topic
func (n *MQTTNotifier) Published() map[string]int {
	n.lock.Lock()
	defer n.lock.Unlock()
	c := map[string]int{}
	for k, v := range n.published {
		c[k] = v
	}
	return c
}

func (n *MQTTNotifier) Close() {
	if n.client != nil {
		n.client.Disconnect(250)
	}
}
