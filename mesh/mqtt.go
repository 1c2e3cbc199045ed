package mesh

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Topic layout under the publish prefix
const (
	submitSegment    = "submit"
	offsetSegment    = "offset"
	rejectedSegment  = "rejected"
	referenceSegment = "reference"
)

// SubmitTopic is where a client publishes its reference submission
func SubmitTopic(prefix, submitterID string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, submitSegment, submitterID)
}

// SubmitWildcard matches every client's submit topic
func SubmitWildcard(prefix string) string {
	return fmt.Sprintf("%s/%s/+", prefix, submitSegment)
}

// OffsetTopic is where the coordinator delivers one client's offset
func OffsetTopic(prefix, submitterID string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, offsetSegment, submitterID)
}

// OffsetWildcard matches every client's offset topic
func OffsetWildcard(prefix string) string {
	return fmt.Sprintf("%s/%s/+", prefix, offsetSegment)
}

// RejectedTopic is where the coordinator tells one client its submission was refused
func RejectedTopic(prefix, submitterID string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, rejectedSegment, submitterID)
}

// ReferenceTopic carries the retained reference status for late joiners
func ReferenceTopic(prefix string) string {
	return fmt.Sprintf("%s/%s", prefix, referenceSegment)
}

// SubmitterFromTopic extracts the submitter id from a submit topic
func SubmitterFromTopic(prefix, topic string) (string, bool) {
	want := prefix + "/" + submitSegment + "/"
	if !strings.HasPrefix(topic, want) {
		return "", false
	}
	id := strings.TrimPrefix(topic, want)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// MQTTClient manages the broker connection and the subscriptions opened on it
type MQTTClient struct {
	client mqtt.Client
	prefix string

	mu            sync.RWMutex
	isConnected   bool
	subscriptions map[string]*Subscription
}

// Subscription is an active topic subscription. Close it when the owner is torn down.
type Subscription struct {
	owner   *MQTTClient
	topic   string
	qos     byte
	handler mqtt.MessageHandler
	once    sync.Once
}

// Topic returns the subscribed topic filter
func (s *Subscription) Topic() string {
	return s.topic
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.owner.unsubscribe(s)
	})
	return err
}

// NewMQTTClient builds a client from config with env overrides.
// It returns nil, nil if no broker is configured.
func NewMQTTClient(config *Config, defaultClientID string) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" && config != nil {
		prefix = config.MQTT.PublishPrefix
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	c := &MQTTClient{
		prefix:        prefix,
		subscriptions: make(map[string]*Subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config != nil {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = defaultClientID
	}
	if clientID == "" {
		return nil, fmt.Errorf("mqtt client id is required")
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config != nil {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config != nil {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Prefix returns the topic prefix
func (c *MQTTClient) Prefix() string {
	return c.prefix
}

// Connect connects to the broker, retrying with exponential backoff until it
// succeeds or ctx is done.
func (c *MQTTClient) Connect(ctx context.Context) error {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected to broker")
				c.setConnected(true)
				return nil
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect restores subscriptions after a (re)connect
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	c.mu.RLock()
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	for _, s := range subs {
		token := client.Subscribe(s.topic, s.qos, s.handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] error resubscribing to %s: %v", s.topic, token.Error())
		}
	}
}

// onConnectionLost is called when the connection drops; paho reconnects on its own
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// Subscribe subscribes handler to topic and returns the owning Subscription
func (c *MQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) (*Subscription, error) {
	token := c.client.Subscribe(topic, qos, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}

	s := &Subscription{owner: c, topic: topic, qos: qos, handler: handler}
	c.mu.Lock()
	c.subscriptions[topic] = s
	c.mu.Unlock()

	log.Printf("[MQTT] subscribed to %s", topic)
	return s, nil
}

func (c *MQTTClient) unsubscribe(s *Subscription) error {
	c.mu.Lock()
	if c.subscriptions[s.topic] == s {
		delete(c.subscriptions, s.topic)
	}
	c.mu.Unlock()

	if !c.client.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(s.topic)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("unsubscribing from %s: %w", s.topic, token.Error())
	}
	return nil
}

// Publish sends payload to topic and waits briefly for the broker acknowledgment
func (c *MQTTClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return fmt.Errorf("publishing to %s: %w", topic, mqtt.ErrNotConnected)
	}
	token := c.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes every open subscription and then the connection
func (c *MQTTClient) Disconnect() {
	c.mu.RLock()
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.RUnlock()
	for _, s := range subs {
		if err := s.Close(); err != nil {
			log.Printf("[MQTT] %v", err)
		}
	}

	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}

// NewMQTTClientFrom wraps an existing mqtt.Client, such as a MockClient
func NewMQTTClientFrom(client mqtt.Client, prefix string) *MQTTClient {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &MQTTClient{
		client:        client,
		prefix:        prefix,
		subscriptions: make(map[string]*Subscription),
	}
}
