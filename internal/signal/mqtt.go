package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/matching"
)

// DefaultTopicPrefix is used when BridgeConfig.TopicPrefix is empty.
const DefaultTopicPrefix = "vrutest"

// BridgeConfig describes the MQTT broker connection.
type BridgeConfig struct {
	Broker      string // host:port or a full URL
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

func (c BridgeConfig) brokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	return "tcp://" + c.Broker
}

// Bridge subscribes to <prefix>/<session>/sync, /mark and /detections and
// applies each message through a Handler.
type Bridge struct {
	cfg     BridgeConfig
	handler *Handler
	client  mqtt.Client

	mu        sync.Mutex
	ctx       context.Context
	connected bool
}

// NewBridge creates a bridge. client may be nil, in which case Start builds
// a paho client from cfg.
func NewBridge(cfg BridgeConfig, handler *Handler, client mqtt.Client) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "vrutest-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return &Bridge{cfg: cfg, handler: handler, client: client, ctx: context.Background()}
}

func (b *Bridge) topics() map[string]byte {
	return map[string]byte{
		b.cfg.TopicPrefix + "/+/sync":       b.cfg.QoS,
		b.cfg.TopicPrefix + "/+/mark":       b.cfg.QoS,
		b.cfg.TopicPrefix + "/+/detections": b.cfg.QoS,
	}
}

// Start connects to the broker and subscribes. Messages are applied with
// ctx until Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if b.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(b.cfg.brokerURL())
		opts.SetClientID(b.cfg.ClientID)
		if b.cfg.Username != "" {
			opts.SetUsername(b.cfg.Username)
			opts.SetPassword(b.cfg.Password)
		}
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(2 * time.Second)
		opts.SetMaxReconnectInterval(30 * time.Second)
		opts.OnConnect = func(c mqtt.Client) {
			b.setConnected(true)
			logf("mqtt connected to %s", b.cfg.Broker)
			// paho drops subscriptions on a clean reconnect
			if err := b.subscribe(c); err != nil {
				logf("mqtt resubscribe failed: %v", err)
			}
		}
		opts.OnConnectionLost = func(c mqtt.Client, err error) {
			b.setConnected(false)
			logf("mqtt connection lost, reconnecting: %v", err)
		}
		b.client = mqtt.NewClient(opts)

		token := b.client.Connect()
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("mqtt connection to %s timed out", b.cfg.Broker)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		return nil
	}

	b.setConnected(b.client.IsConnected())
	return b.subscribe(b.client)
}

func (b *Bridge) subscribe(c mqtt.Client) error {
	token := c.SubscribeMultiple(b.topics(), b.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt subscription timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscription failed: %w", err)
	}
	logf("mqtt subscribed to %s/+/{sync,mark,detections}", b.cfg.TopicPrefix)
	return nil
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// Connected reports the last known broker connection state.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Stop unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.client == nil {
		return
	}
	if b.client.IsConnected() {
		topics := make([]string, 0, 3)
		for t := range b.topics() {
			topics = append(topics, t)
		}
		b.client.Unsubscribe(topics...).WaitTimeout(time.Second)
		b.client.Disconnect(250)
	}
	b.setConnected(false)
	logf("mqtt bridge stopped")
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if err := b.HandleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
		logf("mqtt message on %s: %v", msg.Topic(), err)
	}
}

// HandleMessage applies one message. The topic must be
// <prefix>/<session>/<kind>.
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return fault.New(fault.MalformedMessage, "topic %q outside prefix %q", topic, b.cfg.TopicPrefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return fault.New(fault.MalformedMessage, "topic %q is not <prefix>/<session>/<kind>", topic)
	}
	sessionID, kind := parts[0], parts[1]

	switch kind {
	case TypeSync:
		ev := Event{SessionID: sessionID, Type: TypeSync}
		// a bare number is accepted for simple publishers
		if t, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64); err == nil {
			ev.ExternalTime = &t
		} else if err := decodeStrict(payload, &ev); err != nil {
			b.handler.malformed.Add(1)
			return err
		}
		ev.SessionID, ev.Type = sessionID, TypeSync
		return b.handler.Apply(ctx, ev)

	case TypeMark:
		var ev Event
		if err := decodeStrict(payload, &ev); err != nil {
			b.handler.malformed.Add(1)
			return err
		}
		ev.SessionID, ev.Type = sessionID, TypeMark
		return b.handler.Apply(ctx, ev)

	case "detections":
		dets, err := decodeDetections(payload)
		if err != nil {
			b.handler.malformed.Add(1)
			return err
		}
		var firstErr error
		for _, d := range dets {
			if err := b.handler.ApplyDetection(ctx, sessionID, d); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return fault.New(fault.MalformedMessage, "unknown topic kind %q", kind)
}

func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.MalformedMessage, err, "payload is not valid JSON")
	}
	return nil
}

// decodeDetections accepts a single detection object or an array of them.
func decodeDetections(payload []byte) ([]matching.Detection, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var dets []matching.Detection
		if err := decodeStrict(trimmed, &dets); err != nil {
			return nil, err
		}
		return dets, nil
	}
	var d matching.Detection
	if err := decodeStrict(trimmed, &d); err != nil {
		return nil, err
	}
	return []matching.Detection{d}, nil
}
