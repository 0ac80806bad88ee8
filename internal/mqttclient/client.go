package mqttclient

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

type MessageHandler func(topic string, payload []byte)

type Client struct {
	conn      mqtt.Client
	topics    []string
	connected atomic.Bool
	log       zerolog.Logger
	handler   atomic.Pointer[MessageHandler]
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// Topics are subscribed on every (re)connect. Empty means publish only.
	Topics []string
	Log    zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topics: opts.Topics,
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetMessageHandler routes messages on subscribed topics to h.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler.Store(&h)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	if len(c.topics) == 0 {
		c.log.Info().Msg("mqtt connected")
		return
	}
	c.log.Info().Strs("topics", c.topics).Msg("mqtt connected, subscribing")

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = 1
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if h := c.handler.Load(); h != nil {
		(*h)(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message received")
}

// Publish sends payload at QoS 1 and waits for the broker to acknowledge it
// or for ctx to end.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.conn.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

// TopicJoin joins non-empty topic levels with "/".
func TopicJoin(levels ...string) string {
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		l = strings.Trim(l, "/")
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "/")
}
