// Package mqtt bridges gpio events to an mqtt broker: accepted interrupt
// events go out as retained-free messages and subscribed command topics are
// routed back to registered handlers.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
)

const subscribeTimeoutSeconds = 15
const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

// Handler consumes command messages arriving on its topic.
type Handler interface {
	MqttHandle(pub *paho.Publish)
	MqttSubscribeTopic() string
}

// Publisher is the outbound surface handed to components that announce pin
// events without caring about the broker connection.
type Publisher interface {
	Publish(topic string, payload []byte) error
	PublishPinEvent(prefix string, pin uint16, value int) error
}

type Bridge struct {
	config   autopaho.ClientConfig
	conn     *autopaho.ConnectionManager
	logger   *log.Logger
	handlers []Handler
}

func NewBridge(broker string, clientId string) (*Bridge, error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse broker url %q", broker)
	}

	b := &Bridge{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "mqtt",
			Level:  log.GetLevel(),
		}),
	}

	b.config = autopaho.ClientConfig{
		BrokerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        b.onConnUp,
		OnConnectError:        b.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      b.onConnError,
			OnServerDisconnect: b.onSrvDisconnect,
			OnPublishReceived:  b.onPublishRecv(),
		},
	}

	return b, nil
}

// Connect establishes the broker connection and subscribes the handlers'
// topics once it is up.
func (b *Bridge) Connect(handlers []Handler) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeoutSeconds*time.Second)
	defer cancel()

	b.handlers = handlers

	conn, err := autopaho.NewConnection(ctx, b.config)
	if err != nil {
		return errors.Wrap(err, "failed to set up broker connection")
	}
	b.conn = conn

	err = conn.AwaitConnection(ctx)
	if err != nil {
		return errors.Wrap(err, "broker connection did not come up")
	}
	return nil
}

func (b *Bridge) Disconnect(ctx context.Context) error {
	b.handlers = nil
	if b.conn == nil {
		return nil
	}
	return b.conn.Disconnect(ctx)
}

func (b *Bridge) Publish(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err := b.conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

// PublishPinEvent announces one accepted interrupt event as "0" or "1" on
// prefix/pin.
func (b *Bridge) PublishPinEvent(prefix string, pin uint16, value int) error {
	topic := fmt.Sprintf("%s/%d", prefix, pin)
	return b.Publish(topic, []byte(strconv.Itoa(value)))
}

func (b *Bridge) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	b.logger.Info("connected to mqtt broker")

	if len(b.handlers) == 0 {
		return
	}

	subs := []paho.SubscribeOptions{}
	for _, h := range b.handlers {
		subs = append(subs, paho.SubscribeOptions{
			QoS:   1,
			Topic: h.MqttSubscribeTopic(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: subs,
	})
	if err != nil {
		b.logger.Error("failed to subscribe command topics", "err", err)
	}
}

func (b *Bridge) onConnError(err error) {
	b.logger.Error("mqtt connection error", "err", err)
}

func (b *Bridge) onSrvDisconnect(d *paho.Disconnect) {
	b.logger.Info("disconnected from mqtt broker")
}

func (b *Bridge) onPublishRecv() []func(paho.PublishReceived) (bool, error) {
	return []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			for _, h := range b.handlers {
				if h.MqttSubscribeTopic() == pr.Packet.Topic {
					h.MqttHandle(pr.Packet)
					return true, nil
				}
			}
			b.logger.Debug("unrouted mqtt message", "topic", pr.Packet.Topic)
			return false, nil
		},
	}
}
