// Package mqttbroker carries twin events over an MQTT broker: one topic per
// subject ("<namespace>/<subject>/events") published and consumed at QoS 1, so
// that every event is delivered at least once.
//
// The paho client's own reconnection is disabled; a lost connection surfaces as
// a Receive error and ledgertwin.Subscriber dials again with backoff.
package mqttbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/go-digitaltwin/ledgertwin"
)

// AtLeastOnce is the MQTT quality of service used for events.
const AtLeastOnce byte = 1

// Options configure a broker connection.
type Options struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
	// CleanSession discards the broker-side session of ClientID on connect. Keep
	// it false for subscribers so that QoS 1 messages queued while disconnected
	// are delivered after reconnecting.
	CleanSession bool
	// ConnectTimeout bounds the MQTT handshake; zero keeps the client default.
	ConnectTimeout time.Duration
}

func (o Options) client(onLost mqtt.ConnectionLostHandler) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetCleanSession(o.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetAutoAckDisabled(true)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}
	if onLost != nil {
		opts.SetConnectionLostHandler(onLost)
	}
	return mqtt.NewClient(opts)
}

// Connect opens a client for publishing.
func Connect(ctx context.Context, o Options) (mqtt.Client, error) {
	c := o.client(nil)
	if err := connect(ctx, c); err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.Broker, err)
	}
	return c, nil
}

// Dialer returns a ledgertwin.Dialer subscribing to filter (typically
// ledgertwin.WildcardTopic) on a fresh connection for every dial.
func Dialer(o Options, filter string) ledgertwin.Dialer {
	return func(ctx context.Context) (ledgertwin.Receiver, error) {
		r := newReceiver()
		c := o.client(func(_ mqtt.Client, err error) { r.connectionLost(err) })
		if err := connect(ctx, c); err != nil {
			return nil, fmt.Errorf("connect %s: %w", o.Broker, err)
		}
		if err := wait(ctx, c.Subscribe(filter, AtLeastOnce, r.handle)); err != nil {
			c.Disconnect(0)
			return nil, fmt.Errorf("subscribe %s: %w", filter, err)
		}
		r.client = c
		return r, nil
	}
}

// connect waits for c to connect. On failure c is disconnected, which also
// stops a handshake still in flight when ctx is done.
func connect(ctx context.Context, c mqtt.Client) error {
	if err := wait(ctx, c.Connect()); err != nil {
		c.Disconnect(0)
		return err
	}
	return nil
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiver hands messages from paho's callbacks to Receive.
type receiver struct {
	client mqtt.Client
	msgs   chan *ledgertwin.Delivery
	lost   chan error
	done   chan struct{}
	once   sync.Once
}

func newReceiver() *receiver {
	return &receiver{
		msgs: make(chan *ledgertwin.Delivery),
		lost: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// handle is the paho message callback. It blocks until Receive takes the
// message, which leaves the message unacknowledged until the Subscriber gets to
// it.
func (r *receiver) handle(_ mqtt.Client, msg mqtt.Message) {
	d := ledgertwin.NewDelivery(msg.Topic(), msg.Payload(), msg.Ack)
	d.LoggableID = fmt.Sprintf("%s#%d", msg.Topic(), msg.MessageID())
	select {
	case r.msgs <- d:
	case <-r.done:
	}
}

func (r *receiver) connectionLost(err error) {
	select {
	case r.lost <- err:
	default:
	}
}

func (r *receiver) Receive(ctx context.Context) (*ledgertwin.Delivery, error) {
	select {
	case d := <-r.msgs:
		return d, nil
	case err := <-r.lost:
		return nil, fmt.Errorf("connection lost: %w", err)
	case <-r.done:
		return nil, fmt.Errorf("receive: subscription shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *receiver) Shutdown(ctx context.Context) error {
	r.once.Do(func() {
		close(r.done)
		if r.client != nil && r.client.IsConnected() {
			quiesce := uint(250)
			if deadline, ok := ctx.Deadline(); ok {
				quiesce = uint(max(time.Until(deadline).Milliseconds(), 0))
			}
			r.client.Disconnect(min(quiesce, 250))
		}
	})
	return nil
}

// Sink publishes events to their subject's topic.
type Sink struct {
	Client    mqtt.Client
	Namespace string // defaults to ledgertwin.DefaultNamespace
}

func (s Sink) Publish(ctx context.Context, ev ledgertwin.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	ns := s.Namespace
	if ns == "" {
		ns = ledgertwin.DefaultNamespace
	}
	topic := ledgertwin.TopicFor(ns, ev.Subject)
	if err := wait(ctx, s.Client.Publish(topic, AtLeastOnce, false, body)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
