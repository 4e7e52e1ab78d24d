package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"fleetd/pkg/logger"
)

const (
	// reconnectPeriod paces the initial connect loop. Once connected,
	// paho's auto reconnect takes over.
	reconnectPeriod = 500 * time.Millisecond

	connectTimeout       = 5 * time.Second
	keepAlive            = 60 * time.Second
	maxReconnectInterval = 30 * time.Second

	inboxSize = 256
)

// Options configures the MQTT connection.
type Options struct {
	Host      string
	Port      int
	Transport string // "tcp" or "websockets"
	WSPath    string // path for websockets transport, e.g. "/mqtt"
	ClientID  string
	Username  string
	Password  string
}

// URL renders the broker address in the form paho expects.
func (o Options) URL() string {
	if o.Transport == "websockets" {
		return fmt.Sprintf("ws://%s:%d%s", o.Host, o.Port, o.WSPath)
	}
	return fmt.Sprintf("tcp://%s:%d", o.Host, o.Port)
}

// Paho is the Broker implementation backed by eclipse/paho.
type Paho struct {
	client mqtt.Client
	inbox  chan Message

	mu      sync.Mutex
	filters []string
}

// Connect dials the broker and retries until it succeeds or ctx ends.
// Subscriptions registered later are replayed on every reconnect.
func Connect(ctx context.Context, opts Options) (*Paho, error) {
	if opts.ClientID == "" {
		opts.ClientID = "fleetd-" + uuid.NewString()[:8]
	}
	p := &Paho{inbox: make(chan Message, inboxSize)}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.URL())
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetKeepAlive(keepAlive)
	co.SetConnectTimeout(connectTimeout)
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(maxReconnectInterval)
	co.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", opts.URL()).Msg("Connected to MQTT broker")
		p.resubscribe()
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("Lost connection to MQTT broker")
	})
	co.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Debug().Msg("Reconnecting to MQTT broker")
	})
	p.client = mqtt.NewClient(co)

	for {
		token := p.client.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			return p, nil
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			logger.Warnf("Could not resolve mqtt hostname %s, retrying in %g", opts.Host, reconnectPeriod.Seconds())
		} else {
			logger.Warnf("Failed to connect to mqtt broker, retrying in %g", reconnectPeriod.Seconds())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectPeriod):
		}
	}
}

// Subscribe adds filter to the replay list and subscribes now.
func (p *Paho) Subscribe(filter string) error {
	p.mu.Lock()
	p.filters = append(p.filters, filter)
	p.mu.Unlock()

	token := p.client.Subscribe(filter, 0, p.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Publish sends payload at QoS 0, matching what the robots expect.
func (p *Paho) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Messages returns the inbound stream. The channel stays open after
// Close; callers leave via their own context.
func (p *Paho) Messages() <-chan Message { return p.inbox }

// Close disconnects from the broker.
func (p *Paho) Close() {
	p.client.Disconnect(250)
}

func (p *Paho) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case p.inbox <- Message{Topic: msg.Topic(), Payload: msg.Payload()}:
	default:
		logger.Warn().Str("topic", msg.Topic()).Msg("Dropping MQTT message, inbox full")
	}
}

func (p *Paho) resubscribe() {
	p.mu.Lock()
	filters := append([]string(nil), p.filters...)
	p.mu.Unlock()
	for _, f := range filters {
		token := p.client.Subscribe(f, 0, p.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error().Err(err).Str("filter", f).Msg("Failed to resubscribe after reconnect")
		}
	}
}
