// Package config loads the daemon configuration from LEDGERTWIN_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/go-digitaltwin/ledgertwin"
	"github.com/go-digitaltwin/ledgertwin/mqttbroker"
)

// Prefix is prepended to every variable name below.
const Prefix = "LEDGERTWIN_"

// Transports the daemon can subscribe with.
const (
	TransportMQTT   = "mqtt"
	TransportPubSub = "pubsub"
	TransportNone   = "none"
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	Namespace string `env:"NAMESPACE" envDefault:"bank"`
	Transport string `env:"TRANSPORT" envDefault:"mqtt"`

	MQTTBroker   string `env:"MQTT_BROKER" envDefault:"tcp://localhost:1883"`
	MQTTClientID string `env:"MQTT_CLIENT_ID" envDefault:"ledgertwind"`
	MQTTUsername string `env:"MQTT_USERNAME"`
	MQTTPassword string `env:"MQTT_PASSWORD"`

	// SubscriptionURL is a gocloud.dev/pubsub URL, e.g. "mem://events" or
	// "kafka://group?topic=events".
	SubscriptionURL string `env:"PUBSUB_SUBSCRIPTION_URL"`

	// ReplayPath is rebuilt from before subscribing, when set. With LedgerDSN
	// also set, the ledger's history is exported to it first.
	ReplayPath string `env:"REPLAY_PATH"`
	LedgerDSN  string `env:"LEDGER_DSN"`

	// Neo4jURI enables the transfer graph projection.
	Neo4jURI      string `env:"NEO4J_URI"`
	Neo4jDatabase string `env:"NEO4J_DATABASE" envDefault:"ledgertwin"`
	Neo4jUsername string `env:"NEO4J_USERNAME"`
	Neo4jPassword string `env:"NEO4J_PASSWORD"`

	ShadowWindow   int `env:"SHADOW_WINDOW" envDefault:"50"`
	SampleCapacity int `env:"SAMPLE_CAPACITY" envDefault:"1024"`
	DedupCapacity  int `env:"DEDUP_CAPACITY" envDefault:"4096"`

	MinBackoff     time.Duration `env:"MIN_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"120s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`

	// MaxStaleness fails /healthz once the twin has not folded anything for
	// this long. Zero disables the check.
	MaxStaleness    time.Duration `env:"MAX_STALENESS" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel     slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	OTLPEndpoint string     `env:"OTLP_ENDPOINT"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("config: %sMQTT_BROKER is required with the mqtt transport", Prefix)
		}
	case TransportPubSub:
		if c.SubscriptionURL == "" {
			return fmt.Errorf("config: %sPUBSUB_SUBSCRIPTION_URL is required with the pubsub transport", Prefix)
		}
	case TransportNone:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.LedgerDSN != "" && c.ReplayPath == "" {
		return fmt.Errorf("config: %sLEDGER_DSN needs %sREPLAY_PATH to export to", Prefix, Prefix)
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("config: backoff bounds %v..%v are invalid", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}

// StoreOptions returns the retention options of the twin.
func (c Config) StoreOptions() []ledgertwin.Option {
	return []ledgertwin.Option{
		ledgertwin.WithShadowWindow(c.ShadowWindow),
		ledgertwin.WithSampleCapacity(c.SampleCapacity),
		ledgertwin.WithDedupCapacity(c.DedupCapacity),
	}
}

// MQTT returns the broker options for the subscriber connection. The session
// is persistent so that QoS 1 events queued while disconnected are redelivered.
func (c Config) MQTT() mqttbroker.Options {
	return mqttbroker.Options{
		Broker:         c.MQTTBroker,
		ClientID:       c.MQTTClientID,
		Username:       c.MQTTUsername,
		Password:       c.MQTTPassword,
		ConnectTimeout: c.ConnectTimeout,
	}
}
