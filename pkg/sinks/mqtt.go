package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/redact"
)

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Partials       bool          `mapstructure:"partials"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.ClientID == "" {
		c.ClientID = "callscribe"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "callscribe"
	}
	c.TopicPrefix = strings.TrimRight(c.TopicPrefix, "/")
	if c.QoS > 2 {
		c.QoS = 1
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// MQTTSink publishes transcript events as JSON to
// {prefix}/calls/{session_id}/transcript.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTTSink connects to the broker and waits for the first connection.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	logger := logging.NewComponentLogger(slog.Default(), "mqtt_sink")
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt_connected", slog.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt_connection_lost", slog.String("error", err.Error()))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.PublishTimeout) {
		logger.Warn("mqtt_connect_pending", slog.String("broker", cfg.Broker))
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return newMQTTSink(cfg, client, logger), nil
}

func newMQTTSink(cfg MQTTConfig, client mqtt.Client, logger *slog.Logger) *MQTTSink {
	return &MQTTSink{cfg: cfg.withDefaults(), client: client, logger: logger}
}

// Topic returns the topic used for a session.
func (s *MQTTSink) Topic(sessionID string) string {
	if sessionID == "" {
		sessionID = "unknown"
	}
	return s.cfg.TopicPrefix + "/calls/" + sessionID + "/transcript"
}

func (s *MQTTSink) Emit(ctx context.Context, ev frames.TranscriptEvent) error {
	if !ev.IsFinal && (!s.cfg.Partials || ev.Text == "") {
		return nil
	}
	ev.Text = redact.Text(ev.Text)
	payload, err := json.Marshal(ev)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSinkPublish)
	}
	token := s.client.Publish(s.Topic(ev.SessionID), s.cfg.QoS, false, payload)
	timeout := s.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return errorsx.New(errorsx.ReasonSinkPublish, "mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSinkPublish)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
