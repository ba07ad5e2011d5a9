package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"resqmesh/mesh"
)

const (
	// DefaultMQTTTimeout bounds connect and publish acknowledgements.
	DefaultMQTTTimeout = 5 * time.Second
	defaultQoS         = 1
)

// MQTTOptions configures MQTTUploader.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the prefix; reports go to <Topic>/<origin id>.
	Topic    string
	DeviceID string
	Timeout  time.Duration

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// MQTTUploader publishes one report per message at QoS 1. It connects on first use and
// reconnects on later uploads after a lost connection.
type MQTTUploader struct {
	options MQTTOptions
	log     logrus.FieldLogger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTUploader validates options. No connection is made until the first Upload.
func NewMQTTUploader(options MQTTOptions, log logrus.FieldLogger) (*MQTTUploader, error) {
	if options.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if options.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if options.ClientID == "" {
		options.ClientID = "resqmesh-" + options.DeviceID
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultMQTTTimeout
	}
	if options.newClient == nil {
		options.newClient = mqtt.NewClient
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MQTTUploader{
		options: options,
		log:     log.WithField("component", "mqtt_uplink"),
	}, nil
}

// Upload publishes the message's report and waits for the broker acknowledgement.
func (u *MQTTUploader) Upload(ctx context.Context, message mesh.Message) error {
	client, err := u.connected(ctx)
	if err != nil {
		return err
	}

	payload, err := encodeReport(u.options.DeviceID, message)
	if err != nil {
		return err
	}
	topic := u.options.Topic + "/" + message.OriginID
	token := client.Publish(topic, defaultQoS, false, payload)
	if err := u.wait(ctx, token); err != nil {
		return fmt.Errorf("mqtt publish to %q: %w", topic, err)
	}

	u.log.WithFields(logrus.Fields{
		"topic": topic,
		"key":   message.Key,
	}).Debug("report published")
	return nil
}

// Close disconnects from the broker if connected.
func (u *MQTTUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.client != nil && u.client.IsConnected() {
		u.client.Disconnect(250)
	}
	return nil
}

func (u *MQTTUploader) connected(ctx context.Context) (mqtt.Client, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.client == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(u.options.Broker).
			SetClientID(u.options.ClientID).
			SetUsername(u.options.Username).
			SetPassword(u.options.Password).
			SetKeepAlive(30 * time.Second).
			SetPingTimeout(2 * time.Second).
			SetConnectTimeout(u.options.Timeout).
			SetAutoReconnect(false).
			SetCleanSession(true)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			u.log.WithError(err).Warn("mqtt connection lost")
		})
		u.client = u.options.newClient(opts)
	}
	if u.client.IsConnected() {
		return u.client, nil
	}

	if err := u.wait(ctx, u.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}
	u.log.WithField("broker", u.options.Broker).Info("connected to mqtt broker")
	return u.client, nil
}

func (u *MQTTUploader) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(u.options.Timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", u.options.Timeout)
	}
}
