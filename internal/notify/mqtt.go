package notify

import (
	"context"
	"fmt"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// MQTTNotifier publishes presence changes as retained messages so
// home-automation subscribers (Home Assistant and the like) see the current
// state immediately on connect.
//
// Topics under the configured prefix:
//
//	<prefix>/device/<name>  "present" | "absent" | "unknown"
//	<prefix>/anyone         "true" | "false"
type MQTTNotifier struct {
	client mqtt.Client
	prefix string
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// NewMQTTNotifier connects to the broker. Connection failure is fatal at
// startup; publish failures afterwards are per-event and non-fatal.
func NewMQTTNotifier(ctx context.Context, opts MQTTOptions) (*MQTTNotifier, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(false)

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("connect mqtt %s: %w", opts.Broker, err)
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt %s: %w", opts.Broker, ctx.Err())
	}

	return &MQTTNotifier{client: client, prefix: opts.TopicPrefix}, nil
}

func (n *MQTTNotifier) publish(ctx context.Context, topic, payload string) error {
	token := n.client.Publish(topic, 0, true, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}

func (n *MQTTNotifier) PresenceChanged(ctx context.Context, v tracker.Verdict) error {
	topic := fmt.Sprintf("%s/device/%s", n.prefix, v.Device)
	return n.publish(ctx, topic, string(v.State))
}

func (n *MQTTNotifier) AnyoneChanged(ctx context.Context, anyone bool) error {
	return n.publish(ctx, n.prefix+"/anyone", strconv.FormatBool(anyone))
}

// Close disconnects from the broker, allowing in-flight publishes 250ms to
// drain.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
