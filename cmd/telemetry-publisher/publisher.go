package main

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/natsclient"
	"github.com/c360/sensorstream/pkg/retry"
)

// Publisher sends one message to a broker.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close(ctx context.Context) error
}

type mqttPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func newMQTTPublisher(ctx context.Context, broker string, qos byte, logger *slog.Logger) (*mqttPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("telemetry-publisher-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	err := retry.Do(ctx, retry.Startup(), func() error {
		tok := client.Connect()
		if !tok.WaitTimeout(10 * time.Second) {
			return errors.WrapTransient(errors.ErrConnectionTimeout, "mqttPublisher", "Connect", "wait for connack")
		}
		return tok.Error()
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "mqttPublisher", "Connect", "connect to "+broker)
	}
	logger.Info("connected to MQTT broker", "broker", broker)
	return &mqttPublisher{client: client, qos: qos, timeout: 5 * time.Second}, nil
}

func (p *mqttPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "mqttPublisher", "Publish", topic)
	}
}

func (p *mqttPublisher) Close(context.Context) error {
	p.client.Disconnect(250)
	return nil
}

type natsPublisher struct {
	client *natsclient.Client
}

func newNATSPublisher(ctx context.Context, url string, logger *slog.Logger) (*natsPublisher, error) {
	client, err := natsclient.NewClient(url,
		natsclient.WithName("telemetry-publisher"),
		natsclient.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return &natsPublisher{client: client}, nil
}

func (p *natsPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	return p.client.Publish(ctx, subject, payload)
}

func (p *natsPublisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		_ = p.client.Close(ctx)
		return err
	}
	return p.client.Close(ctx)
}
