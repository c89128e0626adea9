package main

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Mirror republishes delivered status envelopes to a secondary sink.
type Mirror interface {
	Publish(deviceID string, payload []byte) error
	Close() error
}

const defaultMirrorPrefix = "petlink"

// mirrorTopic builds "<prefix>/<device_id>/status".
func mirrorTopic(prefix, deviceID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultMirrorPrefix
	}
	return prefix + "/" + deviceID + "/status"
}

// mqttMirror publishes to an MQTT broker.
type mqttMirror struct {
	client paho.Client
	prefix string
}

// newMQTTMirror connects to broker (e.g. "tcp://192.168.1.10:1883").
func newMQTTMirror(broker, prefix, clientID string) (*mqttMirror, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &mqttMirror{client: client, prefix: prefix}, nil
}

// Publish sends payload at QoS 0, not retained.
func (m *mqttMirror) Publish(deviceID string, payload []byte) error {
	token := m.client.Publish(mirrorTopic(m.prefix, deviceID), 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (m *mqttMirror) Close() error {
	m.client.Disconnect(1000)
	return nil
}
