package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/chzchzchz/emgrx/flex"
)

const DefaultTopic = "emgrx/control"

type ArmMessage struct {
	Flexed    bool    `json:"flexed"`
	Feature   float64 `json:"feature"`
	Threshold float64 `json:"threshold"`
	Spikes    int     `json:"spikes,omitempty"`
}

type RoundMessage struct {
	Run  string                `json:"run,omitempty"`
	Seq  int                   `json:"seq"`
	Time time.Time             `json:"time"`
	Mask uint8                 `json:"mask"`
	Arms map[string]ArmMessage `json:"arms"`
}

func NewRoundMessage(run string, r flex.Round, bits map[string]uint8) RoundMessage {
	msg := RoundMessage{
		Run:  run,
		Seq:  r.Seq,
		Time: r.Start,
		Mask: flex.Bitmask(r, bits),
		Arms: make(map[string]ArmMessage, len(r.Detections)),
	}
	for arm, d := range r.Detections {
		msg.Arms[arm] = ArmMessage{Flexed: d.Flexed, Feature: d.Feature, Threshold: d.Threshold, Spikes: d.Spikes}
	}
	return msg
}

// MQTT publishes every round as JSON.
type MQTT struct {
	client mqtt.Client
	Topic  string
	Run    string
	Bits   map[string]uint8
}

func NewMQTT(broker, clientID, topic, run string, bits map[string]uint8) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.WithFields(log.Fields{"broker": broker, "topic": topic}).Info("connected to mqtt")
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTT{client: client, Topic: topic, Run: run, Bits: bits}, nil
}

func (m *MQTT) Emit(ctx context.Context, r flex.Round) error {
	payload, err := json.Marshal(NewRoundMessage(m.Run, r, m.Bits))
	if err != nil {
		return err
	}
	token := m.client.Publish(m.Topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
