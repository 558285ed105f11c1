// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package cdr publishes a call detail record for every finished call.
package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sprucehealth/twiari/model"
)

// Options configures the MQTT connection
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// publisher is the part of mqtt.Client the publisher uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher sends records as JSON to "<prefix>/<call sid>"
type MQTTPublisher struct {
	client publisher
	prefix string
	qos    byte
}

// Connect dials the broker and returns a ready publisher
func Connect(opts Options, log *slog.Logger) (*MQTTPublisher, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.Username = opts.Username
	co.Password = opts.Password
	co.AutoReconnect = true
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("cdr broker connection lost", "broker", opts.Broker, "error", err)
	}

	c := mqtt.NewClient(co)
	if t := c.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, t.Error())
	}
	return newMQTTPublisher(c, opts.TopicPrefix, opts.QoS), nil
}

func newMQTTPublisher(c publisher, prefix string, qos byte) *MQTTPublisher {
	if prefix == "" {
		prefix = "twiari/calls"
	}
	return &MQTTPublisher{client: c, prefix: prefix, qos: qos}
}

// Publish sends rec and waits for the broker until ctx is done
func (p *MQTTPublisher) Publish(ctx context.Context, rec model.CallRecord) error {
	js, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	t := p.client.Publish(p.prefix+"/"+string(rec.SID), p.qos, false, js)
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// LogPublisher writes records to a logger when no broker is configured
type LogPublisher struct {
	Log *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, rec model.CallRecord) error {
	p.Log.Info("call record",
		"call_sid", rec.SID,
		"from", rec.From,
		"to", rec.To,
		"status", rec.Status,
		"duration_ms", rec.Duration.Milliseconds(),
		"verbs", rec.Verbs)
	return nil
}
