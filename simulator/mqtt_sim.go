package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/infra/mqtt"
)

// Publisher delivers a reading to the engine.
type Publisher interface {
	Publish(ctx context.Context, r model.SensorReading) error
}

// CleanupFunc is called with the bin id of every cleaned bin.
type CleanupFunc func(binID string)

type mqttPublisher struct {
	cli   paho.Client
	topic string
}

func newMQTTClient(cfg Config, clientID string) (paho.Client, error) {
	opts, err := mqtt.NewClientOptions(mqtt.Config{Broker: cfg.Broker, ClientID: clientID})
	if err != nil {
		return nil, err
	}
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return cli, nil
}

func (p *mqttPublisher) Publish(_ context.Context, r model.SensorReading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	topic := strings.Replace(p.topic, "+", r.BinID, 1)
	token := p.cli.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// watchMQTT subscribes to mirrored binUpdate envelopes under prefix.
func watchMQTT(cli paho.Client, prefix string, fn CleanupFunc) error {
	topic := strings.TrimSuffix(prefix, "/") + "/" + string(events.BinUpdate)
	token := cli.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		var env events.Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			return
		}
		handleEnvelope(env, fn)
	})
	token.Wait()
	return token.Error()
}

// handleEnvelope reports a cleanup for binUpdate envelopes that carry a
// cleaned count.
func handleEnvelope(env events.Envelope, fn CleanupFunc) bool {
	if env.Type != events.BinUpdate {
		return false
	}
	var ev events.BinUpdateEvent
	if err := env.Decode(&ev); err != nil || ev.CleanedCount == nil {
		return false
	}
	fn(ev.BinID)
	return true
}

type httpPublisher struct {
	url    string
	client *http.Client
}

func newHTTPPublisher(base string) *httpPublisher {
	return &httpPublisher{
		url:    strings.TrimSuffix(base, "/") + "/api/sensors",
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *httpPublisher) Publish(ctx context.Context, r model.SensorReading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("post reading: %s", resp.Status)
	}
	return nil
}

// wsURL maps an http(s) base URL to the engine's websocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// watchWS reads envelopes from the websocket until ctx ends or the
// connection drops.
func watchWS(ctx context.Context, base string, fn CleanupFunc) error {
	addr, err := wsURL(base)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handleEnvelope(env, fn)
	}
}
