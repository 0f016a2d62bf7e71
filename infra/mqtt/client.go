package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/logger"
	"github.com/tozahudud/patrol/core/model"
	coremon "github.com/tozahudud/patrol/core/monitoring"
	coremqtt "github.com/tozahudud/patrol/core/mqtt"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	AuthMethod string          `json:"auth_method"`
	QoS        map[string]byte `json:"qos"`
	// SensorTopic is subscribed for readings. A single "+" level carries
	// the bin id, e.g. "bins/+/sensor".
	SensorTopic string `json:"sensor_topic"`
	// EventPrefix is where committed envelopes are mirrored, one subtopic
	// per envelope type. Empty disables mirroring.
	EventPrefix string      `json:"event_prefix"`
	LWTTopic    string      `json:"lwt_topic"`
	LWTPayload  string      `json:"lwt_payload"`
	LWTQoS      byte        `json:"lwt_qos"`
	LWTRetain   bool        `json:"lwt_retain"`
	MaxRetries  int         `json:"max_retries"`
	BackoffMS   int         `json:"backoff_ms"`
	Buffer      int         `json:"buffer"`
	TLSConfig   *tls.Config `json:"-"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "patrol-" + uuid.NewString()[:8]
	}
	if c.SensorTopic == "" {
		c.SensorTopic = "bins/+/sensor"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	if strings.Count(c.SensorTopic, "+") != 1 {
		return fmt.Errorf("mqtt: sensor_topic %q needs exactly one '+' level", c.SensorTopic)
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient ingests sensor readings and mirrors envelopes using Eclipse Paho.
type PahoClient struct {
	cli         pahoClient
	qos         map[string]byte
	sensorTopic string
	eventPrefix string
	maxRetries  int
	backoff     time.Duration

	readings chan model.SensorReading
	mu       sync.Mutex
	closed   bool
	logger   logger.Logger
}

var (
	_ coremqtt.ReadingSource    = (*PahoClient)(nil)
	_ coremqtt.EventPublisher   = (*PahoClient)(nil)
	_ coremqtt.ReadingPublisher = (*PahoClient)(nil)
)

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the broker and subscribes to the sensor topic.
// The subscription is renewed on every reconnect.
func NewPahoClient(cfg Config, log logger.Logger) (*PahoClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log = logger.OrNop(log)
	pc := &PahoClient{
		qos:         cfg.QoS,
		sensorTopic: cfg.SensorTopic,
		eventPrefix: strings.TrimSuffix(cfg.EventPrefix, "/"),
		maxRetries:  cfg.MaxRetries,
		backoff:     time.Duration(cfg.BackoffMS) * time.Millisecond,
		readings:    make(chan model.SensorReading, cfg.Buffer),
		logger:      log,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(pc.sensorTopic, pc.qosFor("sensor"), pc.onSensor); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe %s: %v", pc.sensorTopic, token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PahoClient) qosFor(kind string) byte {
	if q, ok := p.qos[kind]; ok {
		return q
	}
	return 0
}

// Readings returns the channel of decoded sensor readings.
func (p *PahoClient) Readings() <-chan model.SensorReading { return p.readings }

func (p *PahoClient) onSensor(_ paho.Client, msg paho.Message) {
	r, err := DecodeReading(p.sensorTopic, msg.Topic(), msg.Payload())
	if err != nil {
		p.logger.Warnf("drop sensor message on %s: %v", msg.Topic(), err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.readings <- r:
	default:
		p.logger.Warnf("sensor buffer full; dropping reading for %s", r.BinID)
	}
}

// DecodeReading parses a sensor payload. The bin id is taken from the
// payload when present, otherwise from the "+" level of the topic.
func DecodeReading(pattern, topic string, payload []byte) (model.SensorReading, error) {
	var raw struct {
		BinID     string    `json:"binId"`
		Distance  *float64  `json:"distance"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return model.SensorReading{}, fmt.Errorf("decode reading: %w", err)
	}
	if raw.Distance == nil {
		return model.SensorReading{}, fmt.Errorf("reading without distance")
	}
	r := model.SensorReading{BinID: raw.BinID, DistanceCm: *raw.Distance, Timestamp: raw.Timestamp}
	if r.BinID == "" {
		r.BinID = BinIDFromTopic(pattern, topic)
	}
	if r.BinID == "" {
		return model.SensorReading{}, fmt.Errorf("reading without bin id")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return r, nil
}

// BinIDFromTopic returns the topic level matched by "+" in pattern, or ""
// when topic does not match.
func BinIDFromTopic(pattern, topic string) string {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return ""
	}
	id := ""
	for i := range pp {
		switch pp[i] {
		case "+":
			id = tp[i]
		case tp[i]:
		default:
			return ""
		}
	}
	return id
}

// SensorTopicFor fills the "+" level of the sensor topic with binID.
func (p *PahoClient) SensorTopicFor(binID string) string {
	return strings.Replace(p.sensorTopic, "+", binID, 1)
}

// PublishReading sends r on the bin's sensor topic.
func (p *PahoClient) PublishReading(r model.SensorReading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return p.publish(p.SensorTopicFor(r.BinID), p.qosFor("sensor"), payload, map[string]string{"bin_id": r.BinID})
}

// PublishEnvelope mirrors env under the event prefix.
func (p *PahoClient) PublishEnvelope(env events.Envelope) error {
	if p.eventPrefix == "" {
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	topic := p.eventPrefix + "/" + string(env.Type)
	return p.publish(topic, p.qosFor("event"), payload, map[string]string{"event": string(env.Type)})
}

func (p *PahoClient) publish(topic string, qos byte, payload []byte, tags map[string]string) error {
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			p.logger.Debugf("published %d bytes to %s", len(payload), topic)
			return nil
		}
		p.logger.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		if attempt < p.maxRetries {
			time.Sleep(p.backoff * time.Duration(1<<attempt))
		}
	}
	err := fmt.Errorf("%w: %s: %v", coremqtt.ErrPublishFailed, topic, publishErr)
	t := map[string]string{"module": "mqtt", "topic": topic}
	for k, v := range tags {
		t[k] = v
	}
	coremon.CaptureException(err, t)
	return err
}

// Mirror publishes every envelope from ch until ctx is done or ch closes.
func (p *PahoClient) Mirror(ctx context.Context, ch <-chan events.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if err := p.PublishEnvelope(env); err != nil {
				p.logger.Warnf("mirror seq %d: %v", env.Seq, err)
			}
		}
	}
}

// Disconnect gracefully closes the MQTT connection and the readings channel.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.readings)
	}
	p.mu.Unlock()
}
