// Package util provides helpers shared across integration tests.
//
// StartMosquitto runs a disposable Mosquitto broker in Docker and skips
// the test when no container runtime is usable. WatchEnvelopes decodes
// engine envelopes mirrored on a topic.
package util

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/infra/mqtt"
)

const (
	MosquittoImage        = "eclipse-mosquitto:2.0"
	MosquittoReadyTimeout = 5 * time.Second

	pollInterval = 50 * time.Millisecond
)

const mosquittoConf = "listener 1883\nallow_anonymous true\npersistence false\nlog_dest stdout\n"

// StartMosquitto returns the URL of a fresh broker. The container is
// terminated when the test ends.
func StartMosquitto(ctx context.Context, t testing.TB) string {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}

	conf := filepath.Join(t.TempDir(), "mosquitto.conf")
	if err := os.WriteFile(conf, []byte(mosquittoConf), 0o644); err != nil {
		t.Fatalf("write mosquitto.conf: %v", err)
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        MosquittoImage,
			ExposedPorts: []string{"1883/tcp"},
			WaitingFor:   wait.ForListeningPort("1883/tcp"),
			Files: []tc.ContainerFile{{
				HostFilePath:      conf,
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			}},
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("mosquitto container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })

	endpoint, err := cont.PortEndpoint(ctx, "1883/tcp", "tcp")
	if err != nil {
		t.Fatalf("mosquitto endpoint: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, MosquittoReadyTimeout)
	defer cancel()
	if err := waitForBroker(waitCtx, endpoint); err != nil {
		t.Skipf("mosquitto not ready at %s: %v", endpoint, err)
	}
	return endpoint
}

func waitForBroker(ctx context.Context, broker string) error {
	for {
		cli, err := Connect(broker, "probe")
		if err == nil {
			cli.Disconnect(100)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(pollInterval):
		}
	}
}

// Connect opens a plain client with the same options the service uses.
func Connect(broker, clientID string) (paho.Client, error) {
	opts, err := mqtt.NewClientOptions(mqtt.Config{Broker: broker, ClientID: clientID})
	if err != nil {
		return nil, err
	}
	cli := paho.NewClient(opts)
	if token := cli.Connect(); !token.WaitTimeout(MosquittoReadyTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %v", broker, token.Error())
	}
	return cli, nil
}

// WatchEnvelopes subscribes to topic and delivers decoded envelopes.
// Messages that are not envelopes are ignored. Delivery drops when the
// buffer is full.
func WatchEnvelopes(t testing.TB, cli paho.Client, topic string) <-chan events.Envelope {
	t.Helper()
	ch := make(chan events.Envelope, 16)
	token := cli.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		var env events.Envelope
		if json.Unmarshal(m.Payload(), &env) != nil {
			return
		}
		select {
		case ch <- env:
		default:
		}
	})
	if !token.WaitTimeout(MosquittoReadyTimeout) || token.Error() != nil {
		t.Fatalf("subscribe %s: %v", topic, token.Error())
	}
	return ch
}
