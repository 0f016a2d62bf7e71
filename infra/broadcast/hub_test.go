package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/internal/eventbus"
)

type fakeSource struct {
	bus *eventbus.TypedBus[events.Envelope]

	mu       sync.Mutex
	seq      uint64
	readings []model.SensorReading
	statuses []string
}

func newFakeSource(seq uint64) *fakeSource {
	return &fakeSource{bus: eventbus.NewTyped[events.Envelope](eventbus.WithBuffer(16)), seq: seq}
}

func (f *fakeSource) Snapshot(context.Context) (dispatch.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dispatch.Snapshot{
		Seq:  f.seq,
		Bins: []model.Bin{{ID: "B1", FillLevel: model.EmptyFillLevel}},
	}, nil
}

func (f *fakeSource) Subscribe() <-chan events.Envelope     { return f.bus.Subscribe() }
func (f *fakeSource) Unsubscribe(ch <-chan events.Envelope) { f.bus.Unsubscribe(ch) }

func (f *fakeSource) HandleSensor(_ context.Context, r model.SensorReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeSource) HandleBinStatus(_ context.Context, binID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, binID+":"+status)
	return nil
}

func (f *fakeSource) publish(t *testing.T, seq uint64) {
	t.Helper()
	env, err := events.New(events.BinUpdate, seq, events.BinUpdateEvent{BinID: "B1", FillLevel: 95, Status: model.BinFull})
	require.NoError(t, err)
	f.mu.Lock()
	f.seq = seq
	f.mu.Unlock()
	f.bus.Publish(env)
}

func startHub(t *testing.T, src *fakeSource) (*Hub, string) {
	t.Helper()
	ResetMetrics(nil)
	h, err := NewHub(src, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env events.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestHubSendsSnapshotThenDeltas(t *testing.T) {
	src := newFakeSource(5)
	h, url := startHub(t, src)
	conn := dial(t, url)

	first := readEnvelope(t, conn)
	assert.Equal(t, events.Snapshot, first.Type)
	assert.Equal(t, uint64(5), first.Seq)
	var snap events.SnapshotEvent
	require.NoError(t, first.Decode(&snap))
	require.Len(t, snap.Bins, 1)
	assert.Equal(t, 1, h.Clients())

	src.publish(t, 6)
	next := readEnvelope(t, conn)
	assert.Equal(t, events.BinUpdate, next.Type)
	assert.Equal(t, uint64(6), next.Seq)
}

func TestHubForwardsInboundMessages(t *testing.T) {
	src := newFakeSource(0)
	_, url := startHub(t, src)
	conn := dial(t, url)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"sensorData","data":{"binId":"B1","distance":12}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"binStatus","data":{"binId":"B2","status":"EMPTY"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.readings) == 1 && len(src.statuses) == 1
	}, 2*time.Second, 10*time.Millisecond)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, "B1", src.readings[0].BinID)
	assert.Equal(t, 12.0, src.readings[0].DistanceCm)
	assert.False(t, src.readings[0].Timestamp.IsZero())
	assert.Equal(t, "B2:EMPTY", src.statuses[0])
}

func TestHubDisconnectsOnGap(t *testing.T) {
	src := newFakeSource(0)
	h, url := startHub(t, src)
	conn := dial(t, url)
	readEnvelope(t, conn)

	src.publish(t, 1)
	assert.Equal(t, uint64(1), readEnvelope(t, conn).Seq)
	src.publish(t, 3)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsSlowClient(t *testing.T) {
	ResetMetrics(nil)
	src := newFakeSource(0)
	h, err := NewHub(src, nil)
	require.NoError(t, err)

	slow := &Client{ID: "slow", hub: h, send: make(chan []byte, 1)}
	h.clients[slow] = struct{}{}

	for seq := uint64(1); seq <= 2; seq++ {
		env, err := events.New(events.BinUpdate, seq, events.BinUpdateEvent{BinID: "B1"})
		require.NoError(t, err)
		h.broadcast(env)
	}
	assert.Equal(t, 0, h.Clients())

	msg, ok := <-slow.send
	require.True(t, ok)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, uint64(1), env.Seq)
	_, ok = <-slow.send
	assert.False(t, ok, "send channel must be closed")
}

func TestNewHubNilSource(t *testing.T) {
	if _, err := NewHub(nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}
