package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

var (
	testGateway = shadow.DeviceID{Address: 0xaabbccdd00112233, Technology: shadow.TechnologyEthernet}
	testDevice  = shadow.DeviceID{Address: 0x0011223344556677, Technology: shadow.TechnologyWiSafe}
	tempID      = shadow.PropGroupWiSafe | 1
)

type hubFixture struct {
	store   *shadow.Store
	hub     *Hub
	server  *httptest.Server
	clients atomic.Int64
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	bus := ecom.NewBus(log)
	store := shadow.NewStore(bus, shadow.DefaultOptions(), log)
	require.NoError(t, store.CreateDevice(testDevice, 5))
	require.NoError(t, store.CreateProperty(testDevice, tempID, "temp", shadow.TypeInt32, shadow.Public, false, true,
		[2]shadow.Value{shadow.Int32(0), shadow.Int32(20)}))

	f := &hubFixture{store: store, hub: NewHub(store, testGateway, log)}
	f.hub.OnClients(func(n int) { f.clients.Store(int64(n)) })
	require.NoError(t, bus.RegisterFunc(shadow.MonitorHandler, f.hub))

	r := gin.New()
	f.hub.RegisterRoutes(r, "")
	f.server = httptest.NewServer(r)
	t.Cleanup(func() {
		f.hub.Close()
		f.server.Close()
	})
	return f
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/shadow"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHub_HelloAndDelta(t *testing.T) {
	f := newHubFixture(t)
	assert.Equal(t, 1, f.hub.Resubscribe())
	assert.Equal(t, 0, f.hub.Resubscribe(), "已订阅的对象不重复订阅")

	conn := f.dial(t)
	hello := readEvent(t, conn)
	require.Equal(t, EventHello, hello.Type)
	assert.Equal(t, []string{shadow.ThingName(testDevice, testGateway)}, hello.Things)
	assert.Eventually(t, func() bool { return f.clients.Load() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.SetPropertyValue(shadow.WiSafeDeviceHandler, testDevice, shadow.Reported, tempID, shadow.Int32(23)))

	ev := readEvent(t, conn)
	require.Equal(t, EventDelta, ev.Type)
	assert.Equal(t, shadow.ThingName(testDevice, testGateway), ev.Thing)
	assert.Equal(t, shadow.Reported.String(), ev.Group)
	assert.JSONEq(t, "23", string(ev.Properties["temp"]))
}

func TestHub_Snapshot(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "snapshot"}))

	got := map[string]Event{}
	for i := 0; i < 2; i++ {
		ev := readEvent(t, conn)
		require.Equal(t, EventSnapshot, ev.Type)
		got[ev.Group] = ev
	}
	require.Contains(t, got, shadow.Reported.String())
	assert.JSONEq(t, "20", string(got[shadow.Reported.String()].Properties["temp"]))
	assert.JSONEq(t, "0", string(got[shadow.Desired.String()].Properties["temp"]))
	assert.Contains(t, got[shadow.Reported.String()].Properties, shadow.TypeCloudName)
	assert.NotContains(t, got[shadow.Reported.String()].Properties, shadow.DeviceStatusCloudName, "私有属性不推送")
}

func TestHub_ClientLifecycle(t *testing.T) {
	f := newHubFixture(t)

	t.Run("断开后移除", func(t *testing.T) {
		conn := f.dial(t)
		readEvent(t, conn)
		require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

		conn.Close()
		assert.Eventually(t, func() bool { return f.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int64(0), f.clients.Load())
	})

	t.Run("慢客户端被丢弃", func(t *testing.T) {
		c := &Client{hub: f.hub, send: make(chan []byte, 1), remote: "test"}
		f.hub.register(c)
		f.hub.Broadcast(Event{Type: EventHello})
		f.hub.Broadcast(Event{Type: EventHello})

		assert.Equal(t, 0, f.hub.Clients())
		_, ok := <-c.send
		assert.True(t, ok, "已入队的消息仍可读出")
		_, ok = <-c.send
		assert.False(t, ok)
	})
}

func TestDeltaEvent_DeletedProperty(t *testing.T) {
	f := newHubFixture(t)
	ev := deltaEvent(f.store, "x", testDevice, shadow.Reported, []shadow.Delta{{PropertyID: 99, Value: shadow.Bool(true)}})

	raw, ok := ev.Properties["#99"]
	require.True(t, ok)
	var v bool
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.True(t, v)
}
