package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/faultbuffer"
	"github.com/taoyao-code/enso-gateway/internal/handlers"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

var (
	testGateway = shadow.DeviceID{Address: 0xaabbccdd00112233, Technology: shadow.TechnologyEthernet}
	testDevice  = shadow.DeviceID{Address: 0x0011223344556677, Technology: shadow.TechnologyWiSafe}
)

// gatewaySubs 通道0上计入名额的网关级订阅
const gatewaySubs = 4

const (
	propTemp  = shadow.PropGroupWiSafe | 0x01
	propHum   = shadow.PropGroupWiSafe | 0x02
	propLight = shadow.PropGroupWiSafe | 0x03
)

// deltaCollector 模拟本地订阅者
type deltaCollector struct {
	mu     sync.Mutex
	deltas []ecom.DeltaMessage
}

func (c *deltaCollector) OnMessage(_ context.Context, msg ecom.Message) error {
	if m, ok := msg.(ecom.DeltaMessage); ok {
		c.mu.Lock()
		c.deltas = append(c.deltas, m)
		c.mu.Unlock()
	}
	return nil
}

func (c *deltaCollector) snapshot() []ecom.DeltaMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ecom.DeltaMessage(nil), c.deltas...)
}

type harness struct {
	store  *shadow.Store
	bus    *ecom.Bus
	buffer *faultbuffer.Buffer
	broker *Broker
	engine *SyncEngine
	gw     string
}

func newHarness(t *testing.T, responder Responder) *harness {
	t.Helper()
	log := zap.NewNop()
	bus := ecom.NewBus(log)
	store := shadow.NewStore(bus, shadow.DefaultOptions(), log)

	bcfg := faultbuffer.DefaultConfig()
	bcfg.Tick = 5 * time.Millisecond
	bcfg.InitialBackoff = 10 * time.Millisecond
	bcfg.BackoffStep = 5 * time.Millisecond
	bcfg.MaxBackoff = 50 * time.Millisecond
	bcfg.AckTimeout = time.Second
	buffer := faultbuffer.New(nil, bcfg, log)

	broker := NewBroker()
	broker.SetResponder(responder)

	cfg := DefaultConfig()
	cfg.Gateway = testGateway
	cfg.MinDeltaInterval = time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	cfg.RecoveryShort = 10 * time.Millisecond
	cfg.RecoveryInitial = 20 * time.Millisecond
	cfg.CancelInterval = 20 * time.Millisecond
	cfg.Sequencer.IdleWait = 2 * time.Millisecond
	backoff := Backoff{Min: 5 * time.Millisecond, Max: 40 * time.Millisecond}

	engine, err := NewSyncEngine(cfg, store, bus, buffer, StubFactory(broker, backoff, log), log)
	require.NoError(t, err)
	require.NoError(t, bus.RegisterFunc(shadow.CommsHandler, engine))

	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	require.Eventually(t, engine.Connected, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return engine.Subscriptions()[0] == gatewaySubs }, time.Second, time.Millisecond)

	return &harness{store: store, bus: bus, buffer: buffer, broker: broker, engine: engine, gw: testGateway.String()}
}

// addDevice 创建设备及其属性并发起注册
func (h *harness) addDevice(t *testing.T, id shadow.DeviceID, props map[uint32]string) {
	t.Helper()
	require.NoError(t, h.store.CreateDevice(id, 5))
	for pid, name := range props {
		require.NoError(t, h.store.CreateProperty(id, pid, name, shadow.TypeUint32, shadow.Public, false, false, [2]shadow.Value{}))
	}
	require.NoError(t, h.store.RegisterObject(id))
}

func (h *harness) accepted(id shadow.DeviceID) func() bool {
	return func() bool {
		s, err := h.store.DeviceStatus(id)
		return err == nil && s == shadow.ThingAccepted
	}
}

func (h *harness) inSync(id shadow.DeviceID) func() bool {
	return func() bool {
		obj, ok := h.store.FindObject(id)
		return ok && !obj.ReportedOutOfSync
	}
}

// reportedUpdates 发布到 thing 的上报值
func (h *harness) reportedUpdates(t *testing.T, thing string) []map[string]json.RawMessage {
	var out []map[string]json.RawMessage
	for _, p := range h.broker.PublishedTo(updateTopic(thing)) {
		var doc struct {
			State struct {
				Reported map[string]json.RawMessage `json:"reported"`
			} `json:"state"`
		}
		require.NoError(t, json.Unmarshal(p.Payload, &doc))
		if doc.State.Reported != nil {
			out = append(out, doc.State.Reported)
		}
	}
	return out
}

func TestSyncEngine_GatewaySubscriptions(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))
	assert.Equal(t, gatewaySubs, h.engine.Subscriptions()[0], "通配的更新确认订阅不占名额")
	assert.Equal(t, StateConnected, h.engine.ChannelStates()[0])
	assert.Equal(t, StateDisconnected, h.engine.ChannelStates()[1])
}

func TestSyncEngine_AnnounceAndAck(t *testing.T) {
	// 注册自动接受；temp=5 的确认由测试手动发送
	auto := AutoResponder(testGateway.String())
	responder := func(p Published) []Published {
		if strings.Contains(string(p.Payload), `"temp":5`) {
			return nil
		}
		return auto(p)
	}
	h := newHarness(t, responder)
	thing := shadow.ThingName(testDevice, testGateway)

	local := &deltaCollector{}
	require.NoError(t, h.bus.RegisterFunc(shadow.LEDDeviceHandler, local))

	h.addDevice(t, testDevice, map[uint32]string{propTemp: "temp"})
	require.NoError(t, h.store.SubscribeToDevice(testDevice, shadow.Reported, shadow.LEDDeviceHandler, false))

	require.Eventually(t, func() bool { return len(h.broker.PublishedTo(announceTopic(h.gw))) > 0 }, time.Second, time.Millisecond)
	announces := h.broker.PublishedTo(announceTopic(h.gw))
	assert.JSONEq(t, `{"deviceId":"`+thing+`","type":5}`, string(announces[0].Payload))

	require.Eventually(t, h.accepted(testDevice), time.Second, time.Millisecond)
	conn, err := h.store.GetPropertyValue(testDevice, shadow.Reported, shadow.PropConnectionID)
	require.NoError(t, err)
	assert.Equal(t, shadow.Int32(0), conn)

	// 初始值同步完成
	require.Eventually(t, h.inSync(testDevice), 2*time.Second, time.Millisecond)

	require.NoError(t, h.store.SetPropertyValue(shadow.TestDeviceHandler, testDevice, shadow.Reported, propTemp, shadow.Uint32(5)))
	msgs := local.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, []shadow.Delta{{PropertyID: propTemp, Value: shadow.Uint32(5)}}, msgs[0].Deltas)

	var sent Published
	require.Eventually(t, func() bool {
		for _, p := range h.broker.PublishedTo(updateTopic(thing)) {
			if strings.Contains(string(p.Payload), `"temp":5`) {
				sent = p
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	obj, _ := h.store.FindObject(testDevice)
	assert.True(t, obj.ReportedOutOfSync, "确认前保持未同步")

	h.broker.Deliver(shadowPrefix+thing+acceptedSuffix, sent.Payload)
	require.Eventually(t, h.inSync(testDevice), time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, h.engine.GetStats().AcksAccepted, uint64(2))
}

func TestSyncEngine_RecoverAfterReconnect(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))
	thing := shadow.ThingName(testDevice, testGateway)
	h.addDevice(t, testDevice, map[uint32]string{propTemp: "temp", propHum: "hum", propLight: "lux"})
	require.Eventually(t, h.accepted(testDevice), time.Second, time.Millisecond)
	require.Eventually(t, h.inSync(testDevice), 2*time.Second, time.Millisecond)

	h.broker.SetDown(true)
	h.broker.Drop(0, errors.New("network down"))
	require.False(t, h.engine.Connected())

	for pid, v := range map[uint32]uint32{propTemp: 21, propHum: 40, propLight: 300} {
		require.NoError(t, h.store.SetPropertyValue(shadow.TestDeviceHandler, testDevice, shadow.Reported, pid, shadow.Uint32(v)))
	}
	obj, _ := h.store.FindObject(testDevice)
	assert.True(t, obj.ReportedOutOfSync)
	assert.Len(t, h.broker.PublishedTo(offlineTopic(h.gw)), 1)

	h.broker.SetDown(false)
	require.Eventually(t, h.engine.Connected, time.Second, time.Millisecond)
	require.Eventually(t, h.inSync(testDevice), 2*time.Second, time.Millisecond)

	counts := map[string]int{}
	for _, reported := range h.reportedUpdates(t, thing) {
		for name, raw := range reported {
			switch name + "=" + string(raw) {
			case "temp=21", "hum=40", "lux=300":
				counts[name]++
			}
		}
	}
	assert.Equal(t, map[string]int{"temp": 1, "hum": 1, "lux": 1}, counts)
}

func TestSyncEngine_SecondChannel(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))

	// 通道0容纳 47-4 个设备，第44个设备开启通道1
	const devices = 48
	firstOnSecond := h.engine.cfg.MaxSubscriptions - gatewaySubs
	require.Equal(t, 43, firstOnSecond)

	ids := make([]shadow.DeviceID, 0, devices)
	for i := 0; i < devices; i++ {
		id := shadow.DeviceID{Address: uint64(0x1000 + i), Technology: shadow.TechnologyWiSafe}
		ids = append(ids, id)
		h.addDevice(t, id, nil)
		if i == firstOnSecond-1 {
			assert.Equal(t, StateDisconnected, h.engine.ChannelStates()[1], "通道0未满前不开启新通道")
		}
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if !h.accepted(id)() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.engine.ChannelStates()[1] == StateConnected
	}, time.Second, time.Millisecond)

	// 订阅失败的设备由恢复流程重新注册
	require.Eventually(t, func() bool {
		total := 0
		for _, n := range h.engine.Subscriptions() {
			total += n
		}
		return total == devices+gatewaySubs
	}, 5*time.Second, 5*time.Millisecond)
	subs := h.engine.Subscriptions()
	assert.Equal(t, h.engine.cfg.MaxSubscriptions, subs[0])
	assert.Equal(t, devices-firstOnSecond, subs[1])

	for i, id := range ids {
		want := shadow.Int32(0)
		if i >= firstOnSecond {
			want = shadow.Int32(1)
		}
		conn, err := h.store.GetPropertyValue(id, shadow.Reported, shadow.PropConnectionID)
		require.NoError(t, err)
		assert.Equal(t, want, conn, "device %d", i)
	}
}

func TestSyncEngine_InboundDelta(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))
	thing := shadow.ThingName(testDevice, testGateway)
	local := &deltaCollector{}
	require.NoError(t, h.bus.RegisterFunc(shadow.LEDDeviceHandler, local))

	h.addDevice(t, testDevice, map[uint32]string{propTemp: "temp"})
	require.NoError(t, h.store.CreateProperty(testDevice, propHum, "bat_lvl", shadow.TypeUint32, shadow.Public, false, false, [2]shadow.Value{}))
	require.NoError(t, h.store.SubscribeToDevice(testDevice, shadow.Desired, shadow.LEDDeviceHandler, false))
	require.Eventually(t, h.accepted(testDevice), time.Second, time.Millisecond)

	// 等待增量订阅建立
	require.Eventually(t, func() bool {
		return h.broker.Deliver(deltaTopic(thing), []byte(`{"state":{"temp":30,"bat":{"lvl":7},"nope":1},"version":3}`)) == 1
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, time.Second, time.Millisecond)
	msg := local.snapshot()[0]
	assert.Equal(t, shadow.Desired, msg.Group)
	assert.ElementsMatch(t, []shadow.Delta{
		{PropertyID: propTemp, Value: shadow.Uint32(30)},
		{PropertyID: propHum, Value: shadow.Uint32(7)},
	}, msg.Deltas)

	v, err := h.store.GetPropertyValue(testDevice, shadow.Desired, propTemp)
	require.NoError(t, err)
	assert.Equal(t, shadow.Uint32(30), v)

	t.Run("格式错误的消息被丢弃", func(t *testing.T) {
		before := h.engine.GetStats().InvalidMessages
		h.broker.Deliver(deltaTopic(thing), []byte(`{"state":[1,2]}`))
		require.Eventually(t, func() bool { return h.engine.GetStats().InvalidMessages == before+1 }, time.Second, time.Millisecond)
	})
}

func TestSyncEngine_DeleteDevice(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))
	thing := shadow.ThingName(testDevice, testGateway)
	h.addDevice(t, testDevice, map[uint32]string{propTemp: "temp"})
	require.Eventually(t, h.accepted(testDevice), time.Second, time.Millisecond)
	require.Eventually(t, h.inSync(testDevice), 2*time.Second, time.Millisecond)

	t.Run("属性删除发布 null", func(t *testing.T) {
		require.NoError(t, h.bus.SendPropertyDeleted(shadow.CommsHandler, testDevice, propTemp, "temp"))
		var found bool
		for _, p := range h.broker.PublishedTo(updateTopic(thing)) {
			if strings.Contains(string(p.Payload), `"desired":{"temp":null}`) {
				found = true
			}
		}
		assert.True(t, found)
	})

	before := h.engine.Subscriptions()[0]
	require.NoError(t, h.store.DestroyDevice(testDevice))

	cancels := h.broker.PublishedTo(cancelTopic(h.gw))
	require.NotEmpty(t, cancels)
	assert.JSONEq(t, `{"deviceId":"`+thing+`"}`, string(cancels[0].Payload))
	assert.Equal(t, before-1, h.engine.Subscriptions()[0])

	require.Eventually(t, func() bool { return !h.engine.DeleteQueueBusy() }, time.Second, time.Millisecond)
}

func TestSyncEngine_UnsubscribeRetry(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))
	h.addDevice(t, testDevice, map[uint32]string{propTemp: "temp"})
	require.Eventually(t, h.accepted(testDevice), time.Second, time.Millisecond)
	require.Eventually(t, h.inSync(testDevice), 2*time.Second, time.Millisecond)

	before := h.engine.Subscriptions()[0]
	h.broker.FailNextUnsubscribes(2)
	require.NoError(t, h.store.DestroyDevice(testDevice))
	assert.Equal(t, before, h.engine.Subscriptions()[0], "退订失败时保留名额")

	h.engine.startRecovery(h.engine.cfg.RecoveryShort)
	require.Eventually(t, func() bool { return h.engine.Subscriptions()[0] == before-1 }, time.Second, time.Millisecond)
}

func TestSyncEngine_OnlineAfterSequenceNumber(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))
	catalog, err := handlers.DefaultCatalog()
	require.NoError(t, err)
	gw, err := handlers.NewGateway(h.store, h.bus, handlers.GatewayInfo{
		ID:              testGateway,
		Manufacturer:    "Enso",
		Model:           "GW1",
		FirmwareName:    "enso-gw",
		FirmwareVersion: "1.2.3",
	}, catalog, handlers.GatewayOptions{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, h.bus.RegisterFunc(shadow.GatewayHandler, gw))
	require.NoError(t, gw.Initialise())
	require.NoError(t, gw.Start())
	require.Eventually(t, h.accepted(testGateway), time.Second, time.Millisecond)

	thing := shadow.ThingName(testGateway, testGateway)
	onlineReported := func(want string) func() bool {
		return func() bool {
			for _, reported := range h.reportedUpdates(t, thing) {
				if string(reported[shadow.OnlineCloudName]) == want {
					return true
				}
			}
			return false
		}
	}
	// 创建时的 onln=0 先被确认
	require.Eventually(t, onlineReported("0"), 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		p, err := h.store.GetProperty(testGateway, shadow.PropOnlineID)
		return err == nil && !p.Type.ReportedOutOfSync
	}, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return h.broker.Deliver(deltaTopic(thing), []byte(`{"state":{"onlns":"7"},"version":2}`)) == 1
	}, time.Second, 2*time.Millisecond)

	// onln=1 以云端处理器身份写入，由未同步补发流程上报
	require.Eventually(t, onlineReported("1"), 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		p, err := h.store.GetProperty(testGateway, shadow.PropOnlineID)
		return err == nil && !p.Type.ReportedOutOfSync && p.Reported.Equal(shadow.Uint32(1))
	}, 2*time.Second, time.Millisecond)
}

func TestSyncEngine_ResetRequeuedWhenSequencerFull(t *testing.T) {
	log := zap.NewNop()
	bus := ecom.NewBus(log)
	store := shadow.NewStore(bus, shadow.DefaultOptions(), log)
	cfg := DefaultConfig()
	cfg.Gateway = testGateway
	cfg.RecoveryShort = 50 * time.Millisecond
	cfg.Sequencer.Capacity = 2
	buffer := faultbuffer.New(nil, faultbuffer.DefaultConfig(), log)
	e, err := NewSyncEngine(cfg, store, bus, buffer, StubFactory(NewBroker(), DefaultBackoff(), log), log)
	require.NoError(t, err)

	// 不启动序列器协程，由测试手动取出
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	t.Cleanup(func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	})

	require.NoError(t, e.seq.Enqueue(PriorityHigh, Item{Kind: ItemDelta}))
	require.NoError(t, e.seq.Enqueue(PriorityHigh, Item{Kind: ItemDelta}))
	e.requestReset(0)
	assert.Equal(t, uint64(1), e.GetStats().EnqueueFailures)

	for {
		if _, ok := e.seq.Next(); !ok {
			break
		}
	}
	require.Eventually(t, func() bool { return e.seq.Len() == 2 }, time.Second, time.Millisecond)
	first, _ := e.seq.Next()
	second, _ := e.seq.Next()
	assert.Equal(t, Item{Kind: ItemDisconnect, Channel: 0}, first)
	assert.Equal(t, Item{Kind: ItemConnect, Channel: 0}, second)
	assert.Equal(t, uint64(1), e.GetStats().EnqueueFailures)
}

func TestSyncEngine_StoreErrorsCounted(t *testing.T) {
	h := newHarness(t, AutoResponder(testGateway.String()))
	h.engine.storeFailed("SetAnnounceInProgress", testDevice, h.store.SetAnnounceInProgress(testDevice, false))
	assert.Equal(t, uint64(1), h.engine.GetStats().StoreErrors, "未知设备")

	h.engine.storeFailed("SetAnnounceInProgress", testDevice, nil)
	assert.Equal(t, uint64(1), h.engine.GetStats().StoreErrors)
}
