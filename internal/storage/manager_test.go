package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	devA = shadow.DeviceID{Address: 0x00000000000000a1, Technology: shadow.TechnologyWiSafe}
	devB = shadow.DeviceID{Address: 0x00000000000000b2, Technology: shadow.TechnologyZigBee}
)

const (
	propTemp  = shadow.PropGroupWiSafe | 0x01
	propLabel = shadow.PropGroupWiSafe | 0x02
	propRSSI  = shadow.PropGroupWiSafe | 0x03
)

type fixture struct {
	bus     *ecom.Bus
	store   *shadow.Store
	backend Backend
	m       *Manager
}

// newFixture 存储与本地影子导出都以同步函数处理器注册，整理流程在调用内完成
func newFixture(t *testing.T, backend Backend, maxSize int64) *fixture {
	t.Helper()
	log := zap.NewNop()
	bus := ecom.NewBus(log)
	store := shadow.NewStore(bus, shadow.DefaultOptions(), log)
	m := NewManager(backend, store, bus, maxSize, log)

	require.NoError(t, bus.RegisterFunc(shadow.StorageHandler, NewHandler(m, store)))
	require.NoError(t, bus.RegisterFunc(shadow.LSDHandler, ecom.HandlerFunc(func(ctx context.Context, msg ecom.Message) error {
		if _, ok := msg.(ecom.DumpLocalShadowMessage); ok {
			_, err := store.DumpPersistent(ctx, shadow.StorageHandler)
			return err
		}
		return nil
	})))
	return &fixture{bus: bus, store: store, backend: backend, m: m}
}

func (f *fixture) addDevice(t *testing.T, id shadow.DeviceID) {
	t.Helper()
	require.NoError(t, f.store.CreateDevice(id, 5))
	require.NoError(t, f.store.CreateProperty(id, propTemp, "temp", shadow.TypeUint32, shadow.Public, false, true, [2]shadow.Value{}))
	require.NoError(t, f.store.CreateProperty(id, propLabel, "label", shadow.TypeString, shadow.Public, false, true,
		[2]shadow.Value{shadow.String("hall"), shadow.String("hall")}))
	require.NoError(t, f.store.CreateProperty(id, propRSSI, "rssi", shadow.TypeInt32, shadow.Private, false, false, [2]shadow.Value{}))
}

func (f *fixture) setTemp(t *testing.T, id shadow.DeviceID, v uint32) {
	t.Helper()
	require.NoError(t, f.store.SetPropertyValue(shadow.TestDeviceHandler, id, shadow.Reported, propTemp, shadow.Uint32(v)))
}

func exists(t *testing.T, b Backend, name string) bool {
	t.Helper()
	ok, err := b.Exists(context.Background(), name)
	require.NoError(t, err)
	return ok
}

func TestManager_Reload(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	f := newFixture(t, backend, 0)
	f.addDevice(t, devA)
	f.setTemp(t, devA, 21)
	require.NoError(t, f.store.SetPropertyValue(shadow.CommsHandler, devA, shadow.Desired, propLabel, shadow.String("kitchen")))
	require.NoError(t, f.store.SetPropertyValue(shadow.TestDeviceHandler, devA, shadow.Reported, propRSSI, shadow.Int32(-70)))

	g := newFixture(t, backend, 0)
	require.NoError(t, g.m.LoadFromStorage(ctx))

	props, err := f.store.Properties(devA)
	require.NoError(t, err)
	for _, want := range props {
		if want.ID == shadow.PropDeviceStatusID {
			continue
		}
		got, err := g.store.GetProperty(devA, want.ID)
		if !want.Type.Persistent {
			assert.True(t, shadow.IsNotFound(err), "非持久化属性 %s 不应恢复", want.CloudName)
			continue
		}
		require.NoError(t, err, want.CloudName)
		assert.Equal(t, want.CloudName, got.CloudName)
		assert.Equal(t, want.Type, got.Type, want.CloudName)
		assert.True(t, want.Reported.Equal(got.Reported), "%s reported", want.CloudName)
		assert.True(t, want.Desired.Equal(got.Desired), "%s desired", want.CloudName)
	}

	t.Run("未同步标志恢复", func(t *testing.T) {
		p, err := g.store.GetProperty(devA, propTemp)
		require.NoError(t, err)
		assert.True(t, p.Type.ReportedOutOfSync)

		wantObj, _ := f.store.FindObject(devA)
		gotObj, ok := g.store.FindObject(devA)
		require.True(t, ok)
		assert.Equal(t, wantObj.ReportedOutOfSync, gotObj.ReportedOutOfSync)
		assert.Equal(t, wantObj.DesiredOutOfSync, gotObj.DesiredOutOfSync)
	})

	t.Run("恢复的设备重新注册", func(t *testing.T) {
		status, err := g.store.DeviceStatus(devA)
		require.NoError(t, err)
		assert.Equal(t, shadow.ThingDiscovered, status)
	})

	t.Run("加载不写日志", func(t *testing.T) {
		assert.Equal(t, uint64(0), g.m.GetStats().RecordsWritten)
		assert.Positive(t, g.m.GetStats().RecordsLoaded)
	})
}

func TestManager_Tombstones(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	f := newFixture(t, backend, 0)
	f.addDevice(t, devA)
	f.addDevice(t, devB)
	f.setTemp(t, devA, 30)

	require.NoError(t, f.store.DestroyDevice(devA))
	require.NoError(t, f.store.RemoveProperty(devB, propLabel))

	recs, err := f.m.ReadRecords(ctx, CurrentLog)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recs), 2)
	assert.True(t, recs[len(recs)-2].IsDeviceTombstone())
	assert.True(t, recs[len(recs)-1].IsPropertyTombstone())

	t.Run("删除的设备重启后不存在", func(t *testing.T) {
		g := newFixture(t, backend, 0)
		require.NoError(t, g.m.LoadFromStorage(ctx))

		_, ok := g.store.FindObject(devA)
		assert.False(t, ok)
		_, ok = g.store.FindObject(devB)
		assert.True(t, ok)

		_, err := g.store.GetProperty(devB, propLabel)
		assert.True(t, shadow.IsNotFound(err))
		_, err = g.store.GetProperty(devB, propTemp)
		assert.NoError(t, err)
	})

	t.Run("删除后重新创建", func(t *testing.T) {
		f.addDevice(t, devA)
		f.setTemp(t, devA, 7)

		g := newFixture(t, backend, 0)
		require.NoError(t, g.m.LoadFromStorage(ctx))
		v, err := g.store.GetPropertyValue(devA, shadow.Reported, propTemp)
		require.NoError(t, err)
		assert.Equal(t, shadow.Uint32(7), v)
	})
}

func TestManager_CorruptedLogs(t *testing.T) {
	ctx := context.Background()

	t.Run("当前日志损坏时删除", func(t *testing.T) {
		backend := NewMemoryBackend()
		f := newFixture(t, backend, 0)
		f.addDevice(t, devA)
		require.NoError(t, backend.Append(ctx, CurrentLog, []byte{1, 2, 3}))

		g := newFixture(t, backend, 0)
		err := g.m.LoadFromStorage(ctx)
		assert.ErrorIs(t, err, shadow.ErrReadFailed)
		assert.False(t, exists(t, backend, CurrentLog))
		assert.Equal(t, uint64(1), g.m.GetStats().CorruptedLogs)
	})

	t.Run("删除损坏日志失败时记录错误", func(t *testing.T) {
		backend := &removeFailingBackend{Backend: NewMemoryBackend()}
		require.NoError(t, backend.Append(ctx, CurrentLog, []byte{1, 2, 3}))

		core, logs := observer.New(zapcore.ErrorLevel)
		log := zap.New(core)
		bus := ecom.NewBus(log)
		m := NewManager(backend, shadow.NewStore(bus, shadow.DefaultOptions(), log), bus, 0, log)

		err := m.LoadFromStorage(ctx)
		assert.ErrorIs(t, err, shadow.ErrReadFailed)
		assert.True(t, exists(t, backend, CurrentLog))
		assert.Equal(t, uint64(1), m.GetStats().CorruptedLogs)

		entries := logs.FilterMessage("remove corrupted log failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, CurrentLog, entries[0].ContextMap()["log"])
	})

	t.Run("归档损坏时跳过整理", func(t *testing.T) {
		backend := NewMemoryBackend()
		f := newFixture(t, backend, 0)
		f.addDevice(t, devA)
		require.NoError(t, backend.Append(ctx, ArchiveLog, []byte("garbage")))
		before, err := backend.Size(ctx, CurrentLog)
		require.NoError(t, err)

		g := newFixture(t, backend, 0)
		require.NoError(t, g.m.LoadFromStorage(ctx))
		assert.False(t, exists(t, backend, ArchiveLog))
		_, ok := g.store.FindObject(devA)
		assert.True(t, ok)

		after, err := backend.Size(ctx, CurrentLog)
		require.NoError(t, err)
		assert.Equal(t, before, after, "没有重新导出")
	})
}

func TestManager_Consolidate(t *testing.T) {
	ctx := context.Background()

	t.Run("超过上限时整理", func(t *testing.T) {
		backend, err := NewFileBackend(t.TempDir())
		require.NoError(t, err)
		f := newFixture(t, backend, 2000)
		f.addDevice(t, devA)
		for i := uint32(1); i <= 50; i++ {
			f.setTemp(t, devA, i)
		}

		assert.Equal(t, uint64(1), f.m.GetStats().Consolidations)
		assert.False(t, exists(t, backend, ArchiveLog), "两组导出完成后删除归档")

		size, err := backend.Size(ctx, CurrentLog)
		require.NoError(t, err)
		assert.Less(t, size, int64(2000))

		g := newFixture(t, backend, 2000)
		require.NoError(t, g.m.LoadFromStorage(ctx))
		v, err := g.store.GetPropertyValue(devA, shadow.Reported, propTemp)
		require.NoError(t, err)
		assert.Equal(t, shadow.Uint32(50), v)
		v, err = g.store.GetPropertyValue(devA, shadow.Desired, propLabel)
		require.NoError(t, err)
		assert.Equal(t, shadow.String("hall"), v)
	})

	t.Run("只收到一组完成时保留归档", func(t *testing.T) {
		backend := NewMemoryBackend()
		m := NewManager(backend, nil, nil, 0, nil)
		require.NoError(t, backend.Append(ctx, ArchiveLog, []byte{0}))
		require.NoError(t, m.LocalShadowDumpComplete(ctx))
		assert.True(t, exists(t, backend, ArchiveLog))
		require.NoError(t, m.LocalShadowDumpComplete(ctx))
		assert.False(t, exists(t, backend, ArchiveLog))
	})

	t.Run("整理中断后启动时重新导出", func(t *testing.T) {
		backend := NewMemoryBackend()
		f := newFixture(t, backend, 0)
		f.addDevice(t, devA)
		f.setTemp(t, devA, 1)
		// 归档后、导出前重启
		require.NoError(t, backend.Rename(ctx, CurrentLog, ArchiveLog))
		f.setTemp(t, devA, 2)

		g := newFixture(t, backend, 0)
		require.NoError(t, g.m.LoadFromStorage(ctx))
		assert.False(t, exists(t, backend, ArchiveLog))

		v, err := g.store.GetPropertyValue(devA, shadow.Reported, propTemp)
		require.NoError(t, err)
		assert.Equal(t, shadow.Uint32(2), v)

		recs, err := g.m.ReadRecords(ctx, CurrentLog)
		require.NoError(t, err)
		assert.Greater(t, len(recs), 1, "当前日志包含完整导出")
		assert.Positive(t, g.m.GetStats().RecordsWritten)
	})
}

func TestManager_RemoveLogs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	f := newFixture(t, backend, 0)
	f.addDevice(t, devA)
	require.NoError(t, backend.Append(ctx, ArchiveLog, []byte{0}))

	require.NoError(t, f.m.RemoveLogs(ctx))
	assert.Empty(t, backend.Names())
}

// removeFailingBackend 删除总是失败
type removeFailingBackend struct {
	Backend
}

func (b *removeFailingBackend) Remove(ctx context.Context, name string) error {
	return errors.New("device busy")
}
