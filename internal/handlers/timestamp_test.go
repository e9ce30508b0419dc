package handlers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

const (
	propSeen  = shadow.PropGroupWiSafe | 0x10
	propFired = shadow.PropGroupWiSafe | 0x11
)

var testDevice = shadow.DeviceID{Address: 0x0011223344556677, Technology: shadow.TechnologyWiSafe}

// fakeClock 可调的系统时钟
type fakeClock struct{ sec atomic.Int64 }

func (c *fakeClock) now() time.Time { return time.Unix(c.sec.Load(), 0) }

func TestClock_Now(t *testing.T) {
	tests := []struct {
		name  string
		sec   int64
		valid bool
	}{
		{"启动初期", 120, false},
		{"边界", shadow.TimeValidAfter, false},
		{"已校准", 1_700_000_000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := Clock(func() time.Time { return time.Unix(tt.sec, 0) }).Now()
			assert.Equal(t, uint32(tt.sec), ts.Seconds)
			assert.Equal(t, tt.valid, ts.Valid)
		})
	}
}

func TestTimestamps_Correct(t *testing.T) {
	log := zap.NewNop()
	bus := ecom.NewBus(log)
	store := shadow.NewStore(bus, shadow.DefaultOptions(), log)
	clock := &fakeClock{}
	clock.sec.Store(100)

	ts := NewTimestamps(store, clock.now, log)
	require.NoError(t, bus.RegisterFunc(shadow.TimestampHandler, ts))
	assert.False(t, ts.TimeValid())

	require.NoError(t, store.CreateDevice(testDevice, 5))
	require.NoError(t, store.CreateProperty(testDevice, propSeen, "seen", shadow.TypeTimestamp, shadow.Public, false, true, [2]shadow.Value{}))
	require.NoError(t, store.CreateProperty(testDevice, propFired, "fired", shadow.TypeTimestamp, shadow.Public, false, true, [2]shadow.Value{}))
	require.NoError(t, store.SetPropertyValue(shadow.TestDeviceHandler, testDevice, shadow.Reported, propSeen,
		shadow.Timestamp{Seconds: 110}))
	require.NoError(t, store.SetPropertyValue(shadow.TestDeviceHandler, testDevice, shadow.Reported, propFired,
		shadow.Timestamp{Seconds: 130}))

	assert.False(t, ts.Check(), "时间仍无效")

	clock.sec.Store(1_700_000_100)
	assert.True(t, ts.Check())
	assert.True(t, ts.TimeValid())
	assert.Equal(t, uint32(1_700_000_000), ts.Adjustment())

	tests := []struct {
		name string
		id   uint32
		want uint32
	}{
		{"首次发现", propSeen, 1_700_000_010},
		{"最近触发", propFired, 1_700_000_030},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := store.GetPropertyValue(testDevice, shadow.Reported, tt.id)
			require.NoError(t, err)
			assert.Equal(t, shadow.Timestamp{Seconds: tt.want, Valid: true}, v)
		})
	}

	t.Run("有效时间戳不再修正", func(t *testing.T) {
		good := shadow.Timestamp{Seconds: 1_700_000_500, Valid: true}
		require.NoError(t, store.SetPropertyValue(shadow.TestDeviceHandler, testDevice, shadow.Reported, propSeen, good))
		require.NoError(t, ts.OnMessage(context.Background(), ecom.DeltaMessage{
			DeviceID: testDevice,
			Group:    shadow.Reported,
			Deltas:   []shadow.Delta{{PropertyID: propSeen, Value: good}},
		}))
		v, err := store.GetPropertyValue(testDevice, shadow.Reported, propSeen)
		require.NoError(t, err)
		assert.Equal(t, good, v)
	})

	t.Run("忽略期望组", func(t *testing.T) {
		assert.NoError(t, ts.OnMessage(context.Background(), ecom.DeltaMessage{
			DeviceID: testDevice,
			Group:    shadow.Desired,
			Deltas:   []shadow.Delta{{PropertyID: propFired, Value: shadow.Timestamp{Seconds: 1}}},
		}))
	})
}

func TestTimestamps_Run(t *testing.T) {
	log := zap.NewNop()
	store := shadow.NewStore(nil, shadow.DefaultOptions(), log)

	t.Run("启动时已有效", func(t *testing.T) {
		ts := NewTimestamps(store, func() time.Time { return time.Unix(1_700_000_000, 0) }, log)
		assert.True(t, ts.TimeValid())
		done := make(chan struct{})
		go func() {
			ts.Run(context.Background())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run 未立即返回")
		}
	})

	t.Run("周期检查直到校准", func(t *testing.T) {
		clock := &fakeClock{}
		clock.sec.Store(5)
		ts := NewTimestamps(store, clock.now, log)
		ts.interval = 5 * time.Millisecond

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		go func() {
			time.Sleep(20 * time.Millisecond)
			clock.sec.Store(1_700_000_005)
		}()
		ts.Run(ctx)
		assert.True(t, ts.TimeValid())
		assert.Equal(t, uint32(1_700_000_000), ts.Adjustment())
	})

	t.Run("取消时退出", func(t *testing.T) {
		ts := NewTimestamps(store, func() time.Time { return time.Unix(0, 0) }, log)
		ts.interval = 5 * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		ts.Run(ctx)
		assert.False(t, ts.TimeValid())
	})
}
