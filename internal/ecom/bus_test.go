package ecom

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap/zaptest"
)

var dev = shadow.DeviceID{Address: 0x42}

// collector 记录收到的消息
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) OnMessage(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func deltaOf(v uint32) []shadow.Delta {
	return []shadow.Delta{{PropertyID: 1, Value: shadow.Uint32(v)}}
}

func TestBus_SendUpdate(t *testing.T) {
	t.Run("目标越界", func(t *testing.T) {
		b := NewBus(zaptest.NewLogger(t))
		assert.ErrorIs(t, b.SendUpdate(shadow.HandlerMax, dev, shadow.Reported, deltaOf(1)), shadow.ErrOutOfRange)
		assert.ErrorIs(t, b.SendUpdate(shadow.InvalidHandler, dev, shadow.Reported, deltaOf(1)), shadow.ErrOutOfRange)
	})

	t.Run("超过6个变更", func(t *testing.T) {
		b := NewBus(zaptest.NewLogger(t))
		err := b.SendUpdate(shadow.CommsHandler, dev, shadow.Reported, make([]shadow.Delta, 7))
		assert.ErrorIs(t, err, shadow.ErrBufferTooBig)
	})

	t.Run("空变更和未注册目标静默忽略", func(t *testing.T) {
		b := NewBus(zaptest.NewLogger(t))
		assert.NoError(t, b.SendUpdate(shadow.CommsHandler, dev, shadow.Reported, nil))
		assert.NoError(t, b.SendUpdate(shadow.CommsHandler, dev, shadow.Reported, deltaOf(1)))
		assert.Equal(t, uint64(0), b.Stats().Sent)
	})

	t.Run("同步回调", func(t *testing.T) {
		b := NewBus(zaptest.NewLogger(t))
		c := &collector{}
		require.NoError(t, b.RegisterFunc(shadow.LEDDeviceHandler, c))
		require.NoError(t, b.SendUpdate(shadow.LEDDeviceHandler, dev, shadow.Desired, deltaOf(3)))

		msgs := c.snapshot()
		require.Len(t, msgs, 1)
		dm := msgs[0].(DeltaMessage)
		assert.Equal(t, shadow.LEDDeviceHandler, dm.Dest)
		assert.Equal(t, shadow.Desired, dm.Group)
		assert.Equal(t, shadow.Uint32(3), dm.Deltas[0].Value)
		assert.Equal(t, unboundedFree, b.QueueFree(shadow.LEDDeviceHandler))
	})

	t.Run("重复注册", func(t *testing.T) {
		b := NewBus(zaptest.NewLogger(t))
		require.NoError(t, b.RegisterFunc(shadow.LEDDeviceHandler, &collector{}))
		_, err := b.RegisterQueue(shadow.LEDDeviceHandler, 1)
		assert.ErrorIs(t, err, shadow.ErrAlreadyRegistered)
	})
}

func TestBus_QueueFull(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	q, err := b.RegisterQueue(shadow.StorageHandler, 2)
	require.NoError(t, err)

	require.NoError(t, b.SendUpdate(shadow.StorageHandler, dev, shadow.Reported, deltaOf(1)))
	require.NoError(t, b.SendUpdate(shadow.StorageHandler, dev, shadow.Reported, deltaOf(2)))
	assert.True(t, b.IsQueueFull(shadow.StorageHandler))

	// 队列满时立即返回错误而不阻塞
	done := make(chan error, 1)
	go func() { done <- b.SendUpdate(shadow.StorageHandler, dev, shadow.Reported, deltaOf(3)) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, shadow.ErrWouldBlock)
	case <-time.After(time.Second):
		t.Fatal("send blocked on full queue")
	}

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestBus_TransportsEquivalent(t *testing.T) {
	send := func(b *Bus) {
		for i := uint32(1); i <= 5; i++ {
			require.NoError(t, b.SendUpdate(shadow.TestDeviceHandler, dev, shadow.Reported, deltaOf(i)))
		}
		require.NoError(t, b.SendThingStatus(shadow.TestDeviceHandler, dev, shadow.ThingDiscovered))
		require.NoError(t, b.SendPropertyDeleted(shadow.TestDeviceHandler, dev, 0x10001, "temp"))
	}

	direct := &collector{}
	b1 := NewBus(zaptest.NewLogger(t))
	require.NoError(t, b1.RegisterFunc(shadow.TestDeviceHandler, direct))
	send(b1)

	queued := &collector{}
	b2 := NewBus(zaptest.NewLogger(t))
	q, err := b2.RegisterQueue(shadow.TestDeviceHandler, DefaultQueueDepth)
	require.NoError(t, err)
	send(b2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, queued)

	require.Eventually(t, func() bool { return len(queued.snapshot()) == 7 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, direct.snapshot(), queued.snapshot())
}

func TestBus_StoreIntegration(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t))
	c := &collector{}
	require.NoError(t, b.RegisterFunc(shadow.CommsHandler, c))

	s := shadow.NewStore(b, shadow.DefaultOptions(), zaptest.NewLogger(t))
	_, err := s.CreateObject(dev)
	require.NoError(t, err)
	require.NoError(t, s.CreateProperty(dev, 7, "temp", shadow.TypeUint32, shadow.Public, false, false, [2]shadow.Value{}))
	require.NoError(t, s.SubscribeToDevice(dev, shadow.Reported, shadow.CommsHandler, false))

	// 回调中再次访问存储不会死锁
	reentrant := HandlerFunc(func(ctx context.Context, msg Message) error {
		_, err := s.GetPropertyValue(dev, shadow.Reported, 7)
		return err
	})
	require.NoError(t, b.RegisterFunc(shadow.LEDDeviceHandler, reentrant))
	require.NoError(t, s.SubscribeToDevice(dev, shadow.Reported, shadow.LEDDeviceHandler, true))

	require.NoError(t, s.SetPropertyValue(shadow.TestDeviceHandler, dev, shadow.Reported, 7, shadow.Uint32(5)))

	msgs := c.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, []shadow.Delta{{PropertyID: 7, Value: shadow.Uint32(5)}}, msgs[0].(DeltaMessage).Deltas)
}
