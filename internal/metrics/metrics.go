package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taoyao-code/enso-gateway/internal/cloud"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/faultbuffer"
	"github.com/taoyao-code/enso-gateway/internal/storage"
)

const namespace = "enso"

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// EngineSource 云端同步引擎
type EngineSource interface {
	GetStats() cloud.Stats
	ChannelStates() []cloud.State
	Subscriptions() []int
	Registered() bool
}

// SequencerSource 操作队列
type SequencerSource interface {
	GetStats() cloud.SequencerStats
	Len() int
}

// BufferSource 发送缓冲
type BufferSource interface {
	GetStats() faultbuffer.Stats
	Backoff() time.Duration
}

// StorageSource 持久化日志
type StorageSource interface {
	GetStats() storage.Stats
}

// BusSource 消息总线
type BusSource interface {
	Stats() ecom.Stats
}

// Sources 采集来源，为空的来源不注册对应指标
type Sources struct {
	Engine    EngineSource
	Sequencer SequencerSource
	Buffer    BufferSource
	Storage   StorageSource
	Bus       BusSource
}

// SyncMetrics 同步相关指标；计数类从各组件统计读取，其余由调用方更新
type SyncMetrics struct {
	MonitorClients prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec // labels: route, code
}

func counter(reg prometheus.Registerer, name, help string, fn func() uint64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

func gauge(reg prometheus.Registerer, name, help string, labels prometheus.Labels, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewSyncMetrics 注册并返回同步指标
func NewSyncMetrics(reg prometheus.Registerer, src Sources) *SyncMetrics {
	m := &SyncMetrics{
		MonitorClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_clients",
			Help:      "Connected shadow monitor websocket clients.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(m.MonitorClients, m.HTTPRequests)

	if e := src.Engine; e != nil {
		counter(reg, "cloud_deltas_sent_total", "Deltas published to the cloud shadow.", func() uint64 { return e.GetStats().DeltasSent })
		counter(reg, "cloud_deltas_failed_total", "Delta publishes that failed.", func() uint64 { return e.GetStats().DeltasFailed })
		counter(reg, "cloud_acks_accepted_total", "Shadow update accepted responses.", func() uint64 { return e.GetStats().AcksAccepted })
		counter(reg, "cloud_acks_rejected_total", "Shadow update rejected responses.", func() uint64 { return e.GetStats().AcksRejected })
		counter(reg, "cloud_announces_total", "Thing announcements sent.", func() uint64 { return e.GetStats().Announces })
		counter(reg, "cloud_reconnects_total", "Cloud channel reconnects.", func() uint64 { return e.GetStats().Reconnects })
		counter(reg, "cloud_inbound_deltas_total", "Desired deltas received from the cloud.", func() uint64 { return e.GetStats().InboundDeltas })
		counter(reg, "cloud_invalid_messages_total", "Inbound messages rejected by validation.", func() uint64 { return e.GetStats().InvalidMessages })
		counter(reg, "cloud_poll_failures_total", "Shadow polls that failed.", func() uint64 { return e.GetStats().PollFailures })
		counter(reg, "cloud_oversized_skipped_total", "Properties skipped because the document was too large.", func() uint64 { return e.GetStats().OversizedSkipped })
		counter(reg, "cloud_enqueue_failures_total", "Sequencer items dropped because the queue was full.", func() uint64 { return e.GetStats().EnqueueFailures })
		counter(reg, "cloud_store_errors_total", "Local shadow state updates that failed in the sync engine.", func() uint64 { return e.GetStats().StoreErrors })
		gauge(reg, "cloud_registered", "Whether the gateway registration is confirmed.", nil, func() float64 { return boolGauge(e.Registered()) })

		// 通道数在启动后固定
		for i := range e.ChannelStates() {
			idx := i
			labels := prometheus.Labels{"channel": strconv.Itoa(idx)}
			gauge(reg, "cloud_channel_state", "Channel state: 0 disconnected, 1 connecting, 2 connected.", labels, func() float64 {
				states := e.ChannelStates()
				if idx >= len(states) {
					return 0
				}
				return float64(states[idx])
			})
			gauge(reg, "cloud_channel_subscriptions", "Subscriptions held by the channel.", labels, func() float64 {
				subs := e.Subscriptions()
				if idx >= len(subs) {
					return 0
				}
				return float64(subs[idx])
			})
		}
	}

	if s := src.Sequencer; s != nil {
		counter(reg, "sequencer_executed_total", "Operations executed by the sequencer.", func() uint64 { return s.GetStats().Executed })
		counter(reg, "sequencer_rejected_total", "Operations rejected because the queue was full.", func() uint64 { return s.GetStats().Rejected })
		counter(reg, "sequencer_polls_coalesced_total", "Poll requests dropped because enough polls were waiting.", func() uint64 { return s.GetStats().PollsCoalesce })
		gauge(reg, "sequencer_queue_length", "Operations waiting in the sequencer.", nil, func() float64 { return float64(s.Len()) })
	}

	if b := src.Buffer; b != nil {
		counter(reg, "buffer_pushed_total", "Deltas pushed into the send buffer.", func() uint64 { return b.GetStats().Pushed })
		counter(reg, "buffer_evicted_total", "Deltas evicted because the buffer was full.", func() uint64 { return b.GetStats().Evicted })
		counter(reg, "buffer_timeouts_total", "Sends that were not acknowledged in time.", func() uint64 { return b.GetStats().Timeouts })
		gauge(reg, "buffer_pending", "Deltas waiting to be sent.", nil, func() float64 { return float64(b.GetStats().Pending) })
		gauge(reg, "buffer_backoff_seconds", "Current retry backoff.", nil, func() float64 { return b.Backoff().Seconds() })
	}

	if s := src.Storage; s != nil {
		counter(reg, "storage_records_written_total", "Records appended to the persistent log.", func() uint64 { return s.GetStats().RecordsWritten })
		counter(reg, "storage_bytes_written_total", "Bytes appended to the persistent log.", func() uint64 { return s.GetStats().BytesWritten })
		counter(reg, "storage_consolidations_total", "Log consolidations started.", func() uint64 { return s.GetStats().Consolidations })
		counter(reg, "storage_corrupted_logs_total", "Corrupted logs removed during load.", func() uint64 { return s.GetStats().CorruptedLogs })
		counter(reg, "storage_write_failures_total", "Failed log appends.", func() uint64 { return s.GetStats().WriteFailures })
	}

	if b := src.Bus; b != nil {
		counter(reg, "bus_messages_sent_total", "Messages delivered to local handlers.", func() uint64 { return b.Stats().Sent })
		counter(reg, "bus_messages_dropped_total", "Messages dropped because a handler queue was full.", func() uint64 { return b.Stats().Dropped })
	}
	return m
}
