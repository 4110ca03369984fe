package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// SyncBuckets for /sync-updates handling (decode, merge, fan-out)
	SyncBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// LoadBuckets for initial content loads from external stores
	LoadBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// FanoutBuckets for number of frames produced per sync request
	FanoutBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 89}
)

// Registry Metrics
var (
	// ChannelsActive tracks live channels by type
	ChannelsActive GaugeVec = noopGaugeVec{}

	// SubscribersActive tracks subscribers across all channels
	SubscribersActive Gauge = NoopStat{}

	// ChannelEventsTotal counts channel lifecycle transitions by event (created, evicted)
	ChannelEventsTotal CounterVec = noopCounterVec{}

	// ContentLoadsTotal counts loader calls by result (success, not_found, failed)
	ContentLoadsTotal CounterVec = noopCounterVec{}

	// ContentLoadSeconds measures loader latency
	ContentLoadSeconds Histogram = NoopStat{}
)

// Sync Relay Metrics
var (
	// SyncRequestsTotal counts sync requests by result (ok, empty_body, malformed, not_found)
	SyncRequestsTotal CounterVec = noopCounterVec{}

	// SyncDurationSeconds measures sync request latency
	SyncDurationSeconds Histogram = NoopStat{}

	// FanoutFramesTotal counts update frames published by target (sender, peer)
	FanoutFramesTotal CounterVec = noopCounterVec{}

	// FanoutFramesPerSync measures frames produced by one sync request
	FanoutFramesPerSync Histogram = NoopStat{}
)

// Streaming Metrics
var (
	// StreamConnections tracks open event streams
	StreamConnections Gauge = NoopStat{}

	// FramesDroppedTotal counts frames not delivered by overflow policy (drop, disconnect)
	FramesDroppedTotal CounterVec = noopCounterVec{}

	// OriginRejectedTotal counts requests rejected by the origin policy
	OriginRejectedTotal Counter = NoopStat{}

	// RestartNoticesTotal counts server-restarting broadcasts
	RestartNoticesTotal Counter = NoopStat{}
)

// Lifecycle Publisher Metrics
var (
	// LifecycleEventsTotal counts lifecycle events by result (published, filtered, dropped, failed)
	LifecycleEventsTotal CounterVec = noopCounterVec{}

	// LifecycleQueueDepth tracks events waiting to be published
	LifecycleQueueDepth Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Registry Metrics
	ChannelsActive = NewGaugeVec(
		"channels_active",
		"Number of live channels by type",
		[]string{"type"},
	)
	SubscribersActive = NewGauge(
		"subscribers_active",
		"Number of subscribers across all channels",
	)
	ChannelEventsTotal = NewCounterVec(
		"channel_events_total",
		"Channel lifecycle transitions by event",
		[]string{"event"},
	)
	ContentLoadsTotal = NewCounterVec(
		"content_loads_total",
		"Initial content loads by result",
		[]string{"result"},
	)
	ContentLoadSeconds = NewHistogramWithBuckets(
		"content_load_seconds",
		"Initial content load latency in seconds",
		LoadBuckets,
	)

	// Sync Relay Metrics
	SyncRequestsTotal = NewCounterVec(
		"sync_requests_total",
		"Sync requests by result",
		[]string{"result"},
	)
	SyncDurationSeconds = NewHistogramWithBuckets(
		"sync_duration_seconds",
		"Sync request handling latency in seconds",
		SyncBuckets,
	)
	FanoutFramesTotal = NewCounterVec(
		"fanout_frames_total",
		"Update frames published by target",
		[]string{"target"},
	)
	FanoutFramesPerSync = NewHistogramWithBuckets(
		"fanout_frames_per_sync",
		"Update frames produced by a single sync request",
		FanoutBuckets,
	)

	// Streaming Metrics
	StreamConnections = NewGauge(
		"stream_connections",
		"Number of open event streams",
	)
	FramesDroppedTotal = NewCounterVec(
		"frames_dropped_total",
		"Frames not delivered because a stream queue was full",
		[]string{"policy"},
	)
	OriginRejectedTotal = NewCounter(
		"origin_rejected_total",
		"Requests rejected by the origin policy",
	)
	RestartNoticesTotal = NewCounter(
		"restart_notices_total",
		"Server restart notices broadcast",
	)

	// Lifecycle Publisher Metrics
	LifecycleEventsTotal = NewCounterVec(
		"lifecycle_events_total",
		"Lifecycle events by result",
		[]string{"result"},
	)
	LifecycleQueueDepth = NewGauge(
		"lifecycle_queue_depth",
		"Lifecycle events waiting to be published",
	)
}
