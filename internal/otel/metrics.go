package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all syncbox metrics instruments.
type Metrics struct {
	OutboxEnqueues    metric.Int64Counter
	OutboxDepth       metric.Int64UpDownCounter
	ReplayDelivered   metric.Int64Counter
	ReplayFailures    metric.Int64Counter
	ReplayDuration    metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	OfflineFallbacks  metric.Int64Counter
	ConnectivityFlips metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OutboxEnqueues, err = meter.Int64Counter("syncbox.outbox.enqueues",
		metric.WithDescription("Mutations captured into the outbox"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDepth, err = meter.Int64UpDownCounter("syncbox.outbox.depth",
		metric.WithDescription("Pending outbox records"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayDelivered, err = meter.Int64Counter("syncbox.replay.delivered",
		metric.WithDescription("Outbox records delivered by replay"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayFailures, err = meter.Int64Counter("syncbox.replay.failures",
		metric.WithDescription("Replay attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayDuration, err = meter.Float64Histogram("syncbox.replay.duration",
		metric.WithDescription("Replay activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("syncbox.cache.hits",
		metric.WithDescription("Reads served from the response cache"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("syncbox.cache.misses",
		metric.WithDescription("Reads that missed the response cache"),
	)
	if err != nil {
		return nil, err
	}

	m.OfflineFallbacks, err = meter.Int64Counter("syncbox.cache.offline_fallbacks",
		metric.WithDescription("Navigations served the offline fallback page"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectivityFlips, err = meter.Int64Counter("syncbox.connectivity.flips",
		metric.WithDescription("Upstream reachability state changes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
