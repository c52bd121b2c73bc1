package persist

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	saveCount    metric.Int64Counter
	saveDuration metric.Int64Histogram
	saveBytes    metric.Int64Histogram
	loadCount    metric.Int64Counter
	mirrorCount  metric.Int64Counter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/statebus/persist")
	m := &metrics{}
	var err error

	m.saveCount, err = meter.Int64Counter(
		"statebus.persist.save",
		metric.WithDescription("Snapshot saves"),
	)
	logMetricInitError(logger, "statebus.persist.save", err)

	m.saveDuration, err = meter.Int64Histogram(
		"statebus.persist.save.duration_ms",
		metric.WithDescription("Snapshot save duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "statebus.persist.save.duration_ms", err)

	m.saveBytes, err = meter.Int64Histogram(
		"statebus.persist.save.bytes",
		metric.WithDescription("Snapshot document size"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "statebus.persist.save.bytes", err)

	m.loadCount, err = meter.Int64Counter(
		"statebus.persist.load",
		metric.WithDescription("Snapshot loads by source"),
	)
	logMetricInitError(logger, "statebus.persist.load", err)

	m.mirrorCount, err = meter.Int64Counter(
		"statebus.persist.mirror.upload",
		metric.WithDescription("Snapshot mirror uploads"),
	)
	logMetricInitError(logger, "statebus.persist.mirror.upload", err)

	return m
}

func (m *metrics) recordSave(ctx context.Context, store string, size int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("statebus.store", store),
		attribute.String("statebus.result", resultLabel(err)),
	)
	if m.saveCount != nil {
		m.saveCount.Add(ctx, 1, attrs)
	}
	if m.saveDuration != nil {
		m.saveDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if m.saveBytes != nil && err == nil {
		m.saveBytes.Record(ctx, int64(size), attrs)
	}
}

func (m *metrics) recordLoad(ctx context.Context, store string, source Source) {
	if m == nil || m.loadCount == nil {
		return
	}
	m.loadCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("statebus.store", store),
		attribute.String("statebus.persist.source", string(source)),
	))
}

func (m *metrics) recordMirror(ctx context.Context, store string, err error) {
	if m == nil || m.mirrorCount == nil {
		return
	}
	m.mirrorCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("statebus.store", store),
		attribute.String("statebus.result", resultLabel(err)),
	))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
