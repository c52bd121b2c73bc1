package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	writes        metric.Int64Counter
	notifications metric.Int64Counter
	expirations   metric.Int64Counter
	records       metric.Int64ObservableGauge
	timers        metric.Int64ObservableGauge
	conns         metric.Int64ObservableGauge
	registration  metric.Registration
}

func newMetrics(e *Engine) *metrics {
	logger := e.logger
	meter := otel.Meter("pkt.systems/statebus/engine")
	m := &metrics{}
	var err error

	m.writes, err = meter.Int64Counter(
		"statebus.engine.writes",
		metric.WithDescription("Store mutations by operation"),
	)
	logMetricInitError(logger, "statebus.engine.writes", err)

	m.notifications, err = meter.Int64Counter(
		"statebus.engine.notifications",
		metric.WithDescription("Notifications delivered to connections"),
	)
	logMetricInitError(logger, "statebus.engine.notifications", err)

	m.expirations, err = meter.Int64Counter(
		"statebus.engine.expirations",
		metric.WithDescription("TTL expirations"),
	)
	logMetricInitError(logger, "statebus.engine.expirations", err)

	m.records, err = meter.Int64ObservableGauge(
		"statebus.engine.records",
		metric.WithDescription("Records held per store"),
	)
	logMetricInitError(logger, "statebus.engine.records", err)

	m.timers, err = meter.Int64ObservableGauge(
		"statebus.engine.timers",
		metric.WithDescription("Armed TTL countdowns"),
	)
	logMetricInitError(logger, "statebus.engine.timers", err)

	m.conns, err = meter.Int64ObservableGauge(
		"statebus.engine.connections",
		metric.WithDescription("Attached connections"),
	)
	logMetricInitError(logger, "statebus.engine.connections", err)

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observe(e, o)
		return nil
	}, m.records, m.timers, m.conns)
	if err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "statebus.engine", "error", err)
	}
	m.registration = reg
	return m
}

// unregister detaches the gauge callback so a closed engine is no longer
// observed.
func (m *metrics) unregister(logger pslog.Logger) {
	if m == nil || m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil && logger != nil {
		logger.Warn("telemetry.metric.unregister_failed", "name", "statebus.engine", "error", err)
	}
	m.registration = nil
}

func (m *metrics) observe(e *Engine, o metric.Observer) {
	counts := e.counts()
	store := func(name string) metric.ObserveOption {
		return metric.WithAttributes(attribute.String("statebus.store", name))
	}
	if m.records != nil {
		o.ObserveInt64(m.records, int64(counts.States), store("states"))
		o.ObserveInt64(m.records, int64(counts.Objects), store("objects"))
		o.ObserveInt64(m.records, int64(counts.Fifos), store("fifos"))
		o.ObserveInt64(m.records, int64(counts.MessageBoxes), store("messageboxes"))
		o.ObserveInt64(m.records, int64(counts.Logs), store("logs"))
		o.ObserveInt64(m.records, int64(counts.Sessions), store("sessions"))
	}
	if m.timers != nil {
		o.ObserveInt64(m.timers, int64(counts.ArmedTimers))
	}
	if m.conns != nil {
		o.ObserveInt64(m.conns, int64(counts.Connections))
	}
}

func (m *metrics) recordWrite(op string) {
	if m == nil || m.writes == nil {
		return
	}
	m.writes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("statebus.op", op)))
}

func (m *metrics) recordPublish(kind Kind, delivered int) {
	if m == nil || m.notifications == nil || delivered == 0 {
		return
	}
	m.notifications.Add(context.Background(), int64(delivered), metric.WithAttributes(attribute.String("statebus.kind", string(kind))))
}

func (m *metrics) recordExpire(kind timerKind) {
	if m == nil || m.expirations == nil {
		return
	}
	m.expirations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("statebus.kind", kind.String())))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
