//go:build prometheus
// +build prometheus

package manager

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для метрик
	Subsystem string

	// Registerer реестр Prometheus; nil — реестр по умолчанию
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "call_engine",
		Subsystem: "manager",
	}
}

// MetricsCollector собирает и экспортирует метрики реестра звонков
//
// Prometheus метрики для внешнего мониторинга плюс атомарные счетчики
// для внутренней диагностики. Все операции thread-safe.
type MetricsCollector struct {
	callsPlaced        prometheus.Counter
	callsEnded         *prometheus.CounterVec
	groupClientsActive prometheus.Gauge
	ringsRequested     prometheus.Counter

	totalCallsPlaced int64
	totalCallsEnded  int64
	totalRings       int64

	enabled bool
}

// NewMetricsCollector создает сборщик; nil config дает умолчания.
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	c := &MetricsCollector{enabled: config.Enabled}
	if !config.Enabled {
		return c
	}

	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c.callsPlaced = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "calls_placed_total",
		Help:      "Количество исходящих прямых звонков",
	})
	c.callsEnded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "calls_ended_total",
		Help:      "Количество завершенных прямых звонков по причинам",
	}, []string{"reason"})
	c.groupClientsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "group_clients_active",
		Help:      "Количество живых групповых клиентов",
	})
	c.ringsRequested = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "rings_requested_total",
		Help:      "Количество начатых групповых обзвонов",
	})
	return c
}

// RecordCallPlaced учитывает исходящий звонок
func (c *MetricsCollector) RecordCallPlaced() {
	atomic.AddInt64(&c.totalCallsPlaced, 1)
	if c.enabled {
		c.callsPlaced.Inc()
	}
}

// RecordCallEnded учитывает завершение звонка с причиной
func (c *MetricsCollector) RecordCallEnded(reason string) {
	atomic.AddInt64(&c.totalCallsEnded, 1)
	if c.enabled {
		c.callsEnded.WithLabelValues(reason).Inc()
	}
}

// SetActiveGroupClients обновляет число живых групповых клиентов
func (c *MetricsCollector) SetActiveGroupClients(n int) {
	if c.enabled {
		c.groupClientsActive.Set(float64(n))
	}
}

// RecordRingRequested учитывает начатый обзвон
func (c *MetricsCollector) RecordRingRequested() {
	atomic.AddInt64(&c.totalRings, 1)
	if c.enabled {
		c.ringsRequested.Inc()
	}
}

// TotalCallsPlaced счетчик для внутренней диагностики
func (c *MetricsCollector) TotalCallsPlaced() int64 {
	return atomic.LoadInt64(&c.totalCallsPlaced)
}

// TotalCallsEnded счетчик для внутренней диагностики
func (c *MetricsCollector) TotalCallsEnded() int64 {
	return atomic.LoadInt64(&c.totalCallsEnded)
}
