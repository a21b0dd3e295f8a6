//go:build !prometheus
// +build !prometheus

package manager

import (
	"sync"
	"sync/atomic"
)

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для метрик (игнорируется в простой версии)
	Namespace string

	// Subsystem подсистема для метрик (игнорируется в простой версии)
	Subsystem string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "call_engine",
		Subsystem: "manager",
	}
}

// MetricsCollector упрощенная версия сборщика без Prometheus
//
// Только атомарные счетчики; используется когда экспорт в Prometheus
// не требуется.
type MetricsCollector struct {
	totalCallsPlaced   int64
	totalCallsEnded    int64
	totalRings         int64
	groupClientsActive int64

	mu           sync.Mutex
	endedByReason map[string]int64

	enabled bool
}

// NewMetricsCollector создает сборщик; nil config дает умолчания.
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	return &MetricsCollector{
		endedByReason: make(map[string]int64),
		enabled:       config.Enabled,
	}
}

// RecordCallPlaced учитывает исходящий звонок
func (c *MetricsCollector) RecordCallPlaced() {
	atomic.AddInt64(&c.totalCallsPlaced, 1)
}

// RecordCallEnded учитывает завершение звонка с причиной
func (c *MetricsCollector) RecordCallEnded(reason string) {
	atomic.AddInt64(&c.totalCallsEnded, 1)
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.endedByReason[reason]++
	c.mu.Unlock()
}

// SetActiveGroupClients обновляет число живых групповых клиентов
func (c *MetricsCollector) SetActiveGroupClients(n int) {
	atomic.StoreInt64(&c.groupClientsActive, int64(n))
}

// RecordRingRequested учитывает начатый обзвон
func (c *MetricsCollector) RecordRingRequested() {
	atomic.AddInt64(&c.totalRings, 1)
}

// TotalCallsPlaced счетчик для внутренней диагностики
func (c *MetricsCollector) TotalCallsPlaced() int64 {
	return atomic.LoadInt64(&c.totalCallsPlaced)
}

// TotalCallsEnded счетчик для внутренней диагностики
func (c *MetricsCollector) TotalCallsEnded() int64 {
	return atomic.LoadInt64(&c.totalCallsEnded)
}

// EndedByReason снимок счетчиков завершений по причинам
func (c *MetricsCollector) EndedByReason() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.endedByReason))
	for k, v := range c.endedByReason {
		out[k] = v
	}
	return out
}
