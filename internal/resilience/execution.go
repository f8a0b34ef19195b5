package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zerodha-oms/internal/models"
)

// Execution is the outcome of one leg at the broker.
type Execution struct {
	CommandID     string
	Symbol        string
	Side          models.OrderSide
	ExpectedPrice float64 // limit price; zero for market orders
	ActualPrice   float64
	// SlippagePct is positive when the fill was worse than expected for
	// the side.
	SlippagePct float64
	Latency     time.Duration // registration to fill
	Rejected    bool
	Reason      string
	At          time.Time
}

// ExecutionAlertType represents the type of execution alert.
type ExecutionAlertType string

const (
	AlertHighSlippage  ExecutionAlertType = "HIGH_SLIPPAGE"
	AlertHighLatency   ExecutionAlertType = "HIGH_LATENCY"
	AlertOrderRejected ExecutionAlertType = "ORDER_REJECTED"
)

// ExecutionAlert is raised when a single execution crosses a threshold.
type ExecutionAlert struct {
	Type      ExecutionAlertType
	CommandID string
	Symbol    string
	Value     float64
	Threshold float64
	Message   string
}

// ExecutionTrackerConfig holds configuration for execution tracking.
type ExecutionTrackerConfig struct {
	SlippageAlertPct float64
	LatencyAlert     time.Duration
	// Window is the number of recent outcomes the rates are computed over.
	Window int
}

// DefaultExecutionTrackerConfig returns default configuration.
func DefaultExecutionTrackerConfig() ExecutionTrackerConfig {
	return ExecutionTrackerConfig{
		SlippageAlertPct: 0.5,
		LatencyAlert:     30 * time.Second,
		Window:           100,
	}
}

// ExecutionStats summarises the tracked outcomes.
type ExecutionStats struct {
	Fills             int64         `json:"fills"`
	Rejections        int64         `json:"rejections"`
	AvgSlippagePct    float64       `json:"avg_slippage_pct"`
	MaxSlippagePct    float64       `json:"max_slippage_pct"`
	AvgLatency        time.Duration `json:"avg_latency"`
	MaxLatency        time.Duration `json:"max_latency"`
	RecentRejectRate  float64       `json:"recent_reject_rate"` // 0..1 over the window
	RecentOutcomes    int           `json:"recent_outcomes"`
	LastRejectReason  string        `json:"last_reject_reason,omitempty"`
	LastExecutionTime time.Time     `json:"last_execution_time,omitempty"`
}

// ExecutionQualityTracker keeps running fill and rejection statistics for
// the legs the order watcher settles.
type ExecutionQualityTracker struct {
	cfg ExecutionTrackerConfig

	mu            sync.RWMutex
	stats         ExecutionStats
	totalSlippage float64
	totalLatency  time.Duration
	pricedFills   int64
	recent        []Execution
	onAlert       func(ExecutionAlert)

	now func() time.Time
}

// NewExecutionQualityTracker creates a new execution quality tracker.
func NewExecutionQualityTracker(cfg ExecutionTrackerConfig) *ExecutionQualityTracker {
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	return &ExecutionQualityTracker{cfg: cfg, now: time.Now}
}

// SetAlertCallback sets the callback for execution alerts.
func (t *ExecutionQualityTracker) SetAlertCallback(callback func(ExecutionAlert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAlert = callback
}

// RecordFill records an executed leg. A nil tracker records nothing.
func (t *ExecutionQualityTracker) RecordFill(exec Execution) {
	if t == nil {
		return
	}
	exec.Rejected = false
	if exec.ExpectedPrice > 0 && exec.ActualPrice > 0 {
		exec.SlippagePct = float64(exec.Side.Sign()) * (exec.ActualPrice - exec.ExpectedPrice) / exec.ExpectedPrice * 100
	}

	t.mu.Lock()
	exec.At = t.now()
	t.stats.Fills++
	if exec.ExpectedPrice > 0 {
		t.pricedFills++
		t.totalSlippage += exec.SlippagePct
		t.stats.AvgSlippagePct = t.totalSlippage / float64(t.pricedFills)
		if exec.SlippagePct > t.stats.MaxSlippagePct {
			t.stats.MaxSlippagePct = exec.SlippagePct
		}
	}
	t.totalLatency += exec.Latency
	t.stats.AvgLatency = t.totalLatency / time.Duration(t.stats.Fills)
	if exec.Latency > t.stats.MaxLatency {
		t.stats.MaxLatency = exec.Latency
	}
	t.push(exec)
	alerts := t.alertsFor(exec)
	callback := t.onAlert
	t.mu.Unlock()

	if callback != nil {
		for _, a := range alerts {
			callback(a)
		}
	}
}

// RecordRejection records a leg the broker refused. A nil tracker records
// nothing.
func (t *ExecutionQualityTracker) RecordRejection(commandID, symbol, reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stats.Rejections++
	t.stats.LastRejectReason = reason
	t.push(Execution{CommandID: commandID, Symbol: symbol, Rejected: true, Reason: reason, At: t.now()})
	callback := t.onAlert
	t.mu.Unlock()

	if callback != nil {
		callback(ExecutionAlert{
			Type:      AlertOrderRejected,
			CommandID: commandID,
			Symbol:    symbol,
			Message:   fmt.Sprintf("Order rejected: %s", reason),
		})
	}
}

func (t *ExecutionQualityTracker) push(exec Execution) {
	t.stats.LastExecutionTime = exec.At
	t.recent = append(t.recent, exec)
	if len(t.recent) > t.cfg.Window {
		t.recent = t.recent[len(t.recent)-t.cfg.Window:]
	}
}

func (t *ExecutionQualityTracker) alertsFor(exec Execution) []ExecutionAlert {
	var alerts []ExecutionAlert
	if t.cfg.SlippageAlertPct > 0 && exec.SlippagePct > t.cfg.SlippageAlertPct {
		alerts = append(alerts, ExecutionAlert{
			Type:      AlertHighSlippage,
			CommandID: exec.CommandID,
			Symbol:    exec.Symbol,
			Value:     exec.SlippagePct,
			Threshold: t.cfg.SlippageAlertPct,
			Message:   fmt.Sprintf("High slippage: %.2f%% (threshold: %.2f%%)", exec.SlippagePct, t.cfg.SlippageAlertPct),
		})
	}
	if t.cfg.LatencyAlert > 0 && exec.Latency > t.cfg.LatencyAlert {
		alerts = append(alerts, ExecutionAlert{
			Type:      AlertHighLatency,
			CommandID: exec.CommandID,
			Symbol:    exec.Symbol,
			Value:     exec.Latency.Seconds(),
			Threshold: t.cfg.LatencyAlert.Seconds(),
			Message:   fmt.Sprintf("Slow fill: %s (threshold: %s)", exec.Latency, t.cfg.LatencyAlert),
		})
	}
	return alerts
}

// Stats returns execution quality statistics.
func (t *ExecutionQualityTracker) Stats() ExecutionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := t.stats
	stats.RecentOutcomes = len(t.recent)
	if len(t.recent) > 0 {
		rejected := 0
		for _, e := range t.recent {
			if e.Rejected {
				rejected++
			}
		}
		stats.RecentRejectRate = float64(rejected) / float64(len(t.recent))
	}
	return stats
}

// Recent returns up to limit of the most recent outcomes, oldest first.
func (t *ExecutionQualityTracker) Recent(limit int) []Execution {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.recent) {
		limit = len(t.recent)
	}
	out := make([]Execution, limit)
	copy(out, t.recent[len(t.recent)-limit:])
	return out
}

// ExecutionHealthCheck reports DEGRADED while the recent rejection rate is
// above maxRejectRate. Fewer than minOutcomes recent outcomes always pass.
func ExecutionHealthCheck(t *ExecutionQualityTracker, maxRejectRate float64, minOutcomes int) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := t.Stats()
		h := ComponentHealth{
			Status: HealthStatusHealthy,
			Details: map[string]interface{}{
				"fills":            stats.Fills,
				"rejections":       stats.Rejections,
				"reject_rate":      stats.RecentRejectRate,
				"avg_slippage_pct": stats.AvgSlippagePct,
				"avg_latency":      stats.AvgLatency.String(),
			},
		}
		if stats.RecentOutcomes >= minOutcomes && stats.RecentRejectRate > maxRejectRate {
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("%.0f%% of recent orders rejected, last: %s", stats.RecentRejectRate*100, stats.LastRejectReason)
		}
		return h
	}
}
