// Package observability: SLO definitions and tracker for pipeline stages.
//
// Each evaluation stage (validate, authorize, plan, verify_canonical) and the
// whole evaluation carry a latency and success-rate objective. The tracker
// computes windowed compliance and burn rate so operators see how fast the
// error budget is being consumed.
package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Pipeline operation names used for spans and SLO targets.
const (
	OpEvaluate        = "mandate.evaluate"
	OpValidate        = "mandate.validate"
	OpAuthorize       = "mandate.authorize"
	OpPlan            = "mandate.plan"
	OpVerifyCanonical = "mandate.verify_canonical"
)

// maxObservationsPerOp bounds tracker memory; Status windows by time anyway.
const maxObservationsPerOp = 4096

// SLOTarget defines a service level objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"sloId"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latencyP99"`
	SuccessRate float64       `json:"successRate"` // target success rate (0-1)
	WindowHours int           `json:"windowHours"` // evaluation window
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"sloId"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"currentP99Ms"`
	CurrentSuccess   float64 `json:"currentSuccessRate"`
	InCompliance     bool    `json:"inCompliance"`
	BurnRate         float64 `json:"burnRate"`        // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"errorBudgetLeft"` // percentage remaining
	ObservationCount int     `json:"observationCount"`
}

// DefaultTargets returns the objectives for the decision pipeline. Canonical
// verification tolerates more latency and failure than the local stages
// because it crosses the network to municipal systems of record.
func DefaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-evaluate", Name: "end-to-end evaluation", Operation: OpEvaluate, LatencyP99: 500 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-validate", Name: "request validation", Operation: OpValidate, LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-authorize", Name: "authority resolution", Operation: OpAuthorize, LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-plan", Name: "plan assembly", Operation: OpPlan, LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-verify-canonical", Name: "canonical source verification", Operation: OpVerifyCanonical, LatencyP99: 5 * time.Second, SuccessRate: 0.99, WindowHours: 24},
	}
}

// SLOTracker monitors SLOs across pipeline operations.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget       // operation -> target
	observations map[string][]SLOObservation // operation -> observations
	clock        func() time.Time
}

// NewSLOTracker creates a new tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets the SLO target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record records an observation, keeping a bounded tail per operation.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	window := append(t.observations[obs.Operation], obs)
	if len(window) > maxObservationsPerOp {
		window = window[len(window)-maxObservationsPerOp:]
	}
	t.observations[obs.Operation] = window
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no SLO target for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:            target.SLOID,
			Operation:        operation,
			InCompliance:     true,
			ErrorBudgetLeft:  100.0,
			ObservationCount: 0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	// Burn rate: error rate relative to the budgeted error rate.
	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}

// Snapshot returns the status of every configured target, ordered by
// operation name.
func (t *SLOTracker) Snapshot() []*SLOStatus {
	t.mu.Lock()
	operations := make([]string, 0, len(t.targets))
	for op := range t.targets {
		operations = append(operations, op)
	}
	t.mu.Unlock()
	sort.Strings(operations)

	statuses := make([]*SLOStatus, 0, len(operations))
	for _, op := range operations {
		status, err := t.Status(op)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}
