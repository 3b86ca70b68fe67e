// Package metrics implements the Business Metrics Service (spec.md §4.7):
// MTTR with a normal-approximation confidence interval, prevention count,
// cost saved, success rate, and a configurable efficiency score, all
// derived by replaying the event store. Exported via OpenTelemetry
// instruments, grounded on the teacher's telemetry package convention of
// wrapping go.opentelemetry.io/otel behind a small typed API.
package metrics

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/eventstore"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

// fleetIncidentID is the reserved event-store key under which fleet-wide
// MetricsRecomputed events are appended (spec.md §4.7's metrics span every
// incident in the window, but C2's Append is strictly per-incident-keyed).
// It never carries an IncidentStarted event, so eventstore.Project reports
// it unseen and it never surfaces from ReplayState/ListIncidents as a real
// incident.
const fleetIncidentID = "_fleet_metrics"

// windowCapacity is the maximum number of resolved incidents retained for
// the rolling MTTR window (spec.md §4.7: "capacity 1000").
const windowCapacity = 1000

// defaultWindowN is the default sample size used for the reported MTTR
// statistic (spec.md §4.7: "default N=100").
const defaultWindowN = 100

// lowSampleThreshold below which only a point estimate is reported
// (spec.md §4.7: "when N < 30 ... mark data_quality = low").
const lowSampleThreshold = 30

// CostInputs are the configuration-supplied baseline figures the service
// performs arithmetic over but never originates itself (spec.md §4.7:
// "per_minute_cost and baseline are configuration inputs; the service
// performs only the arithmetic").
type CostInputs struct {
	PerMinuteCost        map[incident.Severity]float64
	BaselineMTTR         map[incident.Severity]time.Duration
	BaselineIncidentCost map[incident.Severity]float64
}

// Weights configures the linear combination used for EfficiencyScore.
type Weights struct {
	MTTR       float64
	Prevention float64
	Cost       float64
	Success    float64
}

// DefaultWeights returns an equal-weighted combination.
func DefaultWeights() Weights {
	return Weights{MTTR: 0.25, Prevention: 0.25, Cost: 0.25, Success: 0.25}
}

// Snapshot is the computed metrics object returned by Compute and emitted
// in MetricsRecomputed events.
type Snapshot struct {
	MTTRMean        time.Duration
	MTTRConfidence  time.Duration // half-width of the 95% CI; zero when DataQuality is low
	MTTRDataQuality string        // "normal" or "low"
	SampleSize      int
	PreventionCount int
	CostSavedUSD    float64
	SuccessRate     float64
	EfficiencyScore float64
}

// instruments holds the OTEL metric handles the Service updates on every
// Compute call.
type instruments struct {
	mttrSeconds     metric.Float64Gauge
	preventionCount metric.Int64Gauge
	costSavedUSD    metric.Float64Gauge
	successRate     metric.Float64Gauge
	efficiency      metric.Float64Gauge
}

// Service computes business metrics by replaying incidents from the event
// store. It holds no independent state of its own: every Compute call is a
// fresh replay, matching the event-sourced "single source of truth" design
// throughout the repository.
type Service struct {
	store   eventstore.Store
	costs   CostInputs
	weights Weights
	instr   instruments
	bus     streamfabric.Bus
}

// WithBus attaches the Streaming Fabric bus every MetricsRecomputed event is
// published to alongside its event-store append (spec.md §4.8: C9 is one of
// the bus's publishers). A nil bus leaves publication disabled. Returns the
// receiver for chaining.
func (s *Service) WithBus(bus streamfabric.Bus) *Service {
	s.bus = bus
	return s
}

// NewService constructs a Service backed by the given event store and
// meter. meter may be nil in tests; metrics are then computed but not
// exported.
func NewService(store eventstore.Store, meter metric.Meter, costs CostInputs, weights Weights) (*Service, error) {
	s := &Service{store: store, costs: costs, weights: weights}
	if meter == nil {
		return s, nil
	}
	var err error
	if s.instr.mttrSeconds, err = meter.Float64Gauge("aegis.mttr.seconds"); err != nil {
		return nil, err
	}
	if s.instr.preventionCount, err = meter.Int64Gauge("aegis.prevention.count"); err != nil {
		return nil, err
	}
	if s.instr.costSavedUSD, err = meter.Float64Gauge("aegis.cost_saved.usd"); err != nil {
		return nil, err
	}
	if s.instr.successRate, err = meter.Float64Gauge("aegis.success_rate"); err != nil {
		return nil, err
	}
	if s.instr.efficiency, err = meter.Float64Gauge("aegis.efficiency_score"); err != nil {
		return nil, err
	}
	return s, nil
}

// resolvedIncident captures the minimal per-incident facts Compute needs,
// derived from one pass over an incident's event stream.
type resolvedIncident struct {
	severity    incident.Severity
	mttr        time.Duration
	preventive  bool
	outcome     incident.Status // resolved, escalated, failed
	submittedAt time.Time
}

// Compute replays incidentIDs (typically "every incident touched in the
// last 7 days", supplied by the caller) and derives the full Snapshot.
func (s *Service) Compute(ctx context.Context, incidentIDs []string) (Snapshot, error) {
	var resolved []resolvedIncident
	var succeeded, escalatedOrFailed int

	for _, id := range incidentIDs {
		events, err := s.store.Read(ctx, id, 0)
		if err != nil {
			return Snapshot{}, err
		}
		ri, ok := analyzeIncident(events)
		if !ok {
			continue
		}
		switch ri.outcome {
		case incident.StatusResolutionComplete:
			succeeded++
			resolved = append(resolved, ri)
		case incident.StatusEscalated, incident.StatusFailed:
			escalatedOrFailed++
		}
	}

	if len(resolved) > windowCapacity {
		resolved = resolved[len(resolved)-windowCapacity:]
	}

	snap := Snapshot{}
	snap.PreventionCount, snap.CostSavedUSD = s.preventionAndCost(resolved)
	snap.MTTRMean, snap.MTTRConfidence, snap.MTTRDataQuality, snap.SampleSize = mttrStatistic(resolved)
	total := succeeded + escalatedOrFailed
	if total > 0 {
		snap.SuccessRate = float64(succeeded) / float64(total)
	}
	snap.EfficiencyScore = s.efficiencyScore(snap)

	s.recordInstruments(ctx, snap)
	s.appendRecomputed(ctx, snap)
	return snap, nil
}

func analyzeIncident(events []incident.Event) (resolvedIncident, bool) {
	inc, ok := eventstore.Project(events)
	if !ok || !inc.Terminal() {
		return resolvedIncident{}, false
	}
	ri := resolvedIncident{severity: inc.Severity, submittedAt: inc.SubmittedAt, outcome: inc.Status}
	for _, ev := range events {
		if ev.Kind == incident.EventResolutionComplete {
			ri.mttr = ev.Timestamp.Sub(inc.SubmittedAt)
			var p incident.ResolutionCompletePayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				ri.preventive = p.Action.Preventive()
			}
		}
	}
	return ri, true
}

func (s *Service) preventionAndCost(resolved []resolvedIncident) (int, float64) {
	var preventionCount int
	var costSaved float64
	for _, ri := range resolved {
		perMinute := s.costs.PerMinuteCost[ri.severity]
		baseline := s.costs.BaselineMTTR[ri.severity]
		if baseline > 0 && perMinute > 0 {
			delta := baseline.Minutes() - ri.mttr.Minutes()
			if delta > 0 {
				costSaved += delta * perMinute
			}
		}
		if ri.preventive {
			preventionCount++
			costSaved += s.costs.BaselineIncidentCost[ri.severity]
		}
	}
	return preventionCount, costSaved
}

// mttrStatistic computes mean ± 1.96·stddev/√N over the most recent
// defaultWindowN resolved incidents (spec.md §4.7).
func mttrStatistic(resolved []resolvedIncident) (mean, halfWidth time.Duration, dataQuality string, n int) {
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].submittedAt.Before(resolved[j].submittedAt) })
	if len(resolved) > defaultWindowN {
		resolved = resolved[len(resolved)-defaultWindowN:]
	}
	n = len(resolved)
	if n == 0 {
		return 0, 0, "low", 0
	}

	var sum float64
	for _, ri := range resolved {
		sum += ri.mttr.Seconds()
	}
	meanSeconds := sum / float64(n)

	if n < lowSampleThreshold {
		return time.Duration(meanSeconds * float64(time.Second)), 0, "low", n
	}

	var sumSq float64
	for _, ri := range resolved {
		d := ri.mttr.Seconds() - meanSeconds
		sumSq += d * d
	}
	stddev := math.Sqrt(sumSq / float64(n-1))
	half := 1.96 * stddev / math.Sqrt(float64(n))
	return time.Duration(meanSeconds * float64(time.Second)), time.Duration(half * float64(time.Second)), "normal", n
}

func (s *Service) efficiencyScore(snap Snapshot) float64 {
	mttrTerm := 0.0
	if snap.MTTRMean > 0 {
		// Inverse-scaled so a shorter MTTR yields a higher term; 1 hour is
		// treated as the normalization anchor.
		mttrTerm = clamp01(time.Hour.Seconds() / snap.MTTRMean.Seconds())
	}
	preventionTerm := clamp01(float64(snap.PreventionCount) / 10.0)
	costTerm := clamp01(snap.CostSavedUSD / 10000.0)
	successTerm := clamp01(snap.SuccessRate)

	w := s.weights
	total := w.MTTR + w.Prevention + w.Cost + w.Success
	if total == 0 {
		return 0
	}
	return clamp01((w.MTTR*mttrTerm + w.Prevention*preventionTerm + w.Cost*costTerm + w.Success*successTerm) / total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recordInstruments exports snap via the OTEL gauges (spec.md §4.7's
// reporting surface alongside the event the incident stream carries).
func (s *Service) recordInstruments(ctx context.Context, snap Snapshot) {
	if s.instr.mttrSeconds == nil {
		return
	}
	s.instr.mttrSeconds.Record(ctx, snap.MTTRMean.Seconds())
	s.instr.preventionCount.Record(ctx, int64(snap.PreventionCount))
	s.instr.costSavedUSD.Record(ctx, snap.CostSavedUSD)
	s.instr.successRate.Record(ctx, snap.SuccessRate)
	s.instr.efficiency.Record(ctx, snap.EfficiencyScore)
}

// appendRecomputed appends a MetricsRecomputed event under the reserved
// fleet incident key and publishes it over the bus (spec.md §4.7: "All
// metric updates produce a MetricsRecomputed event containing the new
// values"). A Compute caller always gets its Snapshot back even if this
// side channel's append or publish fails.
func (s *Service) appendRecomputed(ctx context.Context, snap Snapshot) {
	ev, err := eventstore.NewEvent(fleetIncidentID, incident.EventMetricsRecomputed, "", incident.MetricsRecomputedPayload{
		MTTRSeconds:     snap.MTTRMean.Seconds(),
		MTTRDataQuality: snap.MTTRDataQuality,
		PreventionCount: snap.PreventionCount,
		CostSavedUSD:    snap.CostSavedUSD,
		SuccessRate:     snap.SuccessRate,
		EfficiencyScore: snap.EfficiencyScore,
	})
	if err != nil {
		return
	}
	for attempt := 0; attempt < 10; attempt++ {
		head, err := s.store.HeadVersion(ctx, fleetIncidentID)
		if err != nil {
			return
		}
		v, err := s.store.Append(ctx, fleetIncidentID, head, ev)
		if err == nil {
			ev.Version = v
			s.publishBus(ctx, ev)
			return
		}
		if !apperrors.Is(err, apperrors.KindVersionConflict) {
			return
		}
	}
}

func (s *Service) publishBus(ctx context.Context, ev incident.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, streamfabric.Published{
		IncidentID:   ev.IncidentID,
		DashboardTag: streamfabric.LiveDashboardTag,
		Event:        ev,
	})
}
