// Package anomaly detects statistical outliers in the cost record stream
// against a rolling baseline.
package anomaly

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/alerts"
	"github.com/atp-project/routecore/internal/clock"
)

// Kind names an anomaly family.
type Kind string

const (
	KindCostOutlier         Kind = "cost_outlier"
	KindCostPerTokenOutlier Kind = "cost_per_token_outlier"
	KindUsageOutlier        Kind = "usage_outlier"
	KindTemporalOutlier     Kind = "temporal_outlier"
)

// Severity classifies anomaly strength from the z-score.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	ringCap = 1000
	// baselineWindow is how many recent points feed the baseline.
	baselineWindow = 200
	// minOutlierPoints gates the z-score families; minTemporalPoints gates
	// the hour-of-day family.
	minOutlierPoints  = 10
	minTemporalPoints = 20
	// temporalBucketMin is the prior samples an hour bucket needs.
	temporalBucketMin = 3
	// temporalRecent is how many trailing points the temporal family checks.
	temporalRecent = 10
)

// Point is one observed request in the detection window.
type Point struct {
	At       time.Time `json:"at"`
	CostUSD  float64   `json:"cost_usd"`
	Tokens   int       `json:"tokens"`
	Provider string    `json:"provider,omitempty"`
	Model    string    `json:"model,omitempty"`
	TenantID string    `json:"tenant_id,omitempty"`
}

func (p Point) costPerToken() (float64, bool) {
	if p.Tokens <= 0 {
		return 0, false
	}
	return p.CostUSD / float64(p.Tokens), true
}

// Anomaly is one detected outlier.
type Anomaly struct {
	Kind       Kind              `json:"kind"`
	Severity   Severity          `json:"severity"`
	ZScore     float64           `json:"z_score"`
	DetectedAt time.Time         `json:"detected_at"`
	Context    map[string]string `json:"context,omitempty"`
}

// stats is mean and population standard deviation over one signal.
type stats struct {
	mean, std float64
	n         int
}

func computeStats(values []float64) stats {
	n := len(values)
	if n == 0 {
		return stats{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return stats{mean: mean, std: math.Sqrt(sq / float64(n)), n: n}
}

// zScore returns |v - mean| / std, or 0 when the baseline has no spread. A
// flat baseline never flags anomalies.
func (s stats) zScore(v float64) float64 {
	if s.std == 0 {
		return 0
	}
	return math.Abs(v-s.mean) / s.std
}

type baseline struct {
	cost, tokens, costPerToken stats
	updatedAt                  time.Time
}

// Config controls detection sensitivity.
type Config struct {
	ThresholdStd           float64       // z-score cutoff, default 2.5
	WindowHours            int           // detection window, default 24
	BaselineUpdateInterval time.Duration // default 1h
}

// DefaultConfig returns the standard detection settings.
func DefaultConfig() Config {
	return Config{ThresholdStd: 2.5, WindowHours: 24, BaselineUpdateInterval: time.Hour}
}

// Detector keeps a bounded ring of recent points and flags outliers against
// a periodically recomputed baseline.
type Detector struct {
	cfg     Config
	clk     clock.Clock
	alerter *alerts.Emitter
	counter *prometheus.CounterVec // labeled by kind, severity

	mu       sync.Mutex
	ring     []Point
	baseline baseline
}

// Option configures a Detector.
type Option func(*Detector)

// WithAlerter emits anomaly alerts with per-(kind, scope) cooldown.
func WithAlerter(e *alerts.Emitter) Option {
	return func(d *Detector) { d.alerter = e }
}

// WithCounter counts detected anomalies by kind and severity.
func WithCounter(vec *prometheus.CounterVec) Option {
	return func(d *Detector) { d.counter = vec }
}

// NewDetector creates a detector.
func NewDetector(cfg Config, clk clock.Clock, opts ...Option) *Detector {
	if cfg.ThresholdStd <= 0 {
		cfg.ThresholdStd = 2.5
	}
	if cfg.BaselineUpdateInterval <= 0 {
		cfg.BaselineUpdateInterval = time.Hour
	}
	d := &Detector{cfg: cfg, clk: clk}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Observe records a point and returns any anomalies it triggers.
func (d *Detector) Observe(p Point) []Anomaly {
	if p.At.IsZero() {
		p.At = d.clk.Now()
	}

	d.mu.Lock()
	if len(d.ring) >= ringCap {
		copy(d.ring, d.ring[1:])
		d.ring = d.ring[:len(d.ring)-1]
	}
	d.ring = append(d.ring, p)
	d.maybeUpdateBaselineLocked(false)

	var found []Anomaly
	if len(d.ring) >= minOutlierPoints {
		found = append(found, d.outliersLocked(p)...)
	}
	if len(d.ring) >= minTemporalPoints {
		if a, ok := d.temporalLocked(p); ok {
			found = append(found, a)
		}
	}
	d.mu.Unlock()

	for _, a := range found {
		d.emit(a)
	}
	return found
}

func (d *Detector) outliersLocked(p Point) []Anomaly {
	var out []Anomaly
	ctx := pointContext(p)
	if z := d.baseline.cost.zScore(p.CostUSD); z > d.cfg.ThresholdStd {
		out = append(out, d.anomaly(KindCostOutlier, z, ctx))
	}
	if cpt, ok := p.costPerToken(); ok {
		if z := d.baseline.costPerToken.zScore(cpt); z > d.cfg.ThresholdStd {
			out = append(out, d.anomaly(KindCostPerTokenOutlier, z, ctx))
		}
	}
	if z := d.baseline.tokens.zScore(float64(p.Tokens)); z > d.cfg.ThresholdStd {
		out = append(out, d.anomaly(KindUsageOutlier, z, ctx))
	}
	return out
}

// temporalLocked compares the point's cost against its hour-of-day bucket
// over the detection window.
func (d *Detector) temporalLocked(p Point) (Anomaly, bool) {
	cutoff := d.clk.Now().Add(-time.Duration(d.cfg.WindowHours) * time.Hour)
	hour := p.At.UTC().Hour()

	// Only consider points recent enough to matter; the last point is the
	// one under test and is excluded from its own bucket.
	recentStart := len(d.ring) - 1
	var bucket []float64
	for i := 0; i < recentStart; i++ {
		q := d.ring[i]
		if q.At.Before(cutoff) {
			continue
		}
		if q.At.UTC().Hour() == hour {
			bucket = append(bucket, q.CostUSD)
		}
	}
	if len(bucket) < temporalBucketMin {
		return Anomaly{}, false
	}
	s := computeStats(bucket)
	z := s.zScore(p.CostUSD)
	if z <= d.cfg.ThresholdStd {
		return Anomaly{}, false
	}
	return d.anomaly(KindTemporalOutlier, z, pointContext(p)), true
}

func (d *Detector) anomaly(kind Kind, z float64, ctx map[string]string) Anomaly {
	return Anomaly{
		Kind:       kind,
		Severity:   d.severityFor(z),
		ZScore:     z,
		DetectedAt: d.clk.Now(),
		Context:    ctx,
	}
}

func (d *Detector) severityFor(z float64) Severity {
	switch {
	case z > 3.0:
		return SeverityHigh
	case z > d.cfg.ThresholdStd:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func pointContext(p Point) map[string]string {
	ctx := map[string]string{}
	if p.Provider != "" {
		ctx["provider"] = p.Provider
	}
	if p.Model != "" {
		ctx["model"] = p.Model
	}
	if p.TenantID != "" {
		ctx["tenant_id"] = p.TenantID
	}
	return ctx
}

// PreCheck is the pre-request evaluation. Confidence is the maximum z-score
// across the signal families; a baseline with zero spread never flags.
type PreCheck struct {
	IsAnomalous bool    `json:"is_anomalous"`
	Confidence  float64 `json:"confidence"`
}

// IsAnomalousRequest evaluates a projected request before selection.
func (d *Detector) IsAnomalousRequest(costEstUSD float64, tokens int) PreCheck {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ring) < minOutlierPoints {
		return PreCheck{}
	}

	max := d.baseline.cost.zScore(costEstUSD)
	if z := d.baseline.tokens.zScore(float64(tokens)); z > max {
		max = z
	}
	if tokens > 0 {
		if z := d.baseline.costPerToken.zScore(costEstUSD / float64(tokens)); z > max {
			max = z
		}
	}
	return PreCheck{IsAnomalous: max > d.cfg.ThresholdStd, Confidence: max}
}

// UpdateBaseline recomputes the baseline regardless of the update interval.
// The per-observation path recomputes at most once per interval.
func (d *Detector) UpdateBaseline() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeUpdateBaselineLocked(true)
}

func (d *Detector) maybeUpdateBaselineLocked(force bool) {
	now := d.clk.Now()
	if !force && !d.baseline.updatedAt.IsZero() && now.Sub(d.baseline.updatedAt) < d.cfg.BaselineUpdateInterval {
		return
	}
	start := 0
	if len(d.ring) > baselineWindow {
		start = len(d.ring) - baselineWindow
	}
	var costs, tokens, cpts []float64
	for _, p := range d.ring[start:] {
		costs = append(costs, p.CostUSD)
		tokens = append(tokens, float64(p.Tokens))
		if cpt, ok := p.costPerToken(); ok {
			cpts = append(cpts, cpt)
		}
	}
	d.baseline = baseline{
		cost:         computeStats(costs),
		tokens:       computeStats(tokens),
		costPerToken: computeStats(cpts),
		updatedAt:    now,
	}
}

func (d *Detector) emit(a Anomaly) {
	if d.counter != nil {
		d.counter.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	}
	if d.alerter == nil {
		return
	}
	scope := a.Context["tenant_id"]
	if scope == "" {
		scope = a.Context["model"]
	}
	d.alerter.Emit(alerts.Alert{
		Kind:        string(a.Kind),
		Severity:    alerts.Severity(a.Severity),
		CooldownKey: string(a.Kind) + "::" + scope,
		Labels:      a.Context,
		Payload:     a,
	})
}

// SummaryReport groups recent anomalies for reporting.
type SummaryReport struct {
	WindowHours int              `json:"window_hours"`
	Total       int              `json:"total"`
	ByKind      map[Kind]int     `json:"by_kind"`
	BySeverity  map[Severity]int `json:"by_severity"`
	TotalCost   float64          `json:"total_anomalous_cost_usd"`
}

// Summary reports detected-signal structure over the trailing window,
// optionally restricted to one tenant. It re-evaluates retained points
// against the current baseline.
func (d *Detector) Summary(hours int, tenantID string) SummaryReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	rep := SummaryReport{
		WindowHours: hours,
		ByKind:      make(map[Kind]int),
		BySeverity:  make(map[Severity]int),
	}
	if len(d.ring) < minOutlierPoints {
		return rep
	}
	cutoff := d.clk.Now().Add(-time.Duration(hours) * time.Hour)
	for _, p := range d.ring {
		if p.At.Before(cutoff) {
			continue
		}
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		found := d.outliersLocked(p)
		for _, a := range found {
			rep.Total++
			rep.ByKind[a.Kind]++
			rep.BySeverity[a.Severity]++
		}
		if len(found) > 0 {
			rep.TotalCost += p.CostUSD
		}
	}
	return rep
}
