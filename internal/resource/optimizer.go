package resource

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aura-signlab/backend/config"
	"github.com/aura-signlab/backend/internal/metrics"
	"github.com/aura-signlab/backend/internal/models"
)

// Optimization steps, applied in this order.
const (
	StepResolution = "resolution"
	StepQuality    = "encode_quality"
	StepComplexity = "detection_complexity"
)

var (
	resolutionLadder = []models.Resolution{{Width: 640, Height: 480}, {Width: 480, Height: 360}, {Width: 320, Height: 240}}
	qualityLadder    = []int{85, 70, 55, 40}
)

// Action is what an evaluation did.
type Action int

const (
	ActionNone Action = iota
	ActionDegrade
	ActionRecover
	ActionSuppressed
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDegrade:
		return "degrade"
	case ActionRecover:
		return "recover"
	case ActionSuppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Thresholds bound acceptable load.
type Thresholds struct {
	CPUPercent        float64
	MemoryMB          float64
	MaxProcessingTime time.Duration
	MaxDropRate       float64
}

// OptimizerConfig tunes the violation counter, cooldown and recovery.
type OptimizerConfig struct {
	Thresholds
	ViolationLimit  int
	Cooldown        time.Duration
	RecoverySamples int
	RecoveryRatio   float64
}

// OptimizerConfigFrom maps environment settings.
func OptimizerConfigFrom(c config.OptimizerConfig) OptimizerConfig {
	return OptimizerConfig{
		Thresholds: Thresholds{
			CPUPercent:        c.CPUPercent,
			MemoryMB:          c.MemoryMB,
			MaxProcessingTime: c.MaxProcessingTime,
			MaxDropRate:       c.MaxDropRate,
		},
		ViolationLimit:  c.ViolationLimit,
		Cooldown:        c.Cooldown,
		RecoverySamples: c.RecoverySamples,
		RecoveryRatio:   c.RecoveryRatio,
	}
}

// Load is one evaluation input: the shared sample plus this connection's
// recent processing statistics.
type Load struct {
	Sample
	AvgProcessing time.Duration
	DropRate      float64
}

// Decision reports the outcome of one evaluation.
type Decision struct {
	Action     Action                `json:"action"`
	Step       string                `json:"step,omitempty"`
	Violation  bool                  `json:"violation"`
	Violations int                   `json:"violations"`
	Reasons    []string              `json:"reasons,omitempty"`
	Previous   models.QualityProfile `json:"previous"`
	Profile    models.QualityProfile `json:"profile"`
}

type appliedStep struct {
	name     string
	previous models.QualityProfile
}

// Optimizer adapts one connection's quality profile. Evaluate is the only
// writer; readers call Profile once per frame and get a consistent copy.
type Optimizer struct {
	cfg     OptimizerConfig
	base    models.QualityProfile
	logger  *zap.Logger
	profile atomic.Pointer[models.QualityProfile]

	mu            sync.Mutex
	violations    int
	clean         int
	cooldownUntil time.Time
	applied       []appliedStep
}

// NewOptimizer starts at base.
func NewOptimizer(cfg OptimizerConfig, base models.QualityProfile, logger *zap.Logger) *Optimizer {
	if cfg.ViolationLimit < 1 {
		cfg.ViolationLimit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Optimizer{cfg: cfg, base: base, logger: logger}
	p := base
	o.profile.Store(&p)
	return o
}

// Profile returns a snapshot of the active profile.
func (o *Optimizer) Profile() models.QualityProfile {
	return *o.profile.Load()
}

// Reset restores the base profile and clears all counters.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.violations = 0
	o.clean = 0
	o.cooldownUntil = time.Time{}
	o.applied = nil
	p := o.base
	o.profile.Store(&p)
}

// Evaluate checks load against the thresholds and applies at most one step.
func (o *Optimizer) Evaluate(load Load) Decision {
	now := load.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	current := o.Profile()
	reasons := o.violationReasons(load)
	d := Decision{Previous: current, Profile: current, Reasons: reasons}

	if len(reasons) > 0 {
		o.violations++
		o.clean = 0
		d.Violation = true
		d.Violations = o.violations
		if o.violations < o.cfg.ViolationLimit {
			return d
		}
		if now.Before(o.cooldownUntil) {
			d.Action = ActionSuppressed
			return d
		}
		name, next, ok := degrade(current)
		if !ok {
			return d
		}
		o.apply(name, current, next, now)
		d.Action, d.Step, d.Profile = ActionDegrade, name, next
		o.logger.Info("quality degraded",
			zap.String("step", name),
			zap.String("resolution", next.Resolution.String()),
			zap.Int("quality", next.EncodeQuality),
			zap.Int("complexity", next.DetectionComplexity),
			zap.Strings("reasons", reasons),
		)
		metrics.RecordOptimizerStep("degrade", name)
		return d
	}

	o.violations = 0
	if !o.comfortable(load) {
		o.clean = 0
		return d
	}
	o.clean++
	if o.cfg.RecoverySamples <= 0 || o.clean < o.cfg.RecoverySamples || len(o.applied) == 0 || now.Before(o.cooldownUntil) {
		return d
	}
	last := o.applied[len(o.applied)-1]
	o.applied = o.applied[:len(o.applied)-1]
	p := last.previous
	o.profile.Store(&p)
	o.clean = 0
	o.cooldownUntil = now.Add(o.cfg.Cooldown)
	d.Action, d.Step, d.Profile = ActionRecover, last.name, p
	o.logger.Info("quality recovered", zap.String("step", last.name), zap.String("resolution", p.Resolution.String()))
	metrics.RecordOptimizerStep("recover", last.name)
	return d
}

func (o *Optimizer) apply(name string, prev, next models.QualityProfile, now time.Time) {
	o.applied = append(o.applied, appliedStep{name: name, previous: prev})
	o.profile.Store(&next)
	o.cooldownUntil = now.Add(o.cfg.Cooldown)
}

func (o *Optimizer) violationReasons(l Load) []string {
	t := o.cfg.Thresholds
	var reasons []string
	if t.CPUPercent > 0 && l.CPUPercent > t.CPUPercent {
		reasons = append(reasons, fmt.Sprintf("cpu %.1f%% > %.1f%%", l.CPUPercent, t.CPUPercent))
	}
	if t.MemoryMB > 0 && l.MemoryMB > t.MemoryMB {
		reasons = append(reasons, fmt.Sprintf("memory %.0fMB > %.0fMB", l.MemoryMB, t.MemoryMB))
	}
	if t.MaxProcessingTime > 0 && l.AvgProcessing > t.MaxProcessingTime {
		reasons = append(reasons, fmt.Sprintf("processing %s > %s", l.AvgProcessing, t.MaxProcessingTime))
	}
	if t.MaxDropRate > 0 && l.DropRate > t.MaxDropRate {
		reasons = append(reasons, fmt.Sprintf("drop rate %.2f > %.2f", l.DropRate, t.MaxDropRate))
	}
	return reasons
}

// comfortable reports whether load is far enough below the thresholds to
// count toward recovery.
func (o *Optimizer) comfortable(l Load) bool {
	r := o.cfg.RecoveryRatio
	if r <= 0 {
		return false
	}
	t := o.cfg.Thresholds
	if t.CPUPercent > 0 && l.CPUPercent >= t.CPUPercent*r {
		return false
	}
	if t.MemoryMB > 0 && l.MemoryMB >= t.MemoryMB*r {
		return false
	}
	if t.MaxProcessingTime > 0 && float64(l.AvgProcessing) >= float64(t.MaxProcessingTime)*r {
		return false
	}
	return true
}

// degrade returns the next lower profile: resolution first, then encode
// quality, then detection complexity.
func degrade(p models.QualityProfile) (string, models.QualityProfile, bool) {
	pixels := p.Resolution.Width * p.Resolution.Height
	for _, r := range resolutionLadder {
		if r.Width*r.Height < pixels {
			p.Resolution = r
			return StepResolution, p, true
		}
	}
	for _, q := range qualityLadder {
		if q < p.EncodeQuality {
			p.EncodeQuality = q
			return StepQuality, p, true
		}
	}
	if p.DetectionComplexity > models.ComplexityLite {
		p.DetectionComplexity--
		return StepComplexity, p, true
	}
	return "", p, false
}
