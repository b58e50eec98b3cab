package pipeline

import (
	"fmt"
	"math"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
)

const FIX_SCHEDULER = "fix"
const LINEAR_SCHEDULER = "linear"
const EXP_SCHEDULER = "exp"
const COS_SCHEDULER = "cos"

// LRScheduler maps a global round to the learning rate handed to clients.
type LRScheduler struct {
	baseLR float64
	cfg    config.SchedulerConfig
}

func NewLRScheduler(baseLR float64, cfg config.SchedulerConfig) (*LRScheduler, error) {
	if baseLR <= 0 {
		return nil, fmt.Errorf("%w: base learning rate must be positive, got %v", common.ErrConfiguration, baseLR)
	}

	switch cfg.Name {
	case FIX_SCHEDULER, "":
	case LINEAR_SCHEDULER, COS_SCHEDULER:
		if cfg.DecayRound <= 0 {
			return nil, fmt.Errorf("%w: %s scheduler needs a positive decay_round", common.ErrConfiguration, cfg.Name)
		}
	case EXP_SCHEDULER:
		if cfg.DecayCoefficient <= 0 || cfg.DecayCoefficient > 1 {
			return nil, fmt.Errorf("%w: exp scheduler needs decay_coefficient in (0, 1], got %v",
				common.ErrConfiguration, cfg.DecayCoefficient)
		}
	default:
		return nil, fmt.Errorf("%w: unknown scheduler %q", common.ErrConfiguration, cfg.Name)
	}

	return &LRScheduler{baseLR: baseLR, cfg: cfg}, nil
}

// LR never drops below min_lr.
func (s *LRScheduler) LR(round int) float64 {
	minLR := s.cfg.MinLR
	var lr float64

	switch s.cfg.Name {
	case LINEAR_SCHEDULER:
		progress := math.Min(float64(round)/float64(s.cfg.DecayRound), 1)
		lr = s.baseLR - (s.baseLR-minLR)*progress
	case EXP_SCHEDULER:
		lr = s.baseLR * math.Pow(s.cfg.DecayCoefficient, float64(round))
	case COS_SCHEDULER:
		progress := math.Min(float64(round)/float64(s.cfg.DecayRound), 1)
		lr = minLR + (s.baseLR-minLR)*(1+math.Cos(math.Pi*progress))/2
	default:
		return s.baseLR
	}

	return math.Max(lr, minLR)
}
