package cost

import (
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/nn"
)

const TotalBudget_CostType = "totalBudget"
const CostMinimization_CostType = "costMin"

// BYTES_PER_PARAMETER assumes parameters travel as float32.
const BYTES_PER_PARAMETER = 4

// GetModelSize is the number of bytes one model transfer takes.
func GetModelSize(model nn.Module) float64 {
	return float64(nn.NumParameters(model) * BYTES_PER_PARAMETER)
}

// GetGlobalRoundCost is the communication cost of one round in bytes: every
// participant downloads the global model and uploads its update.
func GetGlobalRoundCost(modelSize float64, participants int) float64 {
	return 2 * modelSize * float64(participants)
}

// Tracker accumulates communication cost and decides when a run should stop.
type Tracker struct {
	configuration config.CostConfig
	currentCost   float64 // MB
}

func NewTracker(configuration config.CostConfig) *Tracker {
	return &Tracker{configuration: configuration}
}

// Add records one round's cost in bytes and returns the total in MB.
func (t *Tracker) Add(roundCost float64) float64 {
	t.currentCost += roundCost / 1e6
	return t.currentCost
}

func (t *Tracker) CurrentCost() float64 {
	return t.currentCost
}

// ShouldStop reports whether the budget is spent or, for cost minimization, the
// target accuracy is reached. accuracy is negative when the round was not tested.
func (t *Tracker) ShouldStop(accuracy float64) (bool, string) {
	switch t.configuration.Type {
	case TotalBudget_CostType:
		if t.currentCost >= t.configuration.BudgetMB {
			return true, fmt.Sprintf("Budget exceeded! Total cost: %.2f MB", t.currentCost)
		}
	case CostMinimization_CostType:
		if accuracy >= 0 && accuracy >= t.configuration.TargetAccuracy {
			return true, fmt.Sprintf("Target accuracy reached! Total cost: %.2f MB, accuracy: %.4f", t.currentCost, accuracy)
		}
	}
	return false, ""
}
