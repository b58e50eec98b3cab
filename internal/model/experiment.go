package model

import "time"

// Experiment is the externally visible state of one federated run.
type Experiment struct {
	RunId        string    `json:"runId"`
	State        string    `json:"state"`
	Dataset      string    `json:"dataset"`
	Model        string    `json:"model"`
	Seed         int64     `json:"seed"`
	Round        int       `json:"round"` // rounds finished so far
	GlobalRounds int       `json:"globalRounds"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
	Error        string    `json:"error,omitempty"`
	Progress     Progress  `json:"progress"`
	Clients      []Client  `json:"clients,omitempty"`
}

// Progress tracks test metrics across rounds.
type Progress struct {
	Accuracies             []float64          `json:"accuracies"`
	Losses                 []float64          `json:"losses"`
	LastTrain              map[string]float64 `json:"lastTrain,omitempty"`
	LastTest               map[string]float64 `json:"lastTest,omitempty"`
	TotalTransCost         float64            `json:"totalTransCostMB"`
	AccuracyHasConverged   bool               `json:"accuracyHasConverged"`
	PredictedFinalAccuracy float64            `json:"predictedFinalAccuracy,omitempty"`
	PredictedFinalLoss     float64            `json:"predictedFinalLoss,omitempty"`
	// -1 when the target accuracy is not reachable within the modeled horizon
	PredictedTargetRound int `json:"predictedTargetRound,omitempty"`
}

type Client struct {
	Id        int    `json:"id"`
	SampleNum int    `json:"sampleNum"`
	Device    string `json:"device"`
}

func (e Experiment) Running() bool {
	return e.FinishedAt.IsZero()
}

// Copy returns a deep copy that can leave the goroutine owning e.
func (e Experiment) Copy() Experiment {
	c := e
	c.Progress.Accuracies = append([]float64(nil), e.Progress.Accuracies...)
	c.Progress.Losses = append([]float64(nil), e.Progress.Losses...)
	c.Progress.LastTrain = copyMap(e.Progress.LastTrain)
	c.Progress.LastTest = copyMap(e.Progress.LastTest)
	c.Clients = append([]Client(nil), e.Clients...)
	return c
}

func copyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	c := make(map[string]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
