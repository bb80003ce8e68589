package session

import (
	"time"

	"github.com/Lekssays/flpoison/aggregation"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/trainer"
)

// ClientUpdate is one client's contribution to a round.
type ClientUpdate struct {
	ClientID string
	Model    *model.Model
	Delta    *model.Model
	Losses   map[int]float64
	Poisoned bool
}

// CommunicationRound keeps everything a round produced.
type CommunicationRound struct {
	Number       int
	Global       *model.Model
	Participants []string
	Updates      map[string]*ClientUpdate
	Outcome      *aggregation.Outcome
	Metrics      *trainer.Metrics
	Record       RoundRecord
}

// RoundRecord is the serialisable summary of a round handed to stores, the
// live feed and the CLI.
type RoundRecord struct {
	SessionID    string             `json:"session_id"`
	Round        int                `json:"round"`
	Rule         string             `json:"rule"`
	Participants []string           `json:"participants"`
	Poisoned     []string           `json:"poisoned,omitempty"`
	TrainLoss    map[string]float64 `json:"train_loss"`
	MeanLoss     float64            `json:"mean_train_loss"`
	TestLoss     float64            `json:"test_loss"`
	Accuracy     float64            `json:"accuracy"`

	// Rates are nil when undefined for the round.
	AttackSuccessRate     *float64 `json:"attack_success_rate,omitempty"`
	MisclassificationRate *float64 `json:"misclassification_rate,omitempty"`
	BackdoorSuccessRate   *float64 `json:"backdoor_success_rate,omitempty"`

	Weights    map[string]float64 `json:"weights,omitempty"`
	Excluded   []string           `json:"excluded,omitempty"`
	Alignment  map[string]float64 `json:"alignment,omitempty"`
	NoOp       bool               `json:"no_op,omitempty"`
	ModelCID   string             `json:"model_cid,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}
