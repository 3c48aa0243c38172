package risk

import (
	"context"

	"github.com/mbd888/txguard/internal/model"
)

const (
	MessageSuccess  = "Transaction successful."
	MessageBlocked  = "Transaction flagged as fraud and blocked."
	MessageUnscored = "Transaction processed without fraud prediction (model not loaded)."
)

// Scorer turns a feature vector into a class label. *model.Bundle is the
// production implementation.
type Scorer interface {
	Predict(ctx context.Context, in model.Input) (int, error)
}

// Decision is the verdict rendered for one transaction.
type Decision struct {
	IsFraud bool
	Status  Status
	Message string
	// Scored is false when no model was loaded.
	Scored bool
}

// DecideFromLabel maps a model label onto the recorded outcome.
func DecideFromLabel(label int) Decision {
	if label == model.LabelFraud {
		return Decision{IsFraud: true, Status: StatusFailed, Message: MessageBlocked, Scored: true}
	}
	return Decision{Status: StatusSuccess, Message: MessageSuccess, Scored: true}
}

// Unscored is the outcome when the pipeline runs without a model.
func Unscored() Decision {
	return Decision{Status: StatusSuccess, Message: MessageUnscored}
}
