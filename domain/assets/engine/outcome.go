package engine

import "github.com/graphassets/engine/domain/assets"

// OutcomeStatus is the engine-observable result of attempting to resolve
// one instance.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeError   OutcomeStatus = "error"
)

// Outcome is returned by MaterializeInstanceByID, MaterializeParams, and
// internally threaded through closure resolution and memoization.
type Outcome struct {
	InstanceID        assets.InstanceID
	MaterializationID *assets.MaterializationID
	OutputRevision    *int64
	Status            OutcomeStatus
	ErrorMessage      string
}

func errorOutcome(instanceID assets.InstanceID, msg string) Outcome {
	return Outcome{InstanceID: instanceID, Status: OutcomeError, ErrorMessage: msg}
}

// Succeeded reports whether the outcome is usable as a satisfied
// dependency (success or skipped — both mean "an up-to-date materialization exists").
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess || o.Status == OutcomeSkipped
}
