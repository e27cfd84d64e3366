// Package assets contains the asset model shared by the registry, planner,
// ingest sub-planner, and membership projection: params identity,
// instances, materializations, roots, events, and decision log entries.
// It holds value types and pure domain logic only; persistence is an
// interface consumed from here and implemented under infrastructure/.
package assets

import "time"

// InstanceID, MaterializationID, ParamsID are the engine's internal
// 64-bit identifiers. They are distinct types so a materialization id can
// never be passed where an instance id is expected.
type (
	ParamsID          int64
	InstanceID        int64
	MaterializationID int64
)

// Instance is the identity anchor for a parameterized asset.
type Instance struct {
	ID                              InstanceID
	ParamsID                        ParamsID
	Slug                            Slug
	ParamsHash                      string
	ParamsHashVersion               int
	CurrentMembershipMaterialization *MaterializationID
}

// FanoutMode selects how fanout roots mint target instances.
type FanoutMode string

const (
	FanoutGlobalPerItem  FanoutMode = "global_per_item"
	FanoutScopedBySource FanoutMode = "scoped_by_source"
)

// Root is operator intent to keep an instance materialized.
type Root struct {
	InstanceID InstanceID
	EnabledAt  time.Time
	DisabledAt *time.Time
}

// FanoutRoot is operator intent to derive child instances from a source
// instance's membership.
type FanoutRoot struct {
	SourceInstanceID InstanceID
	TargetSlug       Slug
	Mode             FanoutMode
	EnabledAt        time.Time
	DisabledAt       *time.Time
}

// MaterializationStatus is the lifecycle state of a materialization run.
type MaterializationStatus string

const (
	MaterializationInProgress MaterializationStatus = "in_progress"
	MaterializationSuccess    MaterializationStatus = "success"
	MaterializationError      MaterializationStatus = "error"
)

// ErrorPayload is the serialized failure captured on a materialization row
// when status transitions to error.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Materialization is the immutable record of one resolution attempt for an
// instance: its inputs/dependency hashes, status, and output revision.
type Materialization struct {
	ID                          MaterializationID
	AssetInstanceID             InstanceID
	Slug                        Slug
	InputsHash                  string
	InputsHashVersion           int
	DependencyRevisionsHash     string
	DependencyRevisionsVersion  int
	Status                      MaterializationStatus
	StartedAt                   time.Time
	CompletedAt                 *time.Time
	OutputRevision              int64
	Error                       *ErrorPayload
	TriggerReason               string
	DependencyMaterializations  []MaterializationID
	RequestedByMaterializations []MaterializationID
}

// EventType is an enter/exit membership toggle.
type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
)

// Event is one membership toggle row, generic over the item id's semantic
// meaning (user id or post id — both are int64 on the wire).
type Event struct {
	MaterializationID MaterializationID
	ItemID            int64
	EventType         EventType
	IsFirstAppearance *bool
}

// SnapshotRow is one row of a membership snapshot table.
type SnapshotRow struct {
	InstanceID        InstanceID
	ItemID            int64
	MaterializationID MaterializationID
}

// DecisionReason is the closed set of canonical decision kinds the planner
// records for every instance it touches.
type DecisionReason string

const (
	DecisionInstanceMissing         DecisionReason = "instance_missing"
	DecisionParamsMissing           DecisionReason = "params_missing"
	DecisionValidationError         DecisionReason = "validation_error"
	DecisionValidationWarning       DecisionReason = "validation_warning"
	DecisionDependencyFailed        DecisionReason = "dependency_failed"
	DecisionIngestLockTimeout       DecisionReason = "ingest_lock_timeout"
	DecisionIngestRateLimited       DecisionReason = "ingest_rate_limited"
	DecisionIngestFailed            DecisionReason = "ingest_failed"
	DecisionLockTimeout             DecisionReason = "lock_timeout"
	DecisionMaterializationError    DecisionReason = "materialization_error"
	DecisionCheckpointRepair        DecisionReason = "checkpoint_repair"
	DecisionFanoutSourceUnavailable DecisionReason = "fanout_source_unavailable"
	DecisionFanoutSourceMissing     DecisionReason = "fanout_source_missing"
	DecisionFanoutTargetInvalid     DecisionReason = "fanout_target_invalid"
	DecisionFanoutTargetError       DecisionReason = "fanout_target_error"
	DecisionSkipped                 DecisionReason = "skipped"
	DecisionMaterialized            DecisionReason = "materialized"
)

// DecisionLogEntry is one append-only planner event.
type DecisionLogEntry struct {
	PlannerRunID string
	JobID        string
	TargetID     string
	TargetParams string
	Decision     DecisionReason
	Reason       string
	CreatedAt    time.Time
}
