package engine

import (
	"strconv"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/registry"
)

// runFanoutRoot resolves the source instance, reads its current
// membership, mints one target instance per member via the target slug's
// ParamsFromFanoutItem, and materializes each target. A single target's
// failure is logged but never aborts its siblings or flips the source's
// own outcome.
func (e *Engine) runFanoutRoot(r *run, fr assets.FanoutRoot) {
	sourceTargetID := strconv.FormatInt(int64(fr.SourceInstanceID), 10)

	sourceOutcome := e.resolveInstance(r, fr.SourceInstanceID, "fanout_source")
	if !sourceOutcome.Succeeded() {
		e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutSourceUnavailable, "source instance did not resolve successfully this run")
		return
	}
	if sourceOutcome.MaterializationID == nil {
		e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutSourceMissing, "source instance has no materialization to read membership from")
		return
	}

	sourceInstance, err := e.Repo.GetAssetInstanceByID(r.signal, fr.SourceInstanceID)
	if err != nil || sourceInstance == nil {
		e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutSourceMissing, errString(err))
		return
	}
	sourceParams, err := e.Repo.GetAssetParamsByInstanceID(r.signal, fr.SourceInstanceID)
	if err != nil || sourceParams == nil {
		e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutSourceMissing, errString(err))
		return
	}
	sourceDef, err := e.Registry.Get(sourceParams.Slug)
	if err != nil {
		e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutSourceMissing, err.Error())
		return
	}

	memberIDs, err := e.Repo.GetMembershipAsOf(r.signal, sourceDef.OutputItemKind(), fr.SourceInstanceID, *sourceOutcome.MaterializationID)
	if err != nil {
		e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutSourceUnavailable, err.Error())
		return
	}

	targetDef, err := e.Registry.Get(fr.TargetSlug)
	if err != nil {
		e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutTargetInvalid, err.Error())
		return
	}

	var sourceParamsHash *string
	if fr.Mode == assets.FanoutScopedBySource {
		hash, _, err := assets.ParamsHashV1(*sourceParams)
		if err != nil {
			e.recordDecision(r, sourceTargetID, "", assets.DecisionFanoutTargetInvalid, err.Error())
			return
		}
		sourceParamsHash = &hash
	}

	for _, memberID := range memberIDs {
		if r.signal.Err() != nil {
			return
		}
		e.runFanoutTarget(r, fr, sourceDef.OutputItemKind(), memberID, targetDef, sourceParamsHash)
	}
}

func (e *Engine) runFanoutTarget(r *run, fr assets.FanoutRoot, memberKind assets.OutputItemKind, memberID int64, targetDef registry.Definition, sourceParamsHash *string) {
	memberTargetID := strconv.FormatInt(memberID, 10)

	targetParams, err := targetDef.ParamsFromFanoutItem(memberKind, memberID, sourceParamsHash)
	if err != nil {
		e.recordDecision(r, memberTargetID, string(fr.TargetSlug), assets.DecisionFanoutTargetInvalid, err.Error())
		return
	}

	instanceID, err := e.mintInstance(r.signal, targetParams)
	if err != nil {
		e.recordDecision(r, memberTargetID, assets.FormatAssetParams(targetParams), assets.DecisionFanoutTargetError, err.Error())
		return
	}

	outcome := e.resolveInstance(r, instanceID, "fanout_target")
	if !outcome.Succeeded() {
		e.recordDecision(r, memberTargetID, assets.FormatAssetParams(targetParams), assets.DecisionFanoutTargetError, outcome.ErrorMessage)
	}
}
