package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
	"github.com/graphassets/engine/domain/assets/membership"
	"github.com/graphassets/engine/domain/assets/registry"
	"github.com/graphassets/engine/pkg/hashkernel"
)

// resolveInstance is the memoized entry point for resolving one instance
// within run r: leaf-first dependency resolution, ingest satisfaction,
// skip/materialize decision, and (when needed) the transactional write.
func (e *Engine) resolveInstance(r *run, instanceID assets.InstanceID, triggerReason string) Outcome {
	return r.memo.resolve(instanceID, func() Outcome {
		return e.doResolve(r, instanceID, triggerReason, nil)
	})
}

func (e *Engine) doResolve(r *run, instanceID assets.InstanceID, triggerReason string, requestedBy []assets.MaterializationID) Outcome {
	ctx := r.signal
	targetID := strconv.FormatInt(int64(instanceID), 10)

	instance, err := e.Repo.GetAssetInstanceByID(ctx, instanceID)
	if err != nil || instance == nil {
		e.recordDecision(r, targetID, "", assets.DecisionInstanceMissing, errString(err))
		return errorOutcome(instanceID, "instance missing")
	}

	params, err := e.Repo.GetAssetParamsByInstanceID(ctx, instanceID)
	if err != nil || params == nil {
		e.recordDecision(r, targetID, "", assets.DecisionParamsMissing, errString(err))
		return errorOutcome(instanceID, "params missing")
	}
	formatted := assets.FormatAssetParams(*params)

	def, err := e.Registry.Get(params.Slug)
	if err != nil {
		e.recordDecision(r, targetID, formatted, assets.DecisionParamsMissing, err.Error())
		return errorOutcome(instanceID, err.Error())
	}

	resolvedDeps, ok, err := e.resolveDependencies(r, def, *params)
	if err != nil {
		e.recordDecision(r, targetID, formatted, assets.DecisionDependencyFailed, err.Error())
		return errorOutcome(instanceID, err.Error())
	}
	if !ok {
		e.recordDecision(r, targetID, formatted, assets.DecisionDependencyFailed, "one or more dependencies did not succeed")
		return errorOutcome(instanceID, "dependency failed")
	}

	regCtx := &registry.Context{Context: ctx, Inputs: e.Graph, Graph: e.Graph}

	issues, err := def.ValidateInputs(*params, regCtx)
	if err != nil {
		e.recordDecision(r, targetID, formatted, assets.DecisionValidationError, err.Error())
		return errorOutcome(instanceID, err.Error())
	}
	hasError := false
	for _, issue := range issues {
		switch issue.Severity {
		case registry.SeverityError:
			e.recordDecision(r, targetID, formatted, assets.DecisionValidationError, issue.Message)
			hasError = true
		case registry.SeverityWarning:
			e.recordDecision(r, targetID, formatted, assets.DecisionValidationWarning, issue.Message)
		}
	}
	if hasError {
		return errorOutcome(instanceID, "validation error")
	}

	ingestReqs, err := def.IngestRequirements(*params, resolvedDeps, regCtx)
	if err != nil {
		e.recordDecision(r, targetID, formatted, assets.DecisionValidationError, err.Error())
		return errorOutcome(instanceID, err.Error())
	}
	var postsOutcome *ingestOutcomeSnapshot
	if len(ingestReqs) > 0 && e.Ingest != nil {
		outcomes := e.Ingest.Satisfy(ctx, ingestReqs, e.Config.lockTimeout())
		for _, o := range outcomes {
			if o.LockTimeout {
				e.recordDecision(r, targetID, formatted, assets.DecisionIngestLockTimeout, "ingest lease not acquired for "+o.Requirement.Key())
				return errorOutcome(instanceID, "ingest lock timeout")
			}
			if o.Err != nil {
				reason := classifyIngestError(o.Err)
				e.recordDecision(r, targetID, formatted, reason, o.Err.Error())
				return errorOutcome(instanceID, o.Err.Error())
			}
			if o.Requirement.IngestKind == ingest.KindPosts && o.SyncRun != nil {
				postsOutcome = &ingestOutcomeSnapshot{syncRunID: o.SyncRun.ID, requestedBy: o.Requirement.RequestedByMaterializationIDs}
			}
		}
	}

	inputsParts, err := def.InputsHashParts(*params, regCtx)
	if err != nil {
		return errorOutcome(instanceID, err.Error())
	}
	inputsHash, inputsHashVersion := computeInputsHash(*params, inputsParts)
	depRevHash, depRevVersion := computeDependencyRevisionsHash(resolvedDeps)

	latest, err := e.Repo.GetLatestSuccessfulMaterialization(ctx, instanceID)
	if err != nil {
		return errorOutcome(instanceID, err.Error())
	}
	if latest != nil &&
		latest.InputsHash == inputsHash && latest.InputsHashVersion == inputsHashVersion &&
		latest.DependencyRevisionsHash == depRevHash && latest.DependencyRevisionsVersion == depRevVersion {
		rev := latest.OutputRevision
		id := latest.ID
		e.recordDecision(r, targetID, formatted, assets.DecisionSkipped, "inputs and dependency revisions unchanged")
		return Outcome{InstanceID: instanceID, MaterializationID: &id, OutputRevision: &rev, Status: OutcomeSkipped}
	}

	depMatIDs := make([]assets.MaterializationID, 0, len(resolvedDeps))
	for _, rd := range resolvedDeps {
		depMatIDs = append(depMatIDs, rd.MaterializationID)
	}

	var previousRevision int64
	if latest != nil {
		previousRevision = latest.OutputRevision
	}

	return e.materialize(r, materializeRequest{
		instance:          *instance,
		params:            *params,
		def:               def,
		resolvedDeps:      resolvedDeps,
		regCtx:            regCtx,
		inputsHash:        inputsHash,
		inputsHashVersion: inputsHashVersion,
		depRevHash:        depRevHash,
		depRevVersion:     depRevVersion,
		previousRevision:  previousRevision,
		triggerReason:     triggerReason,
		dependencyMatIDs:  depMatIDs,
		requestedBy:       requestedBy,
		postsOutcome:      postsOutcome,
		targetID:          targetID,
		formatted:         formatted,
	})
}

type ingestOutcomeSnapshot struct {
	syncRunID   string
	requestedBy []assets.MaterializationID
}

func classifyIngestError(err error) assets.DecisionReason {
	var rateLimited ingest.ErrRateLimited
	if errors.As(err, &rateLimited) {
		return assets.DecisionIngestRateLimited
	}
	return assets.DecisionIngestFailed
}

func (e *Engine) resolveDependencies(r *run, def registry.Definition, params assets.Params) ([]registry.ResolvedDependency, bool, error) {
	deps, err := def.Dependencies(params)
	if err != nil {
		return nil, false, err
	}
	resolved := make([]registry.ResolvedDependency, 0, len(deps))
	for _, dep := range deps {
		depInstanceID, err := e.mintInstance(r.signal, dep.Params)
		if err != nil {
			return nil, false, err
		}
		outcome := e.resolveInstance(r, depInstanceID, "dependency")
		if !outcome.Succeeded() {
			return nil, false, nil
		}

		depDef, err := e.Registry.Get(dep.Slug)
		if err != nil {
			return nil, false, err
		}
		var membershipSet map[int64]struct{}
		if outcome.MaterializationID != nil {
			items, err := e.Repo.GetMembershipAsOf(r.signal, depDef.OutputItemKind(), depInstanceID, *outcome.MaterializationID)
			if err != nil {
				return nil, false, err
			}
			membershipSet = make(map[int64]struct{}, len(items))
			for _, id := range items {
				membershipSet[id] = struct{}{}
			}
		}

		var rev int64
		var matID assets.MaterializationID
		if outcome.OutputRevision != nil {
			rev = *outcome.OutputRevision
		}
		if outcome.MaterializationID != nil {
			matID = *outcome.MaterializationID
		}

		resolved = append(resolved, registry.ResolvedDependency{
			Dependency:        dep,
			MaterializationID: matID,
			OutputRevision:    rev,
			Membership:        membershipSet,
		})
	}
	return resolved, true, nil
}

type materializeRequest struct {
	instance          assets.Instance
	params            assets.Params
	def               registry.Definition
	resolvedDeps      []registry.ResolvedDependency
	regCtx            *registry.Context
	inputsHash        string
	inputsHashVersion int
	depRevHash        string
	depRevVersion     int
	previousRevision  int64
	triggerReason     string
	dependencyMatIDs  []assets.MaterializationID
	requestedBy       []assets.MaterializationID
	postsOutcome      *ingestOutcomeSnapshot
	targetID          string
	formatted         string
}

func (e *Engine) materialize(r *run, req materializeRequest) Outcome {
	lockKey := fmt.Sprintf("instance:%d", req.instance.ID)
	var outcome Outcome

	acquired, _ := e.Lease.WithLease(r.signal, lockKey, e.Config.lockTimeout(), func(ctx context.Context) error {
		var txErr error
		outcome, txErr = e.runMaterializationTransaction(ctx, r, req)
		return txErr
	})
	if !acquired {
		e.recordDecision(r, req.targetID, req.formatted, assets.DecisionLockTimeout, "instance lease not acquired")
		return errorOutcome(req.instance.ID, "lock timeout")
	}
	return outcome
}

func (e *Engine) runMaterializationTransaction(ctx context.Context, r *run, req materializeRequest) (Outcome, error) {
	now := time.Now()
	matID, err := e.Repo.CreateAssetMaterialization(ctx, assets.Materialization{
		AssetInstanceID:           req.instance.ID,
		Slug:                      req.params.Slug,
		InputsHash:                req.inputsHash,
		InputsHashVersion:         req.inputsHashVersion,
		DependencyRevisionsHash:   req.depRevHash,
		DependencyRevisionsVersion: req.depRevVersion,
		Status:                    assets.MaterializationInProgress,
		StartedAt:                 now,
		TriggerReason:             req.triggerReason,
	})
	if err != nil {
		return errorOutcome(req.instance.ID, err.Error()), err
	}

	var finalRevision int64
	txErr := e.Repo.RunInTx(ctx, func(ctx context.Context) error {
		if len(req.dependencyMatIDs) > 0 {
			if err := e.Repo.InsertMaterializationDependencies(ctx, matID, req.dependencyMatIDs); err != nil {
				return err
			}
		}
		if len(req.requestedBy) > 0 {
			if err := e.Repo.InsertMaterializationRequests(ctx, matID, req.requestedBy); err != nil {
				return err
			}
		}

		if err := e.ensureCheckpoint(ctx, r, req.instance, req.def.OutputItemKind()); err != nil {
			return err
		}

		newMembership, err := req.def.ComputeMembership(req.params, req.resolvedDeps, req.regCtx)
		if err != nil {
			return err
		}

		old, err := e.Repo.ListMembershipSnapshot(ctx, req.def.OutputItemKind(), req.instance.ID)
		if err != nil {
			return err
		}
		everEntered, err := e.Repo.ListEnteredItemIDs(ctx, req.def.OutputItemKind(), req.instance.ID)
		if err != nil {
			return err
		}

		diff := membership.ComputeDiff(old, newMembership, everEntered)

		events := make([]assets.Event, 0, len(diff.Enter)+len(diff.Exit))
		for _, id := range diff.Enter {
			first := diff.IsFirstAppearance[id]
			events = append(events, assets.Event{MaterializationID: matID, ItemID: id, EventType: assets.EventEnter, IsFirstAppearance: &first})
		}
		for _, id := range diff.Exit {
			events = append(events, assets.Event{MaterializationID: matID, ItemID: id, EventType: assets.EventExit})
		}
		if len(events) > 0 {
			if err := e.Repo.InsertEvents(ctx, req.def.OutputItemKind(), events); err != nil {
				return err
			}
		}

		allItems := make([]int64, 0, len(newMembership))
		for id := range newMembership {
			allItems = append(allItems, id)
		}
		if err := e.Repo.ReplaceMembershipSnapshot(ctx, req.def.OutputItemKind(), req.instance.ID, matID, allItems); err != nil {
			return err
		}

		if len(diff.Enter)+len(diff.Exit) == 0 {
			finalRevision = req.previousRevision
		} else {
			finalRevision = req.previousRevision + 1
		}

		completedAt := time.Now()
		if err := e.Repo.UpdateAssetMaterialization(ctx, assets.Materialization{
			ID:              matID,
			Status:          assets.MaterializationSuccess,
			CompletedAt:     &completedAt,
			OutputRevision:  finalRevision,
		}); err != nil {
			return err
		}

		if req.postsOutcome != nil {
			requested := append(append([]assets.MaterializationID(nil), req.postsOutcome.requestedBy...), matID)
			if err := e.Repo.LinkPostsSyncRunToMaterializations(ctx, req.postsOutcome.syncRunID, requested); err != nil {
				return err
			}
		}

		return nil
	})

	if txErr != nil {
		payload := buildErrorPayload(txErr)
		completedAt := time.Now()
		_ = e.Repo.UpdateAssetMaterialization(ctx, assets.Materialization{
			ID:          matID,
			Status:      assets.MaterializationError,
			CompletedAt: &completedAt,
			Error:       &payload,
		})
		if e.Metrics != nil {
			e.Metrics.IncMaterialization(assets.MaterializationError)
		}
		e.recordDecision(r, req.targetID, req.formatted, assets.DecisionMaterializationError, txErr.Error())
		return errorOutcome(req.instance.ID, txErr.Error()), txErr
	}

	if e.Metrics != nil {
		e.Metrics.IncMaterialization(assets.MaterializationSuccess)
	}
	e.recordDecision(r, req.targetID, req.formatted, assets.DecisionMaterialized, req.triggerReason)

	id := matID
	rev := finalRevision
	return Outcome{InstanceID: req.instance.ID, MaterializationID: &id, OutputRevision: &rev, Status: OutcomeSuccess}, nil
}

// ensureCheckpoint repairs a dangling checkpoint: if the instance's
// membership pointer is null but successful materializations exist,
// rebuild the snapshot from full event history before proceeding.
func (e *Engine) ensureCheckpoint(ctx context.Context, r *run, instance assets.Instance, kind assets.OutputItemKind) error {
	if instance.CurrentMembershipMaterialization != nil {
		return nil
	}
	latest, err := e.Repo.GetLatestSuccessfulMaterialization(ctx, instance.ID)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	if _, err := e.Repo.RebuildMembershipSnapshot(ctx, kind, instance.ID); err != nil {
		return err
	}
	e.recordDecision(r, strconv.FormatInt(int64(instance.ID), 10), "", assets.DecisionCheckpointRepair, fmt.Sprintf("rebuilt from event history up to materialization %d", latest.ID))
	return nil
}

func computeInputsHash(p assets.Params, defParts []string) (string, int) {
	paramsHash, paramsHashVersion, _ := assets.ParamsHashV1(p)
	parts := []string{
		"kind=inputs_hash:v1",
		"asset_slug=" + string(p.Slug),
		fmt.Sprintf("params_hash_version=%d", paramsHashVersion),
		"params_hash=" + paramsHash,
	}
	parts = append(parts, defParts...)
	return hashkernel.HashParts(parts)
}

type depRevisionEntry struct {
	slug              assets.Slug
	paramsHashVersion int
	paramsHash        string
	outputRevision    int64
}

// computeDependencyRevisionsHash sorts dependencies by (asset_slug,
// params_hash_version, params_hash) and hashes their output_revision values
// together with that key. The empty set hashes to a stable sentinel so a
// leaf asset's first materialization is still deterministic.
func computeDependencyRevisionsHash(resolved []registry.ResolvedDependency) (string, int) {
	entries := make([]depRevisionEntry, 0, len(resolved))
	for _, d := range resolved {
		paramsHash, paramsHashVersion, _ := assets.ParamsHashV1(d.Params)
		entries = append(entries, depRevisionEntry{
			slug:              d.Slug,
			paramsHashVersion: paramsHashVersion,
			paramsHash:        paramsHash,
			outputRevision:    d.OutputRevision,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].slug != entries[j].slug {
			return entries[i].slug < entries[j].slug
		}
		if entries[i].paramsHashVersion != entries[j].paramsHashVersion {
			return entries[i].paramsHashVersion < entries[j].paramsHashVersion
		}
		return entries[i].paramsHash < entries[j].paramsHash
	})

	if len(entries) == 0 {
		return hashkernel.HashParts([]string{"kind=dependency_revisions_hash:v1", "empty=true"})
	}
	parts := []string{"kind=dependency_revisions_hash:v1"}
	for _, e := range entries {
		parts = append(parts,
			"asset_slug="+string(e.slug),
			fmt.Sprintf("params_hash_version=%d", e.paramsHashVersion),
			"params_hash="+e.paramsHash,
			fmt.Sprintf("output_revision=%d", e.outputRevision),
		)
	}
	return hashkernel.HashParts(parts)
}

func buildErrorPayload(err error) assets.ErrorPayload {
	stack := string(debug.Stack())
	const maxStack = 4096
	if len(stack) > maxStack {
		stack = stack[:maxStack]
	}
	return assets.ErrorPayload{Name: fmt.Sprintf("%T", err), Message: err.Error(), Stack: stack}
}

func errString(err error) string {
	if err == nil {
		return "not found"
	}
	return err.Error()
}
