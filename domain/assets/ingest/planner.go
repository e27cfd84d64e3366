package ingest

import (
	"context"
	"fmt"
	"time"
)

// Clock is injected so freshness checks are deterministic in tests.
type Clock func() time.Time

// Satisfied is the freshness predicate: satisfied iff a successful
// completion exists and either freshnessMs is nil or the completion is
// within the window.
func Satisfied(completedAt *time.Time, freshnessMs *int64, now time.Time) bool {
	if completedAt == nil {
		return false
	}
	if freshnessMs == nil {
		return true
	}
	return now.Sub(*completedAt) <= time.Duration(*freshnessMs)*time.Millisecond
}

// SelectFollowerMode implements follower/following mode selection: skip if
// satisfied; else incremental if a prior successful full_refresh exists;
// else full_refresh. hasPriorFullRefresh is nil-able because the
// caller may not need to query it when already satisfied.
type ModeDecision string

const (
	ModeDecisionSkip        ModeDecision = "skip"
	ModeDecisionIncremental ModeDecision = "incremental"
	ModeDecisionFullRefresh ModeDecision = "full_refresh"
)

func SelectFollowerMode(satisfied bool, hasPriorFullRefresh func() (bool, error)) (ModeDecision, error) {
	if satisfied {
		return ModeDecisionSkip, nil
	}
	ok, err := hasPriorFullRefresh()
	if err != nil {
		return "", err
	}
	if ok {
		return ModeDecisionIncremental, nil
	}
	return ModeDecisionFullRefresh, nil
}

// Planner is the ingest-prerequisite sub-planner. It deduplicates
// requirements, judges freshness, selects a mode, and invokes the
// upstream client under a per-target lease.
type Planner struct {
	Reader  SyncRunReader
	Client  UpstreamClient
	Lease   LeaseAcquirer
	Limiter Limiter
	Now     Clock
}

// LeaseAcquirer is the subset of infrastructure/lease.Manager the
// sub-planner needs, kept as an interface here to avoid a dependency from
// domain/ on infrastructure/.
type LeaseAcquirer interface {
	WithLease(ctx context.Context, key string, timeout time.Duration, action func(ctx context.Context) error) (acquired bool, err error)
}

// Limiter throttles invocations ahead of the upstream call; see
// infrastructure/ratelimit.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Outcome reports what the sub-planner did for one requirement.
type Outcome struct {
	Requirement Requirement
	Decision    ModeDecision
	SyncRun     *SyncRun
	LockTimeout bool
	Err         error
}

// Dedupe collapses requirements by Key(), preserving the first occurrence's
// freshness (the registry contract requires set semantics by the key, so
// duplicate freshness values are not expected; first-seen wins).
func Dedupe(reqs []Requirement) []Requirement {
	seen := make(map[string]bool, len(reqs))
	out := make([]Requirement, 0, len(reqs))
	for _, r := range reqs {
		k := r.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// Satisfy resolves every requirement: checks freshness, and for unmet
// requirements, acquires the per-target lease and invokes the upstream
// client at the selected mode. lockTimeout bounds lease acquisition.
func (p *Planner) Satisfy(ctx context.Context, reqs []Requirement, lockTimeout time.Duration) []Outcome {
	now := p.now()
	outcomes := make([]Outcome, 0, len(reqs))
	for _, r := range Dedupe(reqs) {
		outcomes = append(outcomes, p.satisfyOne(ctx, r, now, lockTimeout))
	}
	return outcomes
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Planner) satisfyOne(ctx context.Context, r Requirement, now time.Time, lockTimeout time.Duration) Outcome {
	latest, err := p.latestSuccessful(ctx, r)
	if err != nil {
		return Outcome{Requirement: r, Err: err}
	}

	if r.IngestKind == KindPosts {
		if Satisfied(latestCompletedAt(latest), r.FreshnessMs, now) {
			return Outcome{Requirement: r, Decision: ModeDecisionSkip, SyncRun: latest}
		}
		return p.invoke(ctx, r, ModeFull, lockTimeout)
	}

	satisfied := Satisfied(latestCompletedAt(latest), r.FreshnessMs, now)
	decision, err := SelectFollowerMode(satisfied, func() (bool, error) {
		return p.hasPriorFullRefresh(ctx, r)
	})
	if err != nil {
		return Outcome{Requirement: r, Err: err}
	}
	if decision == ModeDecisionSkip {
		return Outcome{Requirement: r, Decision: decision, SyncRun: latest}
	}

	var mode SyncMode
	if decision == ModeDecisionIncremental {
		mode = ModeIncremental
	} else {
		mode = ModeFullRefresh
	}
	return p.invoke(ctx, r, mode, lockTimeout)
}

func (p *Planner) latestSuccessful(ctx context.Context, r Requirement) (*SyncRun, error) {
	success := SyncStatusSuccess
	switch r.IngestKind {
	case KindFollowers:
		return p.Reader.GetLatestFollowersSyncRun(ctx, r.TargetUserID, &success, nil)
	case KindFollowed:
		return p.Reader.GetLatestFollowingsSyncRun(ctx, r.TargetUserID, &success, nil)
	case KindPosts:
		return p.Reader.GetLatestPostsSyncRun(ctx, r.TargetUserIDs, &success, nil)
	default:
		return nil, fmt.Errorf("ingest: unknown kind %q", r.IngestKind)
	}
}

func (p *Planner) hasPriorFullRefresh(ctx context.Context, r Requirement) (bool, error) {
	success := SyncStatusSuccess
	full := ModeFullRefresh
	var run *SyncRun
	var err error
	switch r.IngestKind {
	case KindFollowers:
		run, err = p.Reader.GetLatestFollowersSyncRun(ctx, r.TargetUserID, &success, &full)
	case KindFollowed:
		run, err = p.Reader.GetLatestFollowingsSyncRun(ctx, r.TargetUserID, &success, &full)
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run != nil, nil
}

func (p *Planner) invoke(ctx context.Context, r Requirement, mode SyncMode, lockTimeout time.Duration) Outcome {
	var result Outcome
	acquired, err := p.Lease.WithLease(ctx, r.LeaseKey(), lockTimeout, func(ctx context.Context) error {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		run, err := p.callUpstream(ctx, r, mode)
		result.SyncRun = run
		return err
	})
	if err != nil {
		result.Requirement = r
		result.Err = err
		return result
	}
	if !acquired {
		return Outcome{Requirement: r, LockTimeout: true}
	}
	result.Requirement = r
	if mode == ModeIncremental {
		result.Decision = ModeDecisionIncremental
	} else if r.IngestKind == KindPosts {
		result.Decision = ModeDecisionFullRefresh
	} else {
		result.Decision = ModeDecisionFullRefresh
	}
	return result
}

func (p *Planner) callUpstream(ctx context.Context, r Requirement, mode SyncMode) (*SyncRun, error) {
	switch r.IngestKind {
	case KindFollowers:
		return p.Client.SyncFollowers(ctx, r.TargetUserID, mode)
	case KindFollowed:
		return p.Client.SyncFollowed(ctx, r.TargetUserID, mode)
	case KindPosts:
		return p.Client.SyncPosts(ctx, r.TargetUserIDs)
	default:
		return nil, fmt.Errorf("ingest: unknown kind %q", r.IngestKind)
	}
}

func latestCompletedAt(run *SyncRun) *time.Time {
	if run == nil || run.Status != SyncStatusSuccess {
		return nil
	}
	return run.CompletedAt
}
