// Package registry implements the per-slug asset definitions: dependency
// declaration, ingest requirements, validation, inputs-hash parts,
// membership computation, and fanout targeting.
package registry

import (
	"context"
	"fmt"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// Dependency names one upstream asset a definition needs resolved before it
// can compute its own membership.
type Dependency struct {
	Name  string
	Slug  assets.Slug
	Params assets.Params
}

// ResolvedDependency is a dependency the planner has already materialized
// (or skipped) this tick, available to the parent's compute step.
type ResolvedDependency struct {
	Dependency
	MaterializationID assets.MaterializationID
	OutputRevision    int64
	Membership        map[int64]struct{}
}

// Severity classifies a ValidateInputs finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is one finding from ValidateInputs.
type ValidationIssue struct {
	Severity Severity
	Message  string
}

// OperatorInputs is the pre-condition contract for operator-owned input
// tables (currently: the stable-keyed specified-user lists). It is
// satisfied by the (out-of-scope, pre-hydrated) ingest layer.
type OperatorInputs interface {
	GetSpecifiedUserIDs(ctx context.Context, stableKey string) ([]int64, error)
}

// GraphReader is the pre-condition contract for the hydrated social graph:
// current follower/followee edges, read by the leaf segment definitions
// after their ingest prerequisite is satisfied.
type GraphReader interface {
	GetFollowerIDs(ctx context.Context, subjectUserID int64) ([]int64, error)
	GetFollowedIDs(ctx context.Context, subjectUserID int64) ([]int64, error)
	GetPostIDsByAuthors(ctx context.Context, authorUserIDs []int64, since int64) ([]int64, error)
}

// Context is threaded through every registry call for one instance's
// resolution. It is re-created per materialization attempt, never shared
// or mutated across instances.
type Context struct {
	context.Context
	Inputs OperatorInputs
	Graph  GraphReader
}

// Definition is the contract every asset slug implements: dependencies,
// ingest requirements, input validation, inputs-hash parts, membership
// computation, and fanout targeting.
type Definition interface {
	OutputItemKind() assets.OutputItemKind
	Dependencies(p assets.Params) ([]Dependency, error)
	IngestRequirements(p assets.Params, resolved []ResolvedDependency, ctx *Context) ([]ingest.Requirement, error)
	ValidateInputs(p assets.Params, ctx *Context) ([]ValidationIssue, error)
	InputsHashParts(p assets.Params, ctx *Context) ([]string, error)
	ComputeMembership(p assets.Params, resolved []ResolvedDependency, ctx *Context) (map[int64]struct{}, error)
	ParamsFromFanoutItem(itemKind assets.OutputItemKind, itemID int64, fanoutSourceParamsHash *string) (assets.Params, error)
}

// Registry maps slug to its definition. Immutable after New(); the zero
// value is not usable.
type Registry struct {
	defs map[assets.Slug]Definition
}

// New builds the registry with every built-in slug definition wired in.
func New() *Registry {
	r := &Registry{defs: make(map[assets.Slug]Definition, len(assets.AllSlugs()))}
	r.register(assets.SlugSpecifiedUsers, specifiedUsersDefinition{})
	r.register(assets.SlugFollowers, followersDefinition{})
	r.register(assets.SlugFollowed, followedDefinition{})
	r.register(assets.SlugMutuals, mutualsDefinition{})
	r.register(assets.SlugUnreciprocatedFollowed, unreciprocatedFollowedDefinition{})
	r.register(assets.SlugPostCorpusForSegment, postCorpusForSegmentDefinition{})
	return r
}

func (r *Registry) register(slug assets.Slug, def Definition) {
	r.defs = orInit(r.defs)
	r.defs[slug] = def
}

func orInit(m map[assets.Slug]Definition) map[assets.Slug]Definition {
	if m == nil {
		return make(map[assets.Slug]Definition)
	}
	return m
}

// ErrUnknownSlug is returned by Get when no definition is registered for a
// slug; necessarily a runtime error, since Go has no exhaustiveness check
// over a string-backed closed set.
type ErrUnknownSlug struct{ Slug assets.Slug }

func (e ErrUnknownSlug) Error() string { return fmt.Sprintf("registry: no definition for slug %q", e.Slug) }

// Get returns the definition for slug, or ErrUnknownSlug.
func (r *Registry) Get(slug assets.Slug) (Definition, error) {
	def, ok := r.defs[slug]
	if !ok {
		return nil, ErrUnknownSlug{Slug: slug}
	}
	return def, nil
}

// Validate asserts the registry is acyclic, per the startup check in spec
// §9 ("implementations should assert acyclicity on the registry at
// startup"). It walks Dependencies from a representative params value per
// slug and fails on any cycle back to a slug already on the current path.
func (r *Registry) Validate() error {
	for _, slug := range assets.AllSlugs() {
		if err := r.walk(slug, map[assets.Slug]bool{}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) walk(slug assets.Slug, onPath map[assets.Slug]bool) error {
	if onPath[slug] {
		return fmt.Errorf("registry: cycle detected at slug %q", slug)
	}
	def, err := r.Get(slug)
	if err != nil {
		return err
	}
	sample, err := representativeParams(slug)
	if err != nil {
		return err
	}
	deps, err := def.Dependencies(sample)
	if err != nil {
		return err
	}
	onPath[slug] = true
	for _, dep := range deps {
		if err := r.walk(dep.Slug, onPath); err != nil {
			return err
		}
	}
	delete(onPath, slug)
	return nil
}

func representativeParams(slug assets.Slug) (assets.Params, error) {
	switch slug {
	case assets.SlugSpecifiedUsers:
		return assets.NewSpecifiedUsers("__validate__", nil), nil
	case assets.SlugFollowers, assets.SlugFollowed, assets.SlugMutuals, assets.SlugUnreciprocatedFollowed:
		return assets.NewSubjectSegment(slug, 1, nil)
	case assets.SlugPostCorpusForSegment:
		source, err := assets.NewSubjectSegment(assets.SlugFollowers, 1, nil)
		if err != nil {
			return assets.Params{}, err
		}
		return assets.NewPostCorpusForSegment(source, nil)
	default:
		return assets.Params{}, ErrUnknownSlug{Slug: slug}
	}
}
