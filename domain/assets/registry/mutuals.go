package registry

import (
	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// mutualsDefinition implements segment_mutuals(subject): the intersection
// of the subject's followers and followed, evaluated against each
// dependency's membership-as-of the materialization the planner resolved.
type mutualsDefinition struct{}

func (mutualsDefinition) OutputItemKind() assets.OutputItemKind { return assets.ItemKindUser }

func (mutualsDefinition) Dependencies(p assets.Params) ([]Dependency, error) {
	followers, err := assets.NewSubjectSegment(assets.SlugFollowers, p.SubjectUserID, nil)
	if err != nil {
		return nil, err
	}
	followed, err := assets.NewSubjectSegment(assets.SlugFollowed, p.SubjectUserID, nil)
	if err != nil {
		return nil, err
	}
	return []Dependency{
		{Name: "followers", Slug: assets.SlugFollowers, Params: followers},
		{Name: "followed", Slug: assets.SlugFollowed, Params: followed},
	}, nil
}

func (mutualsDefinition) IngestRequirements(assets.Params, []ResolvedDependency, *Context) ([]ingest.Requirement, error) {
	return nil, nil // satisfied transitively by the two dependencies
}

func (mutualsDefinition) ValidateInputs(assets.Params, *Context) ([]ValidationIssue, error) {
	return nil, nil
}

func (mutualsDefinition) InputsHashParts(assets.Params, *Context) ([]string, error) {
	return nil, nil
}

func (mutualsDefinition) ComputeMembership(_ assets.Params, resolved []ResolvedDependency, _ *Context) (map[int64]struct{}, error) {
	followers, followed, err := lookupTwo(resolved, "followers", "followed")
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{})
	for id := range followers {
		if _, ok := followed[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (mutualsDefinition) ParamsFromFanoutItem(itemKind assets.OutputItemKind, itemID int64, fanoutSourceParamsHash *string) (assets.Params, error) {
	if itemKind != assets.ItemKindUser {
		return assets.Params{}, ErrNotAFanoutTarget{Slug: assets.SlugMutuals}
	}
	return assets.NewSubjectSegment(assets.SlugMutuals, itemID, fanoutSourceParamsHash)
}

func lookupTwo(resolved []ResolvedDependency, nameA, nameB string) (map[int64]struct{}, map[int64]struct{}, error) {
	var a, b map[int64]struct{}
	for _, r := range resolved {
		switch r.Name {
		case nameA:
			a = r.Membership
		case nameB:
			b = r.Membership
		}
	}
	if a == nil || b == nil {
		return nil, nil, ErrMissingResolvedDependency{Names: []string{nameA, nameB}}
	}
	return a, b, nil
}

// ErrMissingResolvedDependency indicates the planner did not supply a
// dependency the definition's Dependencies() declared — a planner bug.
type ErrMissingResolvedDependency struct{ Names []string }

func (e ErrMissingResolvedDependency) Error() string {
	return "registry: missing resolved dependency among " + joinNames(e.Names)
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
