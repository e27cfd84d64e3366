package registry

import (
	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// unreciprocatedFollowedDefinition implements segment_unreciprocated_followed:
// followed minus followers.
type unreciprocatedFollowedDefinition struct{}

func (unreciprocatedFollowedDefinition) OutputItemKind() assets.OutputItemKind {
	return assets.ItemKindUser
}

func (unreciprocatedFollowedDefinition) Dependencies(p assets.Params) ([]Dependency, error) {
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

func (unreciprocatedFollowedDefinition) IngestRequirements(assets.Params, []ResolvedDependency, *Context) ([]ingest.Requirement, error) {
	return nil, nil
}

func (unreciprocatedFollowedDefinition) ValidateInputs(assets.Params, *Context) ([]ValidationIssue, error) {
	return nil, nil
}

func (unreciprocatedFollowedDefinition) InputsHashParts(assets.Params, *Context) ([]string, error) {
	return nil, nil
}

func (unreciprocatedFollowedDefinition) ComputeMembership(_ assets.Params, resolved []ResolvedDependency, _ *Context) (map[int64]struct{}, error) {
	followers, followed, err := lookupTwo(resolved, "followers", "followed")
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{})
	for id := range followed {
		if _, ok := followers[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (unreciprocatedFollowedDefinition) ParamsFromFanoutItem(itemKind assets.OutputItemKind, itemID int64, fanoutSourceParamsHash *string) (assets.Params, error) {
	if itemKind != assets.ItemKindUser {
		return assets.Params{}, ErrNotAFanoutTarget{Slug: assets.SlugUnreciprocatedFollowed}
	}
	return assets.NewSubjectSegment(assets.SlugUnreciprocatedFollowed, itemID, fanoutSourceParamsHash)
}
