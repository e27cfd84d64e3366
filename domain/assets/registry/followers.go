package registry

import (
	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// followersDefinition implements segment_followers(subject): the set of
// user ids currently following the subject.
type followersDefinition struct{}

func (followersDefinition) OutputItemKind() assets.OutputItemKind { return assets.ItemKindUser }

func (followersDefinition) Dependencies(assets.Params) ([]Dependency, error) { return nil, nil }

func (followersDefinition) IngestRequirements(p assets.Params, _ []ResolvedDependency, _ *Context) ([]ingest.Requirement, error) {
	return []ingest.Requirement{{IngestKind: ingest.KindFollowers, TargetUserID: p.SubjectUserID}}, nil
}

func (followersDefinition) ValidateInputs(assets.Params, *Context) ([]ValidationIssue, error) {
	return nil, nil
}

func (followersDefinition) InputsHashParts(p assets.Params, _ *Context) ([]string, error) {
	return nil, nil
}

func (followersDefinition) ComputeMembership(p assets.Params, _ []ResolvedDependency, ctx *Context) (map[int64]struct{}, error) {
	ids, err := ctx.Graph.GetFollowerIDs(ctx.Context, p.SubjectUserID)
	if err != nil {
		return nil, err
	}
	return toSet(ids), nil
}

func (followersDefinition) ParamsFromFanoutItem(itemKind assets.OutputItemKind, itemID int64, fanoutSourceParamsHash *string) (assets.Params, error) {
	if itemKind != assets.ItemKindUser {
		return assets.Params{}, ErrNotAFanoutTarget{Slug: assets.SlugFollowers}
	}
	return assets.NewSubjectSegment(assets.SlugFollowers, itemID, fanoutSourceParamsHash)
}

func toSet(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
