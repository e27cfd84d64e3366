package registry

import (
	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// followedDefinition implements segment_followed(subject): the set of
// user ids the subject currently follows. Symmetric with followersDefinition.
type followedDefinition struct{}

func (followedDefinition) OutputItemKind() assets.OutputItemKind { return assets.ItemKindUser }

func (followedDefinition) Dependencies(assets.Params) ([]Dependency, error) { return nil, nil }

func (followedDefinition) IngestRequirements(p assets.Params, _ []ResolvedDependency, _ *Context) ([]ingest.Requirement, error) {
	return []ingest.Requirement{{IngestKind: ingest.KindFollowed, TargetUserID: p.SubjectUserID}}, nil
}

func (followedDefinition) ValidateInputs(assets.Params, *Context) ([]ValidationIssue, error) {
	return nil, nil
}

func (followedDefinition) InputsHashParts(assets.Params, *Context) ([]string, error) {
	return nil, nil
}

func (followedDefinition) ComputeMembership(p assets.Params, _ []ResolvedDependency, ctx *Context) (map[int64]struct{}, error) {
	ids, err := ctx.Graph.GetFollowedIDs(ctx.Context, p.SubjectUserID)
	if err != nil {
		return nil, err
	}
	return toSet(ids), nil
}

func (followedDefinition) ParamsFromFanoutItem(itemKind assets.OutputItemKind, itemID int64, fanoutSourceParamsHash *string) (assets.Params, error) {
	if itemKind != assets.ItemKindUser {
		return assets.Params{}, ErrNotAFanoutTarget{Slug: assets.SlugFollowed}
	}
	return assets.NewSubjectSegment(assets.SlugFollowed, itemID, fanoutSourceParamsHash)
}
