package registry

import (
	"sort"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// postCorpusForSegmentDefinition implements post_corpus_for_segment: posts
// authored by a source segment's members over the synced window.
type postCorpusForSegmentDefinition struct{}

func (postCorpusForSegmentDefinition) OutputItemKind() assets.OutputItemKind {
	return assets.ItemKindPost
}

func (postCorpusForSegmentDefinition) Dependencies(p assets.Params) ([]Dependency, error) {
	if p.SourceSegmentParams == nil {
		return nil, ErrMissingResolvedDependency{Names: []string{"source"}}
	}
	return []Dependency{{Name: "source", Slug: p.SourceSegmentParams.Slug, Params: *p.SourceSegmentParams}}, nil
}

func (postCorpusForSegmentDefinition) IngestRequirements(_ assets.Params, resolved []ResolvedDependency, _ *Context) ([]ingest.Requirement, error) {
	members := sourceMembers(resolved)
	if len(members) == 0 {
		return nil, nil
	}
	requestedBy := make([]assets.MaterializationID, 0, len(resolved))
	for _, r := range resolved {
		if r.Name == "source" {
			requestedBy = append(requestedBy, r.MaterializationID)
		}
	}
	return []ingest.Requirement{{
		IngestKind:                     ingest.KindPosts,
		TargetUserIDs:                  members,
		RequestedByMaterializationIDs: requestedBy,
	}}, nil
}

func (postCorpusForSegmentDefinition) ValidateInputs(assets.Params, *Context) ([]ValidationIssue, error) {
	return nil, nil
}

func (postCorpusForSegmentDefinition) InputsHashParts(assets.Params, *Context) ([]string, error) {
	return nil, nil
}

func (postCorpusForSegmentDefinition) ComputeMembership(_ assets.Params, resolved []ResolvedDependency, ctx *Context) (map[int64]struct{}, error) {
	members := sourceMembers(resolved)
	postIDs, err := ctx.Graph.GetPostIDsByAuthors(ctx.Context, members, 0)
	if err != nil {
		return nil, err
	}
	return toSet(postIDs), nil
}

func (postCorpusForSegmentDefinition) ParamsFromFanoutItem(itemKind assets.OutputItemKind, itemID int64, fanoutSourceParamsHash *string) (assets.Params, error) {
	if itemKind != assets.ItemKindUser {
		return assets.Params{}, ErrNotAFanoutTarget{Slug: assets.SlugPostCorpusForSegment}
	}
	perMember := assets.NewSpecifiedUsers(fanoutMemberStableKey(itemID), nil)
	return assets.NewPostCorpusForSegment(perMember, fanoutSourceParamsHash)
}

func fanoutMemberStableKey(itemID int64) string {
	return "fanout_member:" + itoa(itemID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func sourceMembers(resolved []ResolvedDependency) []int64 {
	var membership map[int64]struct{}
	for _, r := range resolved {
		if r.Name == "source" {
			membership = r.Membership
		}
	}
	ids := make([]int64, 0, len(membership))
	for id := range membership {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
