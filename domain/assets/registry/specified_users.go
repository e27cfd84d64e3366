package registry

import (
	"sort"
	"strconv"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// specifiedUsersDefinition implements segment_specified_users: a static,
// operator-owned allowlist keyed by a stable string.
type specifiedUsersDefinition struct{}

func (specifiedUsersDefinition) OutputItemKind() assets.OutputItemKind { return assets.ItemKindUser }

func (specifiedUsersDefinition) Dependencies(assets.Params) ([]Dependency, error) {
	return nil, nil
}

func (specifiedUsersDefinition) IngestRequirements(assets.Params, []ResolvedDependency, *Context) ([]ingest.Requirement, error) {
	return nil, nil
}

func (specifiedUsersDefinition) ValidateInputs(p assets.Params, ctx *Context) ([]ValidationIssue, error) {
	ids, err := ctx.Inputs.GetSpecifiedUserIDs(ctx.Context, p.StableKey)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []ValidationIssue{{Severity: SeverityWarning, Message: "specified-users list is empty for key " + p.StableKey}}, nil
	}
	return nil, nil
}

func (specifiedUsersDefinition) InputsHashParts(p assets.Params, ctx *Context) ([]string, error) {
	ids, err := ctx.Inputs.GetSpecifiedUserIDs(ctx.Context, p.StableKey)
	if err != nil {
		return nil, err
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, 0, len(sorted)+1)
	parts = append(parts, "stable_key="+p.StableKey)
	for _, id := range sorted {
		parts = append(parts, "user_id="+strconv.FormatInt(id, 10))
	}
	return parts, nil
}

func (specifiedUsersDefinition) ComputeMembership(p assets.Params, _ []ResolvedDependency, ctx *Context) (map[int64]struct{}, error) {
	ids, err := ctx.Inputs.GetSpecifiedUserIDs(ctx.Context, p.StableKey)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (specifiedUsersDefinition) ParamsFromFanoutItem(assets.OutputItemKind, int64, *string) (assets.Params, error) {
	return assets.Params{}, ErrNotAFanoutTarget{Slug: assets.SlugSpecifiedUsers}
}

// ErrNotAFanoutTarget is returned by ParamsFromFanoutItem for slugs that
// are never the target of a fanout root.
type ErrNotAFanoutTarget struct{ Slug assets.Slug }

func (e ErrNotAFanoutTarget) Error() string {
	return string(e.Slug) + " is not a valid fanout target"
}
