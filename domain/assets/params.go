package assets

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/graphassets/engine/pkg/hashkernel"
)

// ErrInvalidParams is returned by ParseAssetParams and the constructors when
// a params value is malformed at the boundary (unknown slug, non-integer
// user id, missing required field).
type ErrInvalidParams struct {
	Slug   Slug
	Reason string
}

func (e ErrInvalidParams) Error() string {
	return fmt.Sprintf("invalid params for slug %q: %s", e.Slug, e.Reason)
}

// Params is the closed variant of per-slug parameters. Exactly one of the
// slug-specific fields is populated, selected by Slug.
type Params struct {
	Slug Slug

	// segment_specified_users
	StableKey string

	// segment_followers | segment_followed | segment_mutuals | segment_unreciprocated_followed
	SubjectUserID int64

	// post_corpus_for_segment
	SourceSegmentParams *Params

	// carried by every variant; contributes to identity iff non-nil
	FanoutSourceParamsHash *string
}

// HashedParams is a Params value together with its computed identity.
type HashedParams struct {
	Params
	ParamsHash        string
	ParamsHashVersion int
}

// NewSpecifiedUsers builds segment_specified_users params.
func NewSpecifiedUsers(stableKey string, fanoutSourceParamsHash *string) Params {
	return Params{Slug: SlugSpecifiedUsers, StableKey: stableKey, FanoutSourceParamsHash: fanoutSourceParamsHash}
}

// NewSubjectSegment builds params for any of the four subject-keyed segment
// slugs (followers/followed/mutuals/unreciprocated-followed).
func NewSubjectSegment(slug Slug, subjectUserID int64, fanoutSourceParamsHash *string) (Params, error) {
	switch slug {
	case SlugFollowers, SlugFollowed, SlugMutuals, SlugUnreciprocatedFollowed:
		return Params{Slug: slug, SubjectUserID: subjectUserID, FanoutSourceParamsHash: fanoutSourceParamsHash}, nil
	default:
		return Params{}, ErrInvalidParams{Slug: slug, Reason: "not a subject-keyed segment slug"}
	}
}

// NewPostCorpusForSegment builds post_corpus_for_segment params over a
// nested segment variant.
func NewPostCorpusForSegment(source Params, fanoutSourceParamsHash *string) (Params, error) {
	if !source.Slug.IsSegment() {
		return Params{}, ErrInvalidParams{Slug: SlugPostCorpusForSegment, Reason: "source params must be a segment variant"}
	}
	return Params{Slug: SlugPostCorpusForSegment, SourceSegmentParams: &source, FanoutSourceParamsHash: fanoutSourceParamsHash}, nil
}

// ParamsHashV1 builds the ordered parts list for one Params value and
// hashes it.
func ParamsHashV1(p Params) (string, int, error) {
	parts := []string{"kind=params_hash:v1", "asset_slug=" + string(p.Slug)}

	switch p.Slug {
	case SlugSpecifiedUsers:
		if strings.TrimSpace(p.StableKey) == "" {
			return "", 0, ErrInvalidParams{Slug: p.Slug, Reason: "stable_key is required"}
		}
		parts = append(parts, "stable_key="+p.StableKey)
	case SlugFollowers, SlugFollowed, SlugMutuals, SlugUnreciprocatedFollowed:
		if p.SubjectUserID <= 0 {
			return "", 0, ErrInvalidParams{Slug: p.Slug, Reason: "subject_user_id must be positive"}
		}
		parts = append(parts, "subject_external_id="+strconv.FormatInt(p.SubjectUserID, 10))
	case SlugPostCorpusForSegment:
		if p.SourceSegmentParams == nil {
			return "", 0, ErrInvalidParams{Slug: p.Slug, Reason: "source_segment_params is required"}
		}
		nestedHash, _, err := ParamsHashV1(*p.SourceSegmentParams)
		if err != nil {
			return "", 0, err
		}
		parts = append(parts, "source_segment_params_hash="+nestedHash)
	default:
		return "", 0, ErrInvalidParams{Slug: p.Slug, Reason: "unknown slug"}
	}

	if p.FanoutSourceParamsHash != nil {
		parts = append(parts, "fanout_source_params_hash="+*p.FanoutSourceParamsHash)
	} else {
		parts = append(parts, "fanout_source_params_hash=none")
	}

	digest, version := hashkernel.HashParts(parts)
	return digest, version, nil
}

// FormatAssetParams returns a stable, human-readable string for logs and
// decision events, e.g. "segment_followers[subject=42]".
func FormatAssetParams(p Params) string {
	switch p.Slug {
	case SlugSpecifiedUsers:
		return fmt.Sprintf("%s[key=%s]", p.Slug, p.StableKey)
	case SlugFollowers, SlugFollowed, SlugMutuals, SlugUnreciprocatedFollowed:
		return fmt.Sprintf("%s[subject=%d]", p.Slug, p.SubjectUserID)
	case SlugPostCorpusForSegment:
		if p.SourceSegmentParams == nil {
			return fmt.Sprintf("%s[source=?]", p.Slug)
		}
		return fmt.Sprintf("%s[source=%s]", p.Slug, FormatAssetParams(*p.SourceSegmentParams))
	default:
		return fmt.Sprintf("%s[?]", p.Slug)
	}
}

// ParseAssetParams validates a raw, slug-tagged payload (as decoded from
// persistence or an external caller) into a Params value. User ids must be
// safe-integer-representable or canonical decimal strings.
func ParseAssetParams(slug Slug, raw map[string]any) (Params, error) {
	if !slug.Valid() {
		return Params{}, ErrInvalidParams{Slug: slug, Reason: "unknown slug"}
	}

	var fanout *string
	if v, ok := raw["fanout_source_params_hash"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return Params{}, ErrInvalidParams{Slug: slug, Reason: "fanout_source_params_hash must be a string"}
		}
		fanout = &s
	}

	switch slug {
	case SlugSpecifiedUsers:
		key, ok := raw["stable_key"].(string)
		if !ok || strings.TrimSpace(key) == "" {
			return Params{}, ErrInvalidParams{Slug: slug, Reason: "stable_key is required"}
		}
		return NewSpecifiedUsers(key, fanout), nil

	case SlugFollowers, SlugFollowed, SlugMutuals, SlugUnreciprocatedFollowed:
		id, err := parseUserID(raw["subject_user_id"])
		if err != nil {
			return Params{}, ErrInvalidParams{Slug: slug, Reason: err.Error()}
		}
		return NewSubjectSegment(slug, id, fanout)

	case SlugPostCorpusForSegment:
		nestedRaw, ok := raw["source_segment_params"].(map[string]any)
		if !ok {
			return Params{}, ErrInvalidParams{Slug: slug, Reason: "source_segment_params is required"}
		}
		nestedSlugRaw, _ := nestedRaw["asset_slug"].(string)
		nested, err := ParseAssetParams(Slug(nestedSlugRaw), nestedRaw)
		if err != nil {
			return Params{}, err
		}
		return NewPostCorpusForSegment(nested, fanout)

	default:
		return Params{}, ErrInvalidParams{Slug: slug, Reason: "unknown slug"}
	}
}

// maxSafeInteger is the largest integer a float64 represents exactly (2^53-1).
const maxSafeInteger = 1<<53 - 1

func parseUserID(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("subject_user_id must be an integer")
		}
		if v > maxSafeInteger || v < -maxSafeInteger {
			return 0, fmt.Errorf("subject_user_id must be a safe integer")
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || strconv.FormatInt(n, 10) != v {
			return 0, fmt.Errorf("subject_user_id must be a canonical decimal string")
		}
		return n, nil
	default:
		return 0, fmt.Errorf("subject_user_id is required")
	}
}
