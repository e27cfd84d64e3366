package assets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParamsHashV1StableForEqualContent(t *testing.T) {
	p1 := NewSpecifiedUsers("top-100", nil)
	p2 := NewSpecifiedUsers("top-100", nil)

	h1, v1, err := ParamsHashV1(p1)
	require.NoError(t, err)
	h2, v2, err := ParamsHashV1(p2)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Equal(t, v1, v2)
}

func TestParamsHashV1DiffersByFanoutSource(t *testing.T) {
	p1 := NewSpecifiedUsers("top-100", nil)
	hash := "deadbeef"
	p2 := NewSpecifiedUsers("top-100", &hash)

	h1, _, err := ParamsHashV1(p1)
	require.NoError(t, err)
	h2, _, err := ParamsHashV1(p2)
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
}

func TestParamsHashV1NestsPostCorpus(t *testing.T) {
	seg, err := NewSubjectSegment(SlugFollowers, 42, nil)
	require.NoError(t, err)
	pc, err := NewPostCorpusForSegment(seg, nil)
	require.NoError(t, err)

	h, _, err := ParamsHashV1(pc)
	require.NoError(t, err)
	require.NotEmpty(t, h)
}

func TestParamsHashV1RejectsInvalidSubject(t *testing.T) {
	_, err := NewSubjectSegment(SlugFollowers, 0, nil)
	require.NoError(t, err) // construction allows zero; hashing rejects it
	bad, _ := NewSubjectSegment(SlugFollowers, 0, nil)
	_, _, err = ParamsHashV1(bad)
	require.Error(t, err)
}

func TestFormatAssetParams(t *testing.T) {
	require.Equal(t, "segment_specified_users[key=top-100]", FormatAssetParams(NewSpecifiedUsers("top-100", nil)))

	seg, err := NewSubjectSegment(SlugFollowers, 42, nil)
	require.NoError(t, err)
	require.Equal(t, "segment_followers[subject=42]", FormatAssetParams(seg))
}

func TestParseAssetParamsRoundTrips(t *testing.T) {
	raw := map[string]any{
		"asset_slug":       "segment_followers",
		"subject_user_id": "42",
	}
	p, err := ParseAssetParams(SlugFollowers, raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), p.SubjectUserID)
}

func TestParseAssetParamsRejectsUnknownSlug(t *testing.T) {
	_, err := ParseAssetParams(Slug("bogus"), map[string]any{})
	require.Error(t, err)
	var invalid ErrInvalidParams
	require.ErrorAs(t, err, &invalid)
}
