package domain

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	for _, et := range EntityTypes() {
		got, err := ParseEntityType(string(et))
		require.NoError(t, err)
		assert.Equal(t, et, got)
	}
	got, err := ParseEntityType(" sample ")
	require.NoError(t, err)
	assert.Equal(t, EntitySample, got)

	_, err = ParseEntityType("Organism")
	var unknown ErrUnknownEntityType
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "Organism", unknown.Value)
}

func TestDocumentEntityTypeMissing(t *testing.T) {
	_, err := Document{"uuid": "x"}.EntityType()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestDocumentCloneIsDeep(t *testing.T) {
	orig := Document{
		"uuid":      "a",
		"ancestors": []any{map[string]any{"uuid": "b", "tags": []any{"x"}}},
		"meta":      map[string]any{"k": "v"},
	}
	cp := orig.Clone()
	cp["meta"].(map[string]any)["k"] = "changed"
	cp["ancestors"].([]any)[0].(map[string]any)["uuid"] = "z"

	assert.Equal(t, "v", orig["meta"].(map[string]any)["k"])
	assert.Equal(t, "b", orig["ancestors"].([]any)[0].(map[string]any)["uuid"])
}

func TestDocumentsAndStrings(t *testing.T) {
	docs := Documents([]any{map[string]any{"uuid": "a"}, "junk", Document{"uuid": "b"}})
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1].UUID())

	assert.Equal(t, []string{"a", "b"}, Strings([]any{"a", 3, "", "b"}))
	assert.Equal(t, []string{"a"}, Strings("a"))
	assert.Nil(t, Strings(""))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"nil", nil, OutcomeOK},
		{"skip", &SkipError{ID: "a", Group: "g", Reason: "nil document"}, OutcomeSkip},
		{"not found", errors.Wrap(&UpstreamError{Target: "a", Status: 404, Err: ErrEntityNotFound}, "fetch"), OutcomeSkip},
		{"unknown type", ErrUnknownEntityType{Value: "x"}, OutcomeSkip},
		{"upstream", &UpstreamError{Target: "a", Status: 500}, OutcomeRetryable},
		{"precondition", &PreconditionError{Index: "i", Reason: "exists"}, OutcomeFatal},
		{"too much", errors.Wrap(&TooMuchToCatchUpError{Candidates: 5, Ceiling: 1}, "catch-up"), OutcomeFatal},
		{"swap", &SwapStepError{Step: "clone", Index: "i", Err: errors.New("boom")}, OutcomeFatal},
		{"canceled", context.Canceled, OutcomeFatal},
		{"other", errors.New("mystery"), OutcomeRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestIndexPairNames(t *testing.T) {
	g := IndexGroup{Name: "entities", PublicIndex: "pub", PrivateIndex: "priv"}
	assert.Equal(t, []string{"pub", "priv"}, g.Pair().Names())
	assert.Equal(t, []string{"priv"}, IndexPair{Private: "priv"}.Names())
}
