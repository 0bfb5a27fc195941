package permute

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatternApply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern Pattern
		want    string
	}{
		{PatternFirstDotLast, "jane.doe"},
		{PatternFLast, "jdoe"},
		{PatternFirst, "jane"},
		{PatternFDotLast, "j.doe"},
		{PatternFirstLast, "janedoe"},
		{PatternFirstL, "janed"},
		{PatternLast, "doe"},
		{PatternFirstUnder, "jane_doe"},
		{PatternFirstHyphen, "jane-doe"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.pattern.Apply("Jane", "Doe"), string(tc.pattern))
	}
}

func TestPatternApplyMissingLast(t *testing.T) {
	t.Parallel()

	require.Equal(t, "jane", PatternFirst.Apply("Jane", ""))
	require.Empty(t, PatternFirstDotLast.Apply("Jane", ""))
	require.Empty(t, PatternFLast.Apply("", "Doe"))
}

func TestFoldNamePart(t *testing.T) {
	t.Parallel()

	require.Equal(t, "jose", FoldNamePart("José"))
	require.Equal(t, "mueller", FoldNamePart("Müeller"))
	require.Equal(t, "oconnor", FoldNamePart("O'Connor"))
	require.Equal(t, "annemarie", FoldNamePart("Anne-Marie"))
	require.Equal(t, "strass", FoldNamePart("Straß"))
}

func TestGenerateRankedAndDeduped(t *testing.T) {
	t.Parallel()

	cands := Generate("Jane", "Doe", "acme.com", "", 0)
	require.Len(t, cands, 8, "default cap")
	require.Equal(t, "jane.doe@acme.com", cands[0].Email)
	require.Equal(t, PatternFirstDotLast, cands[0].Pattern)

	seen := make(map[string]struct{})
	for i, c := range cands {
		require.Equal(t, i, c.Rank)
		_, dup := seen[c.Email]
		require.False(t, dup, c.Email)
		seen[c.Email] = struct{}{}
	}
}

func TestGeneratePreferredPatternFirst(t *testing.T) {
	t.Parallel()

	cands := Generate("Jane", "Doe", "acme.com", PatternFLast, 4)
	require.Equal(t, "jdoe@acme.com", cands[0].Email)
	require.Equal(t, PatternFLast, cands[0].Pattern)
	require.Len(t, cands, 4)
	// The preferred pattern must not reappear at its default rank.
	for _, c := range cands[1:] {
		require.NotEqual(t, "jdoe@acme.com", c.Email)
	}
}

func TestGenerateFirstNameOnly(t *testing.T) {
	t.Parallel()

	cands := Generate("Madonna", "", "acme.com", "", 0)
	require.Len(t, cands, 1)
	require.Equal(t, "madonna@acme.com", cands[0].Email)
}

func TestGenerateSkipsRoleAliasCollisions(t *testing.T) {
	t.Parallel()

	// A person literally named Info Smith must not emit info@.
	cands := Generate("Info", "", "acme.com", "", 0)
	require.Empty(t, cands)
}

func TestIsRoleAlias(t *testing.T) {
	t.Parallel()

	require.True(t, IsRoleAlias("info"))
	require.True(t, IsRoleAlias(" Sales "))
	require.True(t, IsRoleAlias("no-reply"))
	require.False(t, IsRoleAlias("jane.doe"))
}

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	p, ok := MatchPattern("jane.doe", "Jane", "Doe")
	require.True(t, ok)
	require.Equal(t, PatternFirstDotLast, p)

	p, ok = MatchPattern("jdoe", "Jane", "Doe")
	require.True(t, ok)
	require.Equal(t, PatternFLast, p)

	_, ok = MatchPattern("info", "Jane", "Doe")
	require.False(t, ok, "role aliases never match")

	_, ok = MatchPattern("qwerty", "Jane", "Doe")
	require.False(t, ok)
}

func TestInferPattern(t *testing.T) {
	t.Parallel()

	t.Run("unanimous", func(t *testing.T) {
		t.Parallel()
		p, ok := InferPattern([]Sample{
			{Localpart: "jane.doe", First: "Jane", Last: "Doe"},
			{Localpart: "john.smith", First: "John", Last: "Smith"},
			{Localpart: "info", First: "", Last: ""},
		})
		require.True(t, ok)
		require.Equal(t, PatternFirstDotLast, p)
	})

	t.Run("single hit is not enough", func(t *testing.T) {
		t.Parallel()
		_, ok := InferPattern([]Sample{
			{Localpart: "jane.doe", First: "Jane", Last: "Doe"},
		})
		require.False(t, ok)
	})

	t.Run("split decision is rejected", func(t *testing.T) {
		t.Parallel()
		_, ok := InferPattern([]Sample{
			{Localpart: "jane.doe", First: "Jane", Last: "Doe"},
			{Localpart: "jsmith", First: "John", Last: "Smith"},
			{Localpart: "bob.jones", First: "Bob", Last: "Jones"},
			{Localpart: "awhite", First: "Alice", Last: "White"},
		})
		require.False(t, ok, "50/50 split is below the agreement floor")
	})

	t.Run("dominant pattern with one outlier", func(t *testing.T) {
		t.Parallel()
		p, ok := InferPattern([]Sample{
			{Localpart: "jane.doe", First: "Jane", Last: "Doe"},
			{Localpart: "john.smith", First: "John", Last: "Smith"},
			{Localpart: "bob.jones", First: "Bob", Last: "Jones"},
			{Localpart: "carol.king", First: "Carol", Last: "King"},
			{Localpart: "awhite", First: "Alice", Last: "White"},
		})
		require.True(t, ok)
		require.Equal(t, PatternFirstDotLast, p)
	})
}
