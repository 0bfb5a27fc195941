package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const teamPage = `<!doctype html>
<html><body>
<div class="team-grid">
  <div class="team-member">
    <h3>Jane Doe</h3>
    <p class="title">Chief Executive Officer</p>
    <a href="mailto:Jane.Doe@acme.com?subject=hi">Jane Doe</a>
  </div>
  <div class="team-member">
    <h3>Dr. John Smith Jr.</h3>
    <p class="title">VP of Engineering</p>
  </div>
  <div class="team-member">
    <h3>Join Our Team Today Now</h3>
  </div>
</div>
<footer><a href="mailto:info@acme.com">Contact us</a></footer>
</body></html>`

func TestExtractTeamPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(nil)
	cands, err := h.Extract("https://acme.com/team", []byte(teamPage))
	require.NoError(t, err)

	byEmail := make(map[string]int)
	byName := make(map[string]int)
	for i, c := range cands {
		if c.Email != "" {
			byEmail[c.Email] = i
		}
		if c.Full != "" && c.Email == "" {
			byName[c.Full] = i
		}
	}

	require.Contains(t, byEmail, "jane.doe@acme.com")
	jane := cands[byEmail["jane.doe@acme.com"]]
	require.Equal(t, "Jane", jane.First)
	require.Equal(t, "Doe", jane.Last)
	require.InDelta(t, 0.9, jane.Confidence, 0.001)

	require.Contains(t, byEmail, "info@acme.com")
	info := cands[byEmail["info@acme.com"]]
	require.Empty(t, info.Full, "anchor text is not a person name")

	require.Contains(t, byName, "Dr. John Smith Jr.")
	john := cands[byName["Dr. John Smith Jr."]]
	require.Equal(t, "John", john.First)
	require.Equal(t, "Smith", john.Last)
	require.Equal(t, "VP of Engineering", john.Title)
	require.InDelta(t, 0.7, john.Confidence, 0.001)
}

func TestExtractGenericPageOnlyHarvestsMailto(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<div class="team-member"><h3>Jane Doe</h3></div>
<a href="mailto:bob@acme.com">Bob</a>
</body></html>`

	h := NewHeuristic(nil)
	cands, err := h.Extract("https://acme.com/pricing", []byte(page))
	require.NoError(t, err)
	require.Len(t, cands, 1, "card pass is skipped off team/about pages")
	require.Equal(t, "bob@acme.com", cands[0].Email)
}

func TestExtractDedupes(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<a href="mailto:jane.doe@acme.com">Jane Doe</a>
<a href="mailto:JANE.DOE@acme.com">Jane again</a>
</body></html>`

	h := NewHeuristic(nil)
	cands, err := h.Extract("https://acme.com/", []byte(page))
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestClassifyPage(t *testing.T) {
	t.Parallel()

	require.Equal(t, PageTeam, ClassifyPage("/our-team"))
	require.Equal(t, PageTeam, ClassifyPage("/company/leadership"))
	require.Equal(t, PageAbout, ClassifyPage("/about-us"))
	require.Equal(t, PageContact, ClassifyPage("/contact"))
	require.Equal(t, PageGeneric, ClassifyPage("/pricing"))
	require.Equal(t, PageGeneric, ClassifyPage("/"))
}

func TestLooksLikePersonName(t *testing.T) {
	t.Parallel()

	require.True(t, LooksLikePersonName("Jane Doe"))
	require.True(t, LooksLikePersonName("Anne-Marie van Beek"))
	require.False(t, LooksLikePersonName("Jane"))
	require.False(t, LooksLikePersonName("Acme Services Inc."))
	require.False(t, LooksLikePersonName("Contact Us"))
	require.False(t, LooksLikePersonName("Agent 007 Smith"))
	require.False(t, LooksLikePersonName(""))
}

func TestSplitName(t *testing.T) {
	t.Parallel()

	first, last := SplitName("Jane Doe")
	require.Equal(t, "Jane", first)
	require.Equal(t, "Doe", last)

	first, last = SplitName("Dr. John Smith Jr.")
	require.Equal(t, "John", first)
	require.Equal(t, "Smith", last)

	first, last = SplitName("Ana Maria Silva")
	require.Equal(t, "Ana", first)
	require.Equal(t, "Silva", last)

	first, last = SplitName("Madonna")
	require.Equal(t, "Madonna", first)
	require.Empty(t, last)
}

func TestCleanMailto(t *testing.T) {
	t.Parallel()

	require.Equal(t, "jane@acme.com", cleanMailto("mailto:Jane@acme.com?subject=Hello"))
	require.Equal(t, "jane+tag@acme.com", cleanMailto("mailto:jane%2Btag@acme.com"))
	require.Empty(t, cleanMailto("mailto:not-an-email"))
	require.Empty(t, cleanMailto("mailto:"))
}