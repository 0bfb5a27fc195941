// Package extract pulls people and published addresses out of company
// web pages.
package extract

import (
	"strings"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// PageType classifies a page by how likely it is to list people.
type PageType string

// Page classes, in descending extraction value.
const (
	PageTeam    PageType = "team"
	PageAbout   PageType = "about"
	PageContact PageType = "contact"
	PageGeneric PageType = "generic"
)

// Extractor turns one fetched page into person/email candidates.
type Extractor interface {
	Extract(pageURL string, body []byte) ([]pipeline.Candidate, error)
}

// ClassifyPage buckets a URL path into a page type. Team-shaped pages
// are parsed exhaustively; generic pages only get the cheap passes.
func ClassifyPage(path string) PageType {
	p := strings.ToLower(strings.Trim(path, "/"))
	switch {
	case containsAny(p, "team", "people", "leadership", "staff", "our-team", "management", "founders"):
		return PageTeam
	case containsAny(p, "about", "company", "who-we-are"):
		return PageAbout
	case containsAny(p, "contact", "imprint", "impressum"):
		return PageContact
	default:
		return PageGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// SeedPaths are the paths autodiscovery tries on every domain, root
// first.
var SeedPaths = []string{
	"/",
	"/about",
	"/about-us",
	"/team",
	"/our-team",
	"/people",
	"/leadership",
	"/contact",
	"/company",
}
