package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// Confidence levels by evidence strength.
const (
	confidenceMailto = 0.9
	confidenceCard   = 0.7
)

var (
	cardClassRe = regexp.MustCompile(`(?i)\b(team[-_]?member|member|person|people|staff|profile|bio|employee|founder|leadership|card)\b`)
	emailRe     = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

	honorifics  = map[string]struct{}{"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}}
	nameSuffix  = map[string]struct{}{"jr": {}, "sr": {}, "ii": {}, "iii": {}, "iv": {}, "phd": {}, "md": {}, "mba": {}, "esq": {}}
	orgStopword = map[string]struct{}{
		"inc": {}, "llc": {}, "ltd": {}, "gmbh": {}, "corp": {}, "group": {},
		"team": {}, "services": {}, "solutions": {}, "company": {}, "partners": {},
		"about": {}, "contact": {}, "careers": {}, "privacy": {}, "terms": {},
	}
)

// Heuristic is the default DOM extractor. It harvests mailto links on
// every page and parses people cards on pages likely to list staff.
type Heuristic struct {
	log *zap.Logger
}

// NewHeuristic builds the extractor.
func NewHeuristic(log *zap.Logger) *Heuristic {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heuristic{log: log}
}

// Extract implements Extractor.
func (h *Heuristic) Extract(pageURL string, body []byte) ([]pipeline.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}

	pageType := PageGeneric
	if u, perr := url.Parse(pageURL); perr == nil {
		pageType = ClassifyPage(u.Path)
	}

	var out []pipeline.Candidate
	seen := make(map[string]struct{})

	out = h.harvestMailto(doc, pageURL, out, seen)
	if pageType == PageTeam || pageType == PageAbout {
		out = h.parseCards(doc, pageURL, out, seen)
	}
	return out, nil
}

// harvestMailto lifts every mailto link; the anchor text, when it reads
// like a person name, rides along.
func (h *Heuristic) harvestMailto(doc *goquery.Document, pageURL string, out []pipeline.Candidate, seen map[string]struct{}) []pipeline.Candidate {
	doc.Find(`a[href^="mailto:"]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		email := cleanMailto(href)
		if email == "" {
			return
		}
		key := "email:" + email
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		c := pipeline.Candidate{
			Email:      email,
			SourceURL:  pageURL,
			Confidence: confidenceMailto,
		}
		if full := normalizeSpace(sel.Text()); LooksLikePersonName(full) {
			c.Full = full
			c.First, c.Last = SplitName(full)
		}
		out = append(out, c)
	})
	return out
}

// parseCards walks elements whose class names suggest a people listing
// and pulls a name and, when present, a title from each.
func (h *Heuristic) parseCards(doc *goquery.Document, pageURL string, out []pipeline.Candidate, seen map[string]struct{}) []pipeline.Candidate {
	doc.Find("div, li, article, section").Each(func(_ int, sel *goquery.Selection) {
		class, _ := sel.Attr("class")
		if !cardClassRe.MatchString(class) {
			return
		}
		// Skip containers that themselves hold cards, to avoid emitting
		// the wrapper as a person.
		if sel.Find("div, li, article").FilterFunction(func(_ int, inner *goquery.Selection) bool {
			c, _ := inner.Attr("class")
			return cardClassRe.MatchString(c)
		}).Length() > 0 {
			return
		}

		full := h.cardName(sel)
		if full == "" {
			return
		}
		key := "name:" + strings.ToLower(full)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		first, last := SplitName(full)
		out = append(out, pipeline.Candidate{
			First:      first,
			Last:       last,
			Full:       full,
			Title:      h.cardTitle(sel, full),
			SourceURL:  pageURL,
			Confidence: confidenceCard,
		})
	})
	return out
}

func (h *Heuristic) cardName(sel *goquery.Selection) string {
	for _, q := range []string{".name", "h1", "h2", "h3", "h4", "strong", "b"} {
		text := normalizeSpace(sel.Find(q).First().Text())
		if LooksLikePersonName(text) {
			return text
		}
	}
	return ""
}

func (h *Heuristic) cardTitle(sel *goquery.Selection, name string) string {
	for _, q := range []string{".title", ".role", ".position", ".job-title", "em", "p", "span"} {
		text := normalizeSpace(sel.Find(q).First().Text())
		if text == "" || text == name || len(text) > 80 {
			continue
		}
		return text
	}
	return ""
}

func cleanMailto(href string) string {
	addr := strings.TrimPrefix(href, "mailto:")
	if i := strings.IndexAny(addr, "?&"); i >= 0 {
		addr = addr[:i]
	}
	addr, err := url.QueryUnescape(addr)
	if err != nil {
		return ""
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !emailRe.MatchString(addr) {
		return ""
	}
	return addr
}

// LooksLikePersonName applies cheap shape checks: two to four words,
// letter-led, no digits, no organization stopwords.
func LooksLikePersonName(s string) bool {
	s = normalizeSpace(s)
	if len(s) < 3 || len(s) > 60 {
		return false
	}
	words := strings.Fields(s)
	if len(words) < 2 || len(words) > 4 {
		return false
	}
	for _, w := range words {
		bare := strings.ToLower(strings.Trim(w, ".,"))
		if _, stop := orgStopword[bare]; stop {
			return false
		}
		r := []rune(w)[0]
		if !unicode.IsLetter(r) {
			return false
		}
		for _, c := range w {
			if unicode.IsDigit(c) {
				return false
			}
		}
	}
	return true
}

// SplitName returns the first and last name parts of a full name,
// dropping honorifics and generational suffixes.
func SplitName(full string) (first, last string) {
	words := strings.Fields(normalizeSpace(full))
	filtered := words[:0]
	for _, w := range words {
		bare := strings.ToLower(strings.Trim(w, ".,"))
		if _, ok := honorifics[bare]; ok {
			continue
		}
		if _, ok := nameSuffix[bare]; ok {
			continue
		}
		filtered = append(filtered, w)
	}
	switch len(filtered) {
	case 0:
		return "", ""
	case 1:
		return filtered[0], ""
	default:
		return filtered[0], filtered[len(filtered)-1]
	}
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
