// Package permute generates candidate email addresses from person names
// and infers which naming pattern a company actually uses.
package permute

import (
	"strings"
)

// Pattern names a corporate email naming convention.
type Pattern string

// Known patterns, most common first. The order is the generation rank
// when no company-specific pattern has been inferred.
const (
	PatternFirstDotLast Pattern = "first.last"
	PatternFLast        Pattern = "flast"
	PatternFirst        Pattern = "first"
	PatternFDotLast     Pattern = "f.last"
	PatternFirstLast    Pattern = "firstlast"
	PatternFirstL       Pattern = "firstl"
	PatternLast         Pattern = "last"
	PatternFirstUnder   Pattern = "first_last"
	PatternFirstHyphen  Pattern = "first-last"
)

// RankedPatterns is the default generation order.
var RankedPatterns = []Pattern{
	PatternFirstDotLast,
	PatternFLast,
	PatternFirst,
	PatternFDotLast,
	PatternFirstLast,
	PatternFirstL,
	PatternLast,
	PatternFirstUnder,
	PatternFirstHyphen,
}

// Apply renders the pattern for the given name parts. It returns an
// empty string when a required part is missing.
func (p Pattern) Apply(first, last string) string {
	f := FoldNamePart(first)
	l := FoldNamePart(last)

	switch p {
	case PatternFirst:
		return f
	case PatternLast:
		return l
	}
	if f == "" || l == "" {
		return ""
	}

	switch p {
	case PatternFirstDotLast:
		return f + "." + l
	case PatternFLast:
		return f[:1] + l
	case PatternFDotLast:
		return f[:1] + "." + l
	case PatternFirstLast:
		return f + l
	case PatternFirstL:
		return f + l[:1]
	case PatternFirstUnder:
		return f + "_" + l
	case PatternFirstHyphen:
		return f + "-" + l
	default:
		return ""
	}
}

// accentFolds maps common Latin accented runes to their ASCII shapes.
var accentFolds = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ä", "a", "ã", "a", "å", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "ö", "o", "õ", "o", "ø", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ý", "y", "ÿ", "y",
	"ñ", "n", "ç", "c", "ß", "ss", "æ", "ae", "œ", "oe",
)

// FoldNamePart lowercases a name part, folds common accents, and strips
// everything that cannot appear in a conservative localpart.
func FoldNamePart(s string) string {
	s = accentFolds.Replace(strings.ToLower(strings.TrimSpace(s)))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// roleAliases are shared-mailbox localparts that never identify a
// person and carry no signal about the naming pattern.
var roleAliases = map[string]struct{}{
	"info": {}, "sales": {}, "support": {}, "contact": {}, "hello": {},
	"admin": {}, "administrator": {}, "office": {}, "team": {}, "hr": {},
	"jobs": {}, "careers": {}, "recruiting": {}, "marketing": {}, "press": {},
	"media": {}, "help": {}, "billing": {}, "accounts": {}, "accounting": {},
	"finance": {}, "legal": {}, "security": {}, "abuse": {}, "postmaster": {},
	"webmaster": {}, "hostmaster": {}, "noreply": {}, "no-reply": {},
	"donotreply": {}, "enquiries": {}, "inquiries": {}, "general": {},
	"partnerships": {}, "partners": {}, "invest": {}, "investors": {},
	"ir": {}, "pr": {}, "events": {}, "newsletter": {}, "feedback": {},
}

// IsRoleAlias reports whether localpart is a shared mailbox name.
func IsRoleAlias(localpart string) bool {
	_, ok := roleAliases[strings.ToLower(strings.TrimSpace(localpart))]
	return ok
}
