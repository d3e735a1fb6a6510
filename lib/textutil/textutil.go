package textutil

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

var (
	whitespaceRegex  = regexp.MustCompile(`\s+`)
	punctuationRegex = regexp.MustCompile(`[^\p{L}\p{N} ]+`)
)

// corporate suffixes that carry no identity information,
// stripped before comparing company names
var companySuffixes = []string{
	"limited liability partnership",
	"public limited company",
	"limited",
	"ltd",
	"plc",
	"llp",
	"lp",
	"company",
	"co",
	"uk",
}

func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

// NormalizeCompanyName lowercases, strips punctuation and trailing
// corporate suffixes, and collapses whitespace. "J. Bloggs & Sons Ltd."
// and "J BLOGGS AND SONS LIMITED" normalize to the same string.
func NormalizeCompanyName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "&", " and ")
	name = punctuationRegex.ReplaceAllString(name, " ")
	name = whitespaceRegex.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	for changed := true; changed; {
		changed = false
		for _, suffix := range companySuffixes {
			if name == suffix {
				continue
			}
			if strings.HasSuffix(name, " "+suffix) {
				name = strings.TrimSpace(strings.TrimSuffix(name, suffix))
				changed = true
			}
		}
	}
	return name
}

// Similarity returns the Jaro-Winkler similarity of two company names
// after suffix-aware normalization, in [0,1].
func Similarity(a, b string) float64 {
	na := NormalizeCompanyName(a)
	nb := NormalizeCompanyName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return matchr.JaroWinkler(na, nb, false)
}
