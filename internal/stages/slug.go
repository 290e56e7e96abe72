package stages

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLength = 50

var (
	nonSlug     = regexp.MustCompile(`[^a-z0-9]+`)
	nonFileSlug = regexp.MustCompile(`[^a-z0-9-]`)
	dashes      = regexp.MustCompile(`-{2,}`)
)

// Slugify turns a title into a lowercase ASCII slug of at most 50
// characters. Accented letters are folded to their base letter.
func Slugify(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}

	s := nonSlug.ReplaceAllString(strings.ToLower(folded), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	if s == "" {
		return "untitled"
	}
	return s
}

// fileSlug derives a slug from a file's base name, keeping dashes the
// name already has.
func fileSlug(name string) string {
	s := strings.ToLower(name)
	s = strings.NewReplacer(" ", "-", "_", "-").Replace(s)
	s = nonFileSlug.ReplaceAllString(s, "")
	s = dashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "untitled"
	}
	return s
}
