package geocode

import (
	"strings"
	"unicode"
)

// templates lists candidate shapes from most to least specific.
// Indexes refer to the (country, city, title) triple.
var templates = [][]int{
	{0, 1, 2}, // country, city, title
	{1, 0, 2}, // city, country, title
	{2, 1, 0}, // title, city, country
	{1, 2},    // city, title
	{2, 1},    // title, city
	{2},       // title
}

// Candidates builds the ordered query list for a place description.
// A template is used only when every part it references is non-empty, and exact duplicates are dropped.
func Candidates(country, city, title string) []string {
	return appendCandidates(nil, country, city, title)
}

func appendCandidates(out []string, country, city, title string) []string {
	parts := [3]string{strings.TrimSpace(country), strings.TrimSpace(city), strings.TrimSpace(title)}
	seen := make(map[string]struct{}, len(out)+len(templates))
	for _, q := range out {
		seen[q] = struct{}{}
	}

next:
	for _, tmpl := range templates {
		fields := make([]string, 0, len(tmpl))
		for _, idx := range tmpl {
			if parts[idx] == "" {
				continue next
			}
			fields = append(fields, parts[idx])
		}
		q := strings.Join(fields, ", ")
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}

// hasNonLatin reports whether s contains a letter outside the Latin script.
func hasNonLatin(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return true
		}
	}
	return false
}
