package workflowyaml

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slug turns a display name into a YAML key: accents are stripped, letters
// lowered and every run of other characters collapsed into one dash.
//
//	Slug("Extract data")    // "extract-data"
//	Slug("Café Überweisung") // "cafe-uberweisung"
func Slug(name string) string {
	// transform.Chain keeps state, so build one per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	return b.String()
}

// keySet hands out unique keys, suffixing repeats with -2, -3 and so on.
type keySet map[string]bool

func (k keySet) claim(base, fallback string) string {
	if base == "" {
		base = fallback
	}
	key := base
	for n := 2; k[key]; n++ {
		key = base + "-" + strconv.Itoa(n)
	}
	k[key] = true
	return key
}
