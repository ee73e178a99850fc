package stores

import (
	"slices"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Records are kept in canonical order at ingestion so every subscriber
// sees the same list regardless of the order the server sent it in.

// newCollator returns a collator for name ordering. A collate.Collator
// keeps internal buffers, so each sort gets its own.
func newCollator() *collate.Collator {
	return collate.New(language.Und)
}

// sortByName sorts items by name using locale collation. Ties keep their
// input order.
func sortByName[T any](items []T, name func(T) string) {
	c := newCollator()
	slices.SortStableFunc(items, func(a, b T) int {
		return c.CompareString(name(a), name(b))
	})
}

// compareVersionsDesc orders version strings newest first. Semantic
// versions (with or without a leading "v") come before anything else;
// the rest sort lexically descending.
func compareVersionsDesc(a, b string) int {
	va, vb := canonicalSemver(a), canonicalSemver(b)
	switch {
	case va != "" && vb != "":
		if c := semver.Compare(vb, va); c != 0 {
			return c
		}
		return strings.Compare(b, a)
	case va != "":
		return -1
	case vb != "":
		return 1
	default:
		return strings.Compare(b, a)
	}
}

func canonicalSemver(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
