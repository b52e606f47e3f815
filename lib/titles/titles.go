// Package titles normalizes manga title directory names so the same
// title spelled slightly differently across sources lands in one
// merged mount.
package titles

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalizer maps a raw title directory name to its canonical group
// key. Implementations must be deterministic and safe for concurrent
// use.
type Normalizer interface {
	Canonicalize(title string) string
}

// FoldNormalizer is the default Normalizer: Unicode NFC, whitespace
// collapsed to single spaces, trimmed, case folded. Anything smarter
// (alternate-title resolution, scanlator suffix stripping) belongs to
// an upstream metadata service, not here.
type FoldNormalizer struct{}

// Canonicalize implements Normalizer.
func (FoldNormalizer) Canonicalize(title string) string {
	t := norm.NFC.String(title)
	t = strings.Join(strings.Fields(t), " ")
	return strings.ToLower(t)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(title string) string

// Canonicalize implements Normalizer.
func (f NormalizerFunc) Canonicalize(title string) string {
	return f(title)
}
