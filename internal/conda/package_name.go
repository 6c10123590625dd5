// Package conda holds the shared data model for the repodata gateway:
// package names, channels, platforms and the package/repodata record types.
package conda

import "strings"

// PackageName is a canonical lowercase package identifier. Two PackageNames
// are equal, and hash identically, based on their normalized form.
type PackageName struct {
	normalized string
	source     string
}

// NewPackageName normalizes s (conda package names are matched
// case-insensitively) and returns the canonical PackageName.
func NewPackageName(s string) PackageName {
	return PackageName{
		normalized: strings.ToLower(strings.TrimSpace(s)),
		source:     s,
	}
}

// String returns the original, non-normalized spelling.
func (n PackageName) String() string {
	if n.source != "" {
		return n.source
	}
	return n.normalized
}

// Normalized returns the canonical lowercase form used for equality,
// hashing and map keys.
func (n PackageName) Normalized() string {
	return n.normalized
}

// IsZero reports whether n is the zero value.
func (n PackageName) IsZero() bool {
	return n.normalized == "" && n.source == ""
}

// Equal reports whether n and other refer to the same package name.
// Comparison (and hashing, via Normalized used as a map key) is always on
// the normalized form — two PackageNames built from differently-cased
// spellings of the same name are equal.
func (n PackageName) Equal(other PackageName) bool {
	return n.normalized == other.normalized
}
