// Package sparseindex implements the sparse-index layout described in
// spec.md §3 and §6: per-package shard path derivation, and the binary
// NamesManifest/DependenciesManifest sidecar formats. It is grounded on
// original_source/crates/rattler_conda_types/src/sparse_index/mod.rs for
// the record shape (a PackageRecord plus a filename) and extends it with
// the fan-out path scheme spec.md requires.
package sparseindex

import "strings"

// ShardPath returns the sparse-index path for package name, relative to a
// subdir root, following spec.md §3:
//
//	length 1: 1/<name>.ext
//	length 2: 2/<name>.ext
//	length 3: 3/<name[0]>/<name>.ext
//	length >=4: <name[0..2]>/<name[2..4]>/<name>.ext
//
// ext is the shard extension, e.g. "json" or "json.zst".
func ShardPath(name, ext string) string {
	switch len(name) {
	case 0:
		return ""
	case 1:
		return "1/" + name + "." + ext
	case 2:
		return "2/" + name + "." + ext
	case 3:
		return "3/" + string(name[0]) + "/" + name + "." + ext
	default:
		return name[0:2] + "/" + name[2:4] + "/" + name + "." + ext
	}
}

// joinURL joins a subdir root URL with a relative shard path.
func joinURL(root, rel string) string {
	return strings.TrimSuffix(root, "/") + "/" + rel
}

// ShardURL returns the absolute URL for a package's shard under a subdir
// root URL.
func ShardURL(subdirRootURL, name, ext string) string {
	return joinURL(subdirRootURL, ShardPath(name, ext))
}
