package conda

import (
	"strings"
	"unicode"
)

// PackageRecord describes one build of one package. Records are content:
// once constructed they are never mutated, matching the invariant that
// Coalescing Map values must remain stable for their owner's lifetime.
//
// The field set mirrors the recognized shard record fields from spec.md
// §6; unrecognized JSON fields are ignored by the decoder.
type PackageRecord struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Build         string   `json:"build"`
	BuildNumber   int64    `json:"build_number"`
	Subdir        string   `json:"subdir"`
	Depends       []string `json:"depends,omitempty"`
	Constrains    []string `json:"constrains,omitempty"`
	MD5           string   `json:"md5,omitempty"`
	SHA256        string   `json:"sha256,omitempty"`
	Size          int64    `json:"size,omitempty"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	NoArch        string   `json:"noarch,omitempty"`
	PlatformField string   `json:"platform,omitempty"`
	Arch          string   `json:"arch,omitempty"`
	License       string   `json:"license,omitempty"`
	LicenseFamily string   `json:"license_family,omitempty"`
	TrackFeatures []string `json:"track_features,omitempty"`
	Features      string   `json:"features,omitempty"`
	Purls         []string `json:"purls,omitempty"`

	// FileName is the shard's augmented field: the archive filename this
	// record is stored under (spec.md §6: "a PackageRecord augmented with
	// a file_name field").
	FileName string `json:"file_name"`
}

// RepoDataRecord decorates a PackageRecord with the archive's download URL
// and the originating channel's canonical name.
type RepoDataRecord struct {
	PackageRecord
	URL         string
	ChannelName string
}

// ToRepoDataRecord joins the record's filename to subdirURL and attaches
// channelName, producing the decorated record a Subdir source returns.
func (r PackageRecord) ToRepoDataRecord(subdirURL, channelName string) RepoDataRecord {
	return RepoDataRecord{
		PackageRecord: r,
		URL:           strings.TrimSuffix(subdirURL, "/") + "/" + r.FileName,
		ChannelName:   channelName,
	}
}

// DependencyName extracts the package name from a dependency spec of the
// form "<name>[ <constraint>...]" by splitting on the first whitespace
// character. Per spec.md §9, specs with an empty name, leading whitespace,
// or non-ASCII control characters are treated as unparsable and ignored —
// ok reports false in that case so the caller can skip it without
// aborting the traversal.
func DependencyName(spec string) (name string, ok bool) {
	if spec == "" {
		return "", false
	}
	if unicode.IsSpace(rune(spec[0])) {
		return "", false
	}
	for _, r := range spec {
		if unicode.IsControl(r) && r != '\t' {
			return "", false
		}
	}
	idx := strings.IndexFunc(spec, unicode.IsSpace)
	if idx < 0 {
		name = spec
	} else {
		name = spec[:idx]
	}
	if name == "" {
		return "", false
	}
	return name, true
}
