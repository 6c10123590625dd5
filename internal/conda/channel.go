package conda

import (
	"fmt"
	"net/url"
	"strings"
)

// Channel is a named bundle of repodata, identified by a base URL and a
// canonical display name. A channel may be a file:// tree or an
// http(s):// endpoint.
type Channel struct {
	// BaseURL is the channel root, e.g. "https://conda.anaconda.org/conda-forge"
	// or "file:///mnt/channels/local".
	BaseURL string
	// Name is the canonical display name attached to every RepoDataRecord
	// produced from this channel, e.g. "conda-forge".
	Name string
}

// NewChannel derives the canonical name from the last path segment of
// baseURL when name is empty, matching how conda infers a channel's display
// name from its URL.
func NewChannel(baseURL, name string) Channel {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if name == "" {
		name = lastSegment(baseURL)
	}
	return Channel{BaseURL: baseURL, Name: name}
}

func lastSegment(u string) string {
	u = strings.TrimSuffix(u, "/")
	if i := strings.LastIndexByte(u, '/'); i >= 0 {
		return u[i+1:]
	}
	return u
}

// PlatformURL returns the derived subdir URL for the given platform:
// "<base>/<platform>/".
func (c Channel) PlatformURL(p Platform) string {
	return c.BaseURL + "/" + p.String() + "/"
}

// Scheme returns the URL scheme of the channel's base URL ("file", "http",
// "https", ...), or an error if the URL cannot be parsed.
func (c Channel) Scheme() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("conda: invalid channel url %q: %w", c.BaseURL, err)
	}
	return u.Scheme, nil
}

// IsLocal reports whether the channel is backed by a local filesystem tree.
func (c Channel) IsLocal() (bool, error) {
	scheme, err := c.Scheme()
	if err != nil {
		return false, err
	}
	switch scheme {
	case "file", "":
		return true, nil
	case "http", "https":
		return false, nil
	default:
		return false, fmt.Errorf("conda: unsupported channel url scheme %q", scheme)
	}
}

// Key uniquely identifies this channel for use as part of a Coalescing Map
// key (channel, platform) pair. Two Channel values with the same BaseURL
// are the same channel regardless of display name.
func (c Channel) Key() string {
	return c.BaseURL
}
