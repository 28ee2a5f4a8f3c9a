package image

import "strings"

// Ref is a parsed image reference of the form `[registry/]owner/repo[:tag]`.
// A first path segment containing '.' or ':' is the registry; otherwise the
// registry defaults to ghcr.io. A missing tag defaults to "latest".
type Ref struct {
	Registry string
	Path     string // owner/repo
	Tag      string
}

const defaultRegistry = "ghcr.io"
const defaultTag = "latest"

// ParseRef parses image into its registry/path/tag components.
func ParseRef(image string) Ref {
	registry := defaultRegistry
	rest := image

	if slash := strings.Index(image, "/"); slash > 0 {
		first := image[:slash]
		if strings.ContainsAny(first, ".:") {
			registry = first
			rest = image[slash+1:]
		}
	}

	tag := defaultTag
	path := rest
	// A ':' after the last '/' separates the tag; a ':' before it (as part
	// of a registry port) was already consumed above.
	if colon := strings.LastIndex(rest, ":"); colon > strings.LastIndex(rest, "/") && colon >= 0 {
		path = rest[:colon]
		tag = rest[colon+1:]
	}

	return Ref{Registry: registry, Path: path, Tag: tag}
}

// String reconstructs the canonical `registry/owner/repo:tag` form.
func (r Ref) String() string {
	return r.Registry + "/" + r.Path + ":" + r.Tag
}
