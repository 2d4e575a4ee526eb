// Package rewrite strips external path prefixes, rebuilds request URIs and
// derives the forwarded headers a downstream service needs to reconstruct
// the URL the client actually called.
//
// Everything in this package is a pure function of its inputs. Nothing
// blocks, nothing is shared between requests and no operation returns an
// error: bad input degrades to a passthrough or a leniently built URI.
package rewrite

import "strings"

// StripPrefix removes prefix from the start of rawPath.
//
// An empty prefix, or a path that does not start with prefix (byte-wise,
// case-sensitive), returns rawPath unchanged. Stripping the whole path
// yields "/" so the downstream service never sees an empty path.
func StripPrefix(rawPath, prefix string) string {
	if prefix == "" || !strings.HasPrefix(rawPath, prefix) {
		return rawPath
	}
	stripped := rawPath[len(prefix):]
	if stripped == "" {
		return "/"
	}
	return stripped
}

// JoinPath joins a base path and a request path with exactly one slash.
func JoinPath(base, path string) string {
	aslash := strings.HasSuffix(base, "/")
	bslash := strings.HasPrefix(path, "/")
	switch {
	case aslash && bslash:
		return base + path[1:]
	case !aslash && !bslash:
		return base + "/" + path
	}
	return base + path
}
