package rewrite

import "net/url"

// ResolveTarget builds the internal URI a request is forwarded to: the backend
// authority, the backend base path joined with strippedPath, and the original
// raw query. Nothing is validated; the result is only used for logging.
//
// backend must be the URI of a route that is already bound to the request.
func ResolveTarget(backend *url.URL, strippedPath, rawQuery string) *url.URL {
	u := &url.URL{
		Scheme:   backend.Scheme,
		User:     backend.User,
		Host:     backend.Host,
		RawQuery: rawQuery,
	}
	setPath(u, JoinPath(backend.EscapedPath(), strippedPath))
	return u
}
