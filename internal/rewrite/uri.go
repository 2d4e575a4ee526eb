package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Tier identifies which strategy produced a rebuilt URI.
type Tier int

const (
	// TierStrict means every component validated as given.
	TierStrict Tier = iota
	// TierTargetedFix means the query was repaired before it validated.
	TierTargetedFix
	// TierLenient means the URI was assembled without validation.
	TierLenient
)

func (t Tier) String() string {
	switch t {
	case TierStrict:
		return "strict"
	case TierTargetedFix:
		return "targeted_fix"
	case TierLenient:
		return "lenient"
	}
	return "unknown"
}

// Result is the outcome of Rebuild.
type Result struct {
	URI  *url.URL
	Tier Tier
	// Reason is why the last abandoned tier failed. Nil for TierStrict.
	Reason error
}

// contentTypeParam is the query parameter some frameworks fill with an
// unencoded media type, e.g. Content-Type=text/plain;charset=utf-8.
const contentTypeParam = "Content-Type"

// outcome is passed between tiers: either a validated URI or the reason the
// next tier has to run.
type outcome struct {
	uri      *url.URL
	fallback error
}

func ok(u *url.URL) outcome {
	return outcome{uri: u}
}

func needsFallback(reason error) outcome {
	return outcome{fallback: reason}
}

// Rebuild replaces the path of original with strippedPath and returns a
// usable URI. It never fails:
//
//  1. strict: validate path, query and authority as given;
//  2. targeted fix: percent-encode a Content-Type query value that carries
//     a raw ';', then validate again;
//  3. lenient: assemble the URI without any validation.
func Rebuild(original *url.URL, strippedPath string) (res Result) {
	if original == nil {
		original = &url.URL{}
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				URI:    lenientBuild(original, strippedPath, original.RawQuery),
				Tier:   TierLenient,
				Reason: fmt.Errorf("rebuild: %v", r),
			}
		}
	}()

	tier := TierStrict
	var reason error
	for {
		switch tier {
		case TierStrict:
			out := strictBuild(original, strippedPath, original.RawQuery)
			if out.fallback == nil {
				return Result{URI: out.uri, Tier: TierStrict}
			}
			reason, tier = out.fallback, TierTargetedFix
		case TierTargetedFix:
			out := strictBuild(original, strippedPath, fixContentType(original.RawQuery))
			if out.fallback == nil {
				return Result{URI: out.uri, Tier: TierTargetedFix, Reason: reason}
			}
			reason, tier = out.fallback, TierLenient
		default:
			return Result{
				URI:    lenientBuild(original, strippedPath, original.RawQuery),
				Tier:   TierLenient,
				Reason: reason,
			}
		}
	}
}

// strictBuild assembles a URI and validates every component against RFC 3986.
// The raw query is carried verbatim when it validates.
func strictBuild(original *url.URL, path, rawQuery string) outcome {
	if err := validateEncoded(path, false); err != nil {
		return needsFallback(fmt.Errorf("path: %w", err))
	}
	if err := validateEncoded(rawQuery, true); err != nil {
		return needsFallback(fmt.Errorf("query: %w", err))
	}
	// ParseQuery rejects raw ';' separators along with bad escapes.
	if _, err := url.ParseQuery(rawQuery); err != nil {
		return needsFallback(fmt.Errorf("query: %w", err))
	}
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return needsFallback(fmt.Errorf("path: %w", err))
	}

	u := baseURL(original, rawQuery)
	u.Path = decoded
	if decoded != path {
		u.RawPath = path
	}

	// Round-trip to catch scheme, host and port problems.
	if _, err := url.Parse(u.String()); err != nil {
		return needsFallback(err)
	}
	return ok(u)
}

// lenientBuild assembles a URI with no validation at all.
func lenientBuild(original *url.URL, path, rawQuery string) *url.URL {
	u := baseURL(original, rawQuery)
	setPath(u, path)
	return u
}

func baseURL(original *url.URL, rawQuery string) *url.URL {
	return &url.URL{
		Scheme:   original.Scheme,
		User:     original.User,
		Host:     original.Host,
		RawQuery: rawQuery,
		Fragment: original.Fragment,
	}
}

// setPath stores an already-encoded path on u, keeping it verbatim when it
// cannot be decoded.
func setPath(u *url.URL, path string) {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		u.Path = path
		return
	}
	u.Path = decoded
	if decoded != path {
		u.RawPath = path
	}
}

// queryParam is one name=value pair of a leniently split query string.
type queryParam struct {
	name     string
	value    string
	hasValue bool
}

// splitQuery splits a raw query on '&' without unescaping or validating.
func splitQuery(rawQuery string) []queryParam {
	if rawQuery == "" {
		return nil
	}
	parts := strings.Split(rawQuery, "&")
	params := make([]queryParam, 0, len(parts))
	for _, part := range parts {
		name, value, hasValue := strings.Cut(part, "=")
		params = append(params, queryParam{name: name, value: value, hasValue: hasValue})
	}
	return params
}

func joinQuery(params []queryParam) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.name)
		if p.hasValue {
			b.WriteByte('=')
			b.WriteString(p.value)
		}
	}
	return b.String()
}

// fixContentType percent-encodes the value of a Content-Type parameter that
// contains ';'. Every other parameter is carried through unchanged.
func fixContentType(rawQuery string) string {
	params := splitQuery(rawQuery)
	for i, p := range params {
		if p.name == contentTypeParam && strings.Contains(p.value, ";") {
			params[i].value = url.QueryEscape(p.value)
		}
	}
	return joinQuery(params)
}

var errInvalidEscape = errors.New("invalid percent escape")

// validateEncoded checks s against the RFC 3986 path or query grammar:
// pchar (unreserved, sub-delims, ':' and '@'), '/', plus '?' in queries,
// and well-formed %XX escapes.
func validateEncoded(s string, query bool) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
				return fmt.Errorf("%w at offset %d", errInvalidEscape, i)
			}
			i += 2
		case isPchar(c) || c == '/':
		case query && c == '?':
		default:
			return fmt.Errorf("illegal character %q at offset %d", c, i)
		}
	}
	return nil
}

func isPchar(c byte) bool {
	if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
		return true
	}
	switch c {
	case '-', '.', '_', '~', // unreserved
		'!', '$', '&', '\'', '(', ')', '*', '+', ',', ';', '=', // sub-delims
		':', '@':
		return true
	}
	return false
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}
