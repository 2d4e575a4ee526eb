package router

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/wudi/prefixgate/internal/config"
)

// CompiledMatcher evaluates method, domain, header and query criteria for a route.
type CompiledMatcher struct {
	methods map[string]bool // nil = all methods allowed
	domains []domainMatcher
	headers []valueMatcher
	queries []valueMatcher
}

type domainMatcher struct {
	exact    string // non-empty for exact match
	wildcard string // suffix like ".example.com" for *.example.com
}

// valueMatcher matches a named header or query value by exactly one of
// equality, presence or regex.
type valueMatcher struct {
	name    string
	exact   string
	present *bool
	regex   *regexp.Regexp
}

func (vm valueMatcher) matches(values []string, has bool) bool {
	switch {
	case vm.present != nil:
		return has == *vm.present
	case vm.exact != "":
		return has && values[0] == vm.exact
	case vm.regex != nil:
		val := ""
		if has {
			val = values[0]
		}
		return vm.regex.MatchString(val)
	}
	return true
}

// NewCompiledMatcher compiles mc and methods. Regexes must already be valid;
// the config loader rejects bad patterns.
func NewCompiledMatcher(mc config.MatchConfig, methods []string) *CompiledMatcher {
	cm := &CompiledMatcher{}

	if len(methods) > 0 {
		cm.methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			cm.methods[strings.ToUpper(m)] = true
		}
	}

	for _, d := range mc.Domains {
		if strings.HasPrefix(d, "*.") {
			cm.domains = append(cm.domains, domainMatcher{wildcard: strings.ToLower(d[1:])})
		} else {
			cm.domains = append(cm.domains, domainMatcher{exact: d})
		}
	}

	for _, h := range mc.Headers {
		cm.headers = append(cm.headers, compileValue(h.Name, h.Value, h.Present, h.Regex))
	}
	for _, q := range mc.Query {
		cm.queries = append(cm.queries, compileValue(q.Name, q.Value, q.Present, q.Regex))
	}

	return cm
}

func compileValue(name, value string, present *bool, pattern string) valueMatcher {
	vm := valueMatcher{name: name}
	switch {
	case value != "":
		vm.exact = value
	case present != nil:
		vm.present = present
	case pattern != "":
		vm.regex = regexp.MustCompile(pattern)
	}
	return vm
}

// Matches evaluates all criteria against the request.
func (cm *CompiledMatcher) Matches(r *http.Request) bool {
	if cm.methods != nil && !cm.methods[r.Method] {
		return false
	}

	if len(cm.domains) > 0 && !cm.matchDomain(r.Host) {
		return false
	}

	for _, hm := range cm.headers {
		values, has := r.Header[http.CanonicalHeaderKey(hm.name)]
		if !hm.matches(values, has) {
			return false
		}
	}

	if len(cm.queries) > 0 {
		query := r.URL.Query()
		for _, qm := range cm.queries {
			values, has := query[qm.name]
			if !qm.matches(values, has) {
				return false
			}
		}
	}

	return true
}

// matchDomain reports whether host (port stripped) matches any domain.
func (cm *CompiledMatcher) matchDomain(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	lower := strings.ToLower(host)
	for _, dm := range cm.domains {
		if dm.exact != "" && strings.EqualFold(host, dm.exact) {
			return true
		}
		if dm.wildcard != "" && strings.HasSuffix(lower, dm.wildcard) {
			return true
		}
	}
	return false
}

// Specificity returns a score for ordering routes. Higher = more specific.
func (cm *CompiledMatcher) Specificity() int {
	score := 0
	for _, dm := range cm.domains {
		if dm.exact != "" {
			score += 150
		} else {
			score += 100
		}
	}
	score += len(cm.headers) * 10
	score += len(cm.queries) * 10
	if cm.methods != nil {
		score += 5
	}
	return score
}
