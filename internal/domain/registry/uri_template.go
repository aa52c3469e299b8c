package registry

import "strings"

// matchURITemplate matches a concrete URI against an RFC 6570-flavored
// template using only the {name} level-1 form MCP resources rely on.
// It returns the bound variables on success.
func matchURITemplate(template, uri string) (map[string]string, bool) {
	tParts := splitURITemplate(template)
	uParts := splitURITemplate(uri)
	if len(tParts) != len(uParts) {
		return nil, false
	}

	vars := make(map[string]string)
	for i, tp := range tParts {
		if isPlaceholder(tp) {
			name := tp[1 : len(tp)-1]
			if name == "" {
				return nil, false
			}
			vars[name] = uParts[i]
			continue
		}
		if tp != uParts[i] {
			return nil, false
		}
	}
	return vars, true
}

func isPlaceholder(segment string) bool {
	return len(segment) >= 2 && segment[0] == '{' && segment[len(segment)-1] == '}'
}

// splitURITemplate splits a URI/template into path-like segments while
// keeping the scheme prefix (up to and including the first "://", if
// present) as one leading segment. Each placeholder binds exactly one
// "/"-separated segment, so "file://{path}" matches "file://etc" but not
// "file://a/b".
func splitURITemplate(s string) []string {
	if idx := strings.Index(s, "://"); idx >= 0 {
		prefix := s[:idx+3]
		rest := s[idx+3:]
		if rest == "" {
			return []string{prefix}
		}
		return append([]string{prefix}, strings.Split(rest, "/")...)
	}
	return strings.Split(s, "/")
}
