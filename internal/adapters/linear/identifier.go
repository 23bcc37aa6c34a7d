package linear

import (
	"regexp"
	"strings"
)

// identifierRe matches a team key and issue number ("ENG-123") delimited by
// anything that is not alphanumeric, so "feature/eng-12-login" yields ENG-12.
var identifierRe = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])([a-z][a-z0-9]{1,9})-([0-9]+)(?:$|[^a-z0-9])`)

// ParseIdentifier extracts the first issue identifier from a branch name and
// returns it upper-cased. ok is false when the branch carries none.
func ParseIdentifier(branch string) (identifier string, ok bool) {
	m := identifierRe.FindStringSubmatch(branch)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]) + "-" + m[2], true
}
