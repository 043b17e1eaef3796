package results

import (
	"regexp"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// semanticPatterns maps each reachability class to the browser APIs that
// feed it. Order is the reporting order.
var semanticPatterns = []struct {
	kind     schemas.SemanticType
	patterns []string
}{
	{schemas.SemanticWindowLocation, []string{
		`location\.search`, `location\.hash`, `location\.href`, `location\.pathname`,
		`document\.URL`, `document\.documentURI`, `document\.baseURI`, `URLSearchParams`,
		`(^|[^.\w])location($|[^\w])`,
	}},
	{schemas.SemanticDOMTree, []string{
		`getElementById\(`, `getElementsBy\w+\(`, `querySelector(All)?\(`, `\.innerHTML`,
		`\.innerText`, `\.textContent`, `\.getAttribute\(`, `document\.forms`, `\.value\b`,
	}},
	{schemas.SemanticCookie, []string{`document\.cookie`}},
	{schemas.SemanticWebStorage, []string{`localStorage`, `sessionStorage`}},
	{schemas.SemanticPostMessage, []string{
		`event\.data`, `(^|[^\w])e\.data`, `\bmsg\.data`, `addEventListener\(\s*["']message["']`, `onmessage`,
	}},
	{schemas.SemanticDocReferrer, []string{`document\.referrer`}},
	{schemas.SemanticWindowName, []string{`window\.name`}},
}

type semanticRule struct {
	kind schemas.SemanticType
	re   *regexp.Regexp
}

var semanticRules = func() []semanticRule {
	var rules []semanticRule
	for _, group := range semanticPatterns {
		for _, p := range group.patterns {
			rules = append(rules, semanticRule{kind: group.kind, re: regexp.MustCompile(p)})
		}
	}
	return rules
}()

// Classify returns the reachability classes whose source APIs occur in any
// of the code slices. With no hit the result is NON_REACHABLE.
func Classify(slices ...string) []schemas.SemanticType {
	found := make(map[schemas.SemanticType]bool)
	for _, s := range slices {
		for _, r := range semanticRules {
			if !found[r.kind] && r.re.MatchString(s) {
				found[r.kind] = true
			}
		}
	}

	var out []schemas.SemanticType
	for _, group := range semanticPatterns {
		if found[group.kind] {
			out = append(out, group.kind)
		}
	}
	if len(out) == 0 {
		return []schemas.SemanticType{schemas.SemanticNonReachable}
	}
	return out
}
