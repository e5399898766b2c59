package render

import (
	"fmt"
	"strings"
)

// Filter holds keyword rules for one feed. Matching is case-insensitive on the
// title and the plain-text summary.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) empty() bool { return len(f.Include) == 0 && len(f.Exclude) == 0 }

// Evaluate reports whether text passes the filter and, if not, why.
// Exclude rules win over include rules.
func (f Filter) Evaluate(text string) (bool, string) {
	if f.empty() {
		return true, ""
	}
	lower := strings.ToLower(text)
	for _, kw := range f.Exclude {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return false, fmt.Sprintf("excluded keyword %q", kw)
		}
	}
	if len(f.Include) == 0 {
		return true, ""
	}
	for _, kw := range f.Include {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true, ""
		}
	}
	return false, "no include keyword matched"
}
