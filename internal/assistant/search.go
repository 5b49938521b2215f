package assistant

import (
	"regexp"
	"strings"
)

// SearchHeuristic decides whether a message likely needs fresh web results.
// It is a keyword match, not a classifier.
type SearchHeuristic struct {
	re *regexp.Regexp
}

// NewSearchHeuristic matches any of keywords as a case-insensitive substring.
// An empty keyword list never matches.
func NewSearchHeuristic(keywords []string) *SearchHeuristic {
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			parts = append(parts, regexp.QuoteMeta(k))
		}
	}
	if len(parts) == 0 {
		return &SearchHeuristic{}
	}
	return &SearchHeuristic{re: regexp.MustCompile(`(?i)` + strings.Join(parts, "|"))}
}

func (h *SearchHeuristic) ShouldSearch(text string) bool {
	return h.re != nil && h.re.MatchString(text)
}
