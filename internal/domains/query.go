package domains

import (
	"net/url"
	"regexp"
	"strings"
)

var queryParamKeys = []string{"q", "query", "search", "s", "text", "keyword", "term"}

var queryPathMarkers = []string{"/search/", "/query/", "/name/", "/compound/name/", "/wiki/"}

var queryStop = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "for": {}, "and": {}, "to": {}, "in": {}, "on": {}, "with": {}, "by": {}, "from": {},
}

var queryTokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// QueryFromURL pulls the human query out of a search-like URL: first from
// well-known query parameters, then from path tails after search markers.
func QueryFromURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	values := parsed.Query()
	for _, key := range queryParamKeys {
		if v := values.Get(key); v != "" {
			return v
		}
	}
	path := parsed.Path
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	for _, marker := range queryPathMarkers {
		idx := strings.Index(path, marker)
		if idx < 0 {
			continue
		}
		tail := strings.Trim(path[idx+len(marker):], "/")
		if tail != "" && len(tail) < 120 {
			return strings.ReplaceAll(tail, "_", " ")
		}
	}
	return ""
}

// NormalizeQuery computes the query-family key: case-folded, tokenized,
// stop tokens stripped, whitespace collapsed to single spaces. Two queries
// with the same key are treated as repeats of one search family.
func NormalizeQuery(query string) string {
	if query == "" {
		return ""
	}
	q := query
	if unescaped, err := url.QueryUnescape(q); err == nil {
		q = unescaped
	}
	q = strings.ToLower(q)
	tokens := queryTokenPattern.FindAllString(q, -1)
	kept := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, stop := queryStop[token]; stop {
			continue
		}
		kept = append(kept, token)
	}
	return strings.Join(kept, " ")
}
