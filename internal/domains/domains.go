// Package domains classifies hostnames and URLs for source-coverage
// accounting: official vs independent registrable domains, search engines,
// and coarse source classes. Comparison happens at the registrable-domain
// (eTLD+1) level so mirror hosts of one publisher never count twice.
package domains

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

type SourceClass string

const (
	SourceOfficial          SourceClass = "official"
	SourceRegulatory        SourceClass = "regulatory"
	SourceRegistry          SourceClass = "registry"
	SourcePrimaryLiterature SourceClass = "primary_literature"
	SourceCommentary        SourceClass = "commentary"
	SourceUnknown           SourceClass = "unknown"
)

var searchSuffixes = []string{
	"google.com",
	"bing.com",
	"duckduckgo.com",
	"search.brave.com",
	"yahoo.com",
}

var officialTLDs = []string{".gov", ".int", ".eu"}

var registrySubstrings = []string{"pubchem", "chemspider", "drugbank", "clinicaltrials", "who.int"}

var literatureSubstrings = []string{
	"ncbi.nlm.nih.gov", "nih.gov", "pubmed", "pmc",
	"arxiv.org", "biorxiv.org", "medrxiv.org", "doi.org",
}

var commentarySubstrings = []string{"wikipedia.org", "stackexchange.com", "reddit.com"}

var taskTokenStop = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "for": {}, "and": {}, "to": {}, "in": {}, "on": {}, "with": {}, "by": {},
	"from": {}, "official": {}, "launch": {}, "released": {}, "release": {}, "version": {}, "report": {},
	"true": {}, "false": {}, "yet": {}, "still": {}, "actually": {}, "already": {},
}

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s"'<>]+`)
	tokenPattern     = regexp.MustCompile(`[A-Za-z0-9]{3,}`)
	pdfSuffixPattern = regexp.MustCompile(`(?i)\.pdf(\?|$)`)
)

// Normalize lowercases a host and strips a leading www. prefix.
func Normalize(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	return strings.TrimPrefix(h, "www.")
}

// Registrable reduces a host to its registrable domain (eTLD+1).
// IPs, single-label hosts, and hosts the public suffix list cannot
// resolve fall back to the normalized host itself.
func Registrable(host string) string {
	h := Normalize(host)
	if h == "" || !strings.Contains(h, ".") {
		return h
	}
	if net.ParseIP(h) != nil {
		return h
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(h)
	if err != nil {
		return h
	}
	return etld1
}

func IsSearch(host string) bool {
	h := Normalize(host)
	if h == "" {
		return false
	}
	for _, suffix := range searchSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

// Classifier carries the per-run state needed to decide whether a domain
// counts as official for the task at hand: tokens mined from the task text
// plus hints learned while the run progresses.
type Classifier struct {
	taskTokens map[string]struct{}
	hints      map[string]struct{}
}

func NewClassifier(task string) *Classifier {
	c := &Classifier{
		taskTokens: map[string]struct{}{},
		hints:      map[string]struct{}{},
	}
	for _, token := range tokenPattern.FindAllString(task, -1) {
		lower := strings.ToLower(token)
		if _, stop := taskTokenStop[lower]; stop {
			continue
		}
		c.taskTokens[lower] = struct{}{}
	}
	return c
}

// AddOfficialHint marks a host as official for the rest of the run.
func (c *Classifier) AddOfficialHint(host string) {
	h := Normalize(host)
	if h == "" {
		return
	}
	c.hints[h] = struct{}{}
}

func (c *Classifier) HasOfficialHints() bool {
	return len(c.hints) > 0
}

func (c *Classifier) IsOfficial(host string) bool {
	h := Normalize(host)
	if h == "" {
		return false
	}
	if _, ok := c.hints[h]; ok {
		return true
	}
	if _, ok := c.hints[Registrable(h)]; ok {
		return true
	}
	for _, tld := range officialTLDs {
		if strings.HasSuffix(h, tld) {
			return true
		}
	}
	for token := range c.taskTokens {
		if strings.Contains(h, token) {
			return true
		}
	}
	return false
}

func (c *Classifier) SourceClass(rawURL, host string) SourceClass {
	h := Normalize(host)
	if h == "" {
		return SourceUnknown
	}
	if c.IsOfficial(h) {
		return SourceOfficial
	}
	for _, tld := range officialTLDs {
		if strings.HasSuffix(h, tld) {
			return SourceRegulatory
		}
	}
	for _, sub := range registrySubstrings {
		if strings.Contains(h, sub) {
			return SourceRegistry
		}
	}
	for _, sub := range literatureSubstrings {
		if strings.Contains(h, sub) {
			return SourcePrimaryLiterature
		}
	}
	for _, sub := range commentarySubstrings {
		if strings.Contains(h, sub) {
			return SourceCommentary
		}
	}
	if rawURL != "" && pdfSuffixPattern.MatchString(rawURL) {
		return SourcePrimaryLiterature
	}
	return SourceCommentary
}

// ExtractURLs returns every http(s) URL embedded in text, in order.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	return urlPattern.FindAllString(text, -1)
}

// HostOf extracts the normalized host of a URL, or "" when unparseable.
func HostOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return Normalize(parsed.Hostname())
}

// DistinctRegistrable counts distinct registrable domains across hosts.
func DistinctRegistrable(hosts []string) int {
	seen := map[string]struct{}{}
	for _, host := range hosts {
		r := Registrable(host)
		if r == "" {
			continue
		}
		seen[r] = struct{}{}
	}
	return len(seen)
}
