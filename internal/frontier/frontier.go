// Package frontier discovers child crawl targets from fetched listing pages.
package frontier

import (
	"bytes"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Default selectors for NeurIPS-style proceedings.
const (
	DefaultYearLinks     = "a[href*='/paper_files/paper/']"
	DefaultItemLinks     = "ul.paper-list li a[href$='Abstract-Conference.html']"
	DefaultArtifactLinks = "a[href$='Paper-Conference.pdf']"
)

var yearPattern = regexp.MustCompile(`\d{4}`)

// Selectors names the CSS selector used at each level.
type Selectors struct {
	YearLinks     string
	ItemLinks     string
	ArtifactLinks string
}

// HTMLFrontier parses pages with goquery. It is stateless and safe for
// concurrent use.
type HTMLFrontier struct {
	sel Selectors
}

// New returns an HTMLFrontier; empty selectors fall back to the defaults.
func New(sel Selectors) *HTMLFrontier {
	if sel.YearLinks == "" {
		sel.YearLinks = DefaultYearLinks
	}
	if sel.ItemLinks == "" {
		sel.ItemLinks = DefaultItemLinks
	}
	if sel.ArtifactLinks == "" {
		sel.ArtifactLinks = DefaultArtifactLinks
	}
	return &HTMLFrontier{sel: sel}
}

// Discover returns the children of parent found in body. Malformed or
// unexpected markup yields an empty slice.
func (f *HTMLFrontier) Discover(parent harvest.CrawlTarget, body []byte, include harvest.Predicate) []harvest.CrawlTarget {
	base, err := url.Parse(parent.URL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	switch {
	case parent.IsRoot():
		return f.years(doc, base, include)
	case parent.Stage == harvest.StageIndex:
		return f.links(doc, base, f.sel.ItemLinks, parent.Partition, harvest.StageItem, 0)
	case parent.Stage == harvest.StageItem:
		return f.links(doc, base, f.sel.ArtifactLinks, parent.Partition, harvest.StageArtifact, 1)
	default:
		return nil
	}
}

func (f *HTMLFrontier) years(doc *goquery.Document, base *url.URL, include harvest.Predicate) []harvest.CrawlTarget {
	var out []harvest.CrawlTarget
	seen := make(map[string]struct{})
	doc.Find(f.sel.YearLinks).Each(func(_ int, s *goquery.Selection) {
		match := yearPattern.FindString(s.Text())
		if match == "" {
			return
		}
		year, err := strconv.Atoi(match)
		if err != nil {
			return
		}
		if include != nil && !include(year) {
			return
		}
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, harvest.CrawlTarget{URL: abs, Partition: match, Stage: harvest.StageIndex})
	})
	return out
}

// links collects hrefs matching selector. limit > 0 caps the result size.
func (f *HTMLFrontier) links(
	doc *goquery.Document,
	base *url.URL,
	selector, partition string,
	stage harvest.Stage,
	limit int,
) []harvest.CrawlTarget {
	var out []harvest.CrawlTarget
	seen := make(map[string]struct{})
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		abs, ok := resolve(base, href)
		if !ok {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		out = append(out, harvest.CrawlTarget{URL: abs, Partition: partition, Stage: stage})
		return limit <= 0 || len(out) < limit
	})
	return out
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

// Filename returns the last path segment of an artifact URL.
func Filename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
