package enrich

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
)

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._-]+@[a-zA-Z0-9._-]+\.[a-zA-Z0-9_-]+`)
	assetSuffix     = regexp.MustCompile(`(?i)\.(png|jpe?g|webp|gif|js|css)$`)
	linkedInPattern = regexp.MustCompile(`(?i)linkedin\.com/(company|in)(/|$)`)
	noiseSelector   = "script, style, svg, noscript, header, footer"
)

// Analyzer turns a fetched page into an EnrichmentResult.
type Analyzer struct {
	Categories       []Category
	SampleChars      int
	DescriptionChars int
}

// Analyze parses body. Unparseable input yields the default result.
func (a Analyzer) Analyze(body []byte) crawler.EnrichmentResult {
	res := crawler.DefaultEnrichment()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return res
	}

	if email, ok := mailtoAddress(doc); ok {
		res.Email = email
	} else if email, ok := firstEmailToken(body); ok {
		res.Email = email
	}
	if link, ok := linkedInLink(doc); ok {
		res.LinkedIn = link
	}
	if desc, ok := a.description(doc); ok {
		res.Description = desc
	}

	doc.Find(noiseSelector).Remove()
	text := strings.ToLower(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	res.Categories = Detect(truncateRunes(text, a.sampleChars()), a.categories())
	return res
}

func (a Analyzer) categories() []Category {
	if a.Categories == nil {
		return DefaultCategories()
	}
	return a.Categories
}

func (a Analyzer) sampleChars() int {
	if a.SampleChars <= 0 {
		return 5000
	}
	return a.SampleChars
}

func (a Analyzer) description(doc *goquery.Document) (string, bool) {
	limit := a.DescriptionChars
	if limit <= 0 {
		limit = 150
	}
	for _, sel := range []string{"meta[name='description']", "meta[property='og:description']"} {
		content, ok := doc.Find(sel).First().Attr("content")
		content = strings.TrimSpace(content)
		if ok && content != "" {
			return truncateRunes(content, limit) + "...", true
		}
	}
	return "", false
}

func mailtoAddress(doc *goquery.Document) (string, bool) {
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if len(href) < 7 || !strings.EqualFold(href[:7], "mailto:") {
			return true
		}
		addr, _, _ := strings.Cut(href[7:], "?")
		if decoded, err := url.PathUnescape(addr); err == nil {
			addr = decoded
		}
		addr = strings.TrimSpace(addr)
		if addr == "" || isPlaceholder(addr) {
			return true
		}
		found = addr
		return false
	})
	return found, found != ""
}

func firstEmailToken(body []byte) (string, bool) {
	for _, m := range emailPattern.FindAll(body, -1) {
		candidate := string(m)
		if assetSuffix.MatchString(candidate) {
			continue
		}
		return candidate, true
	}
	return "", false
}

func linkedInLink(doc *goquery.Document) (string, bool) {
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if linkedInPattern.MatchString(href) {
			found = strings.TrimSpace(href)
			return false
		}
		return true
	})
	return found, found != ""
}

func isPlaceholder(addr string) bool {
	lower := strings.ToLower(addr)
	return strings.Contains(lower, "example") || strings.Contains(lower, "domain")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
