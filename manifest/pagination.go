package manifest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var pageOfPattern = regexp.MustCompile(`(?i)page\s+\d+\s+of\s+(\d+)`)

// detectPaginationSummary looks for a "Page 1 of N" style summary
// anywhere in the page text. Returns 0 if none is found, the caller's
// cue to fall back to autoDetectFallback.
func detectPaginationSummary(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	text := doc.Text()
	m := pageOfPattern.FindStringSubmatch(text)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
