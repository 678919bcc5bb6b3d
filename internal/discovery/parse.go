package discovery

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

var (
	titlePattern  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	nonDigits     = regexp.MustCompile(`\D+`)
	weeklyMsgsSel = `div.text-center[data-original-title="Number of messages in the group in the last 7 days"]`
)

// isThrottlePage reports whether the page title announces a 429.
func isThrottlePage(body []byte) bool {
	m := titlePattern.FindSubmatch(body)
	return m != nil && bytes.Contains(m[1], []byte("429"))
}

// rankingURL builds the public ranking URL of a topic.
func rankingURL(base, href, sort string) string {
	href, _, _ = strings.Cut(href, "?")
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		href = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(href, "/")
	}
	return strings.TrimRight(href, "/") + "/public?sort=" + sort
}

// parseCard extracts a candidate from one ranking card.
func parseCard(e *colly.HTMLElement, topic string) (monitor.Candidate, bool) {
	link := e.ChildAttr("div.col-sm-5 a", "href")
	if link == "" {
		link = e.ChildAttr("a[href*='/@']", "href")
	}
	m := usernamePattern.FindStringSubmatch(link)
	if m == nil {
		return monitor.Candidate{}, false
	}
	weekly, _, _ := strings.Cut(strings.TrimSpace(e.ChildText(weeklyMsgsSel)), "\n")
	return monitor.Candidate{
		Username:       m[1],
		Topic:          topic,
		ChatName:       strings.TrimSpace(e.ChildText("div.font-16.text-dark")),
		ExternalLink:   e.Request.AbsoluteURL(link),
		Members:        parseCount(e.ChildText("div.font-14.text-dark")),
		WeeklyMessages: parseCount(weekly),
		ActiveUsers:    parseDigits(e.ChildText("h4.font-16")),
	}, true
}

// parseCount reads counters such as "812", "1.2k" or "3m". Unreadable
// values count as zero.
func parseCount(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1e3, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1e6, strings.TrimSuffix(s, "m")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return parseDigits(s)
	}
	return int(f * mult)
}

func parseDigits(s string) int {
	n, err := strconv.Atoi(nonDigits.ReplaceAllString(s, ""))
	if err != nil {
		return 0
	}
	return n
}
