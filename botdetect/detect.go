// Package botdetect scores request headers for signs of automated clients.
//
// Detect is a pure function: it performs no I/O and returns the same result
// for the same headers.
package botdetect

import (
	"net/http"
	"strings"
)

// Threshold is the score at which a request is classified as automated.
const Threshold = 30

const minUserAgentLength = 10

// Indicator names reported in Result.Indicators.
const (
	IndicatorShortUserAgent        = "missing_or_short_user_agent"
	IndicatorAutomationUserAgent   = "automation_user_agent"
	IndicatorHeadlessBrowser       = "headless_browser"
	IndicatorMissingAccept         = "missing_accept"
	IndicatorMissingAcceptLanguage = "missing_accept_language"
	IndicatorMissingReferer        = "missing_referer"
)

// Crawler, HTTP library and tooling substrings. Order matters: only the first match is reported.
var automationTokens = []string{
	"bot", "crawler", "spider", "scraper", "scrapy",
	"curl", "wget", "httpie", "python-requests", "python-urllib", "aiohttp",
	"go-http-client", "java/", "okhttp", "apache-httpclient", "libwww-perl",
	"axios", "node-fetch", "undici", "postman", "insomnia",
}

var headlessTokens = []string{
	"headlesschrome", "headless", "phantomjs", "selenium", "webdriver", "puppeteer", "playwright",
}

// Tokens that already identify a self-declared crawler; a missing Referer is expected for them.
var crawlerTokens = []string{"bot", "crawler", "spider"}

// Result is the outcome of a header classification.
type Result struct {
	IsBot      bool     `json:"isBot"`
	Confidence int      `json:"confidence"`
	Indicators []string `json:"indicators"`
}

// Detect scores headers. A nil or empty header set scores as automated.
func Detect(h http.Header) Result {
	ua := strings.ToLower(strings.TrimSpace(h.Get("User-Agent")))

	score := 0
	indicators := make([]string, 0, 6)

	if len(ua) < minUserAgentLength {
		score += 30
		indicators = append(indicators, IndicatorShortUserAgent)
	}

	if token, ok := firstMatch(ua, automationTokens); ok {
		score += 20
		indicators = append(indicators, IndicatorAutomationUserAgent+":"+token)
	}

	if _, ok := firstMatch(ua, headlessTokens); ok {
		score += 25
		indicators = append(indicators, IndicatorHeadlessBrowser)
	}

	if strings.TrimSpace(h.Get("Accept")) == "" {
		score += 15
		indicators = append(indicators, IndicatorMissingAccept)
	}

	if strings.TrimSpace(h.Get("Accept-Language")) == "" {
		score += 10
		indicators = append(indicators, IndicatorMissingAcceptLanguage)
	}

	if strings.TrimSpace(h.Get("Referer")) == "" {
		if _, declared := firstMatch(ua, crawlerTokens); !declared {
			score += 5
			indicators = append(indicators, IndicatorMissingReferer)
		}
	}

	return Result{
		IsBot:      score >= Threshold,
		Confidence: min(score, 100),
		Indicators: indicators,
	}
}

func firstMatch(ua string, tokens []string) (string, bool) {
	if ua == "" {
		return "", false
	}
	for _, token := range tokens {
		if strings.Contains(ua, token) {
			return token, true
		}
	}
	return "", false
}
