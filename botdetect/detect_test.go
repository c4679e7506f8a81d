package botdetect

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", chromeUA)
	h.Set("Accept", "text/html,application/xhtml+xml")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Referer", "https://example.com/")
	return h
}

func TestDetect(t *testing.T) {
	tt := []struct {
		desc       string
		headers    func() http.Header
		isBot      bool
		confidence int
		indicators []string
	}{
		{
			desc:       "no headers at all",
			headers:    func() http.Header { return nil },
			isBot:      true,
			confidence: 60,
			indicators: []string{
				IndicatorShortUserAgent,
				IndicatorMissingAccept,
				IndicatorMissingAcceptLanguage,
				IndicatorMissingReferer,
			},
		},
		{
			desc:       "regular browser",
			headers:    browserHeaders,
			isBot:      false,
			confidence: 0,
			indicators: []string{},
		},
		{
			desc: "browser without referer",
			headers: func() http.Header {
				h := browserHeaders()
				h.Del("Referer")
				return h
			},
			isBot:      false,
			confidence: 5,
			indicators: []string{IndicatorMissingReferer},
		},
		{
			desc: "curl",
			headers: func() http.Header {
				h := http.Header{}
				h.Set("User-Agent", "curl/8.4.0")
				h.Set("Accept", "*/*")
				return h
			},
			isBot:      true,
			confidence: 35,
			indicators: []string{
				IndicatorAutomationUserAgent + ":curl",
				IndicatorMissingAcceptLanguage,
				IndicatorMissingReferer,
			},
		},
		{
			desc: "declared crawler is not penalized for missing referer",
			headers: func() http.Header {
				h := http.Header{}
				h.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
				h.Set("Accept", "*/*")
				return h
			},
			isBot:      true,
			confidence: 30,
			indicators: []string{
				IndicatorAutomationUserAgent + ":bot",
				IndicatorMissingAcceptLanguage,
			},
		},
		{
			desc: "headless browser with full headers",
			headers: func() http.Header {
				h := browserHeaders()
				h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36")
				return h
			},
			isBot:      false,
			confidence: 25,
			indicators: []string{IndicatorHeadlessBrowser},
		},
		{
			desc: "automation and headless rules both apply",
			headers: func() http.Header {
				h := http.Header{}
				h.Set("User-Agent", "python-requests/2.31 selenium")
				return h
			},
			isBot:      true,
			confidence: 75,
			indicators: []string{
				IndicatorAutomationUserAgent + ":python-requests",
				IndicatorHeadlessBrowser,
				IndicatorMissingAccept,
				IndicatorMissingAcceptLanguage,
				IndicatorMissingReferer,
			},
		},
		{
			desc: "short user agent",
			headers: func() http.Header {
				h := browserHeaders()
				h.Set("User-Agent", "Mozilla")
				return h
			},
			isBot:      true,
			confidence: 30,
			indicators: []string{IndicatorShortUserAgent},
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			res := Detect(ts.headers())

			assert.Equal(t, ts.isBot, res.IsBot)
			assert.Equal(t, ts.confidence, res.Confidence)
			assert.Equal(t, ts.indicators, res.Indicators)
		})
	}
}

func TestDetect_Deterministic(t *testing.T) {
	h := browserHeaders()
	h.Del("Accept")

	first := Detect(h)
	for range 10 {
		assert.Equal(t, first, Detect(h))
	}
}
