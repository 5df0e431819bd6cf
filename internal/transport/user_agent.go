package transport

import (
	"math/rand/v2"
)

// The portal only serves its full login pages to desktop browsers.
var browserUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.846.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.846.0 Safari/537.36 Edg/141.0.846.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.846.0 Safari/537.36",
}

// pickBrowserUserAgent chooses the agent a session presents for its whole lifetime, so every
// hop of one login looks like the same browser.
func pickBrowserUserAgent() string {
	return browserUserAgents[rand.IntN(len(browserUserAgents))]
}
