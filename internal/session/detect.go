package session

import (
	"net/http"
	"net/url"
	"strings"

	"grocery-ingest/lib/textutil"
)

// Response is the part of an http response block detection looks at.
type Response struct {
	Status int
	URL    string
	Body   []byte
}

// challenge pages are small, only the head of the body is searched
const detectWindow = 64 * 1024

var blockedHints = []string{
	"px-captcha",
	"captcha-delivery",
	"verify you are human",
	"robot or human",
	"just a moment...",
	"checking your browser",
	"cf-browser-verification",
	"challenge-platform",
	"attention required! | cloudflare",
	"_incapsula_resource",
	"incapsula incident",
	"request unsuccessful. incapsula",
	"access denied</title>",
}

func blockedPath(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.Contains(raw, "/blocked")
	}
	return strings.HasPrefix(u.Path, "/blocked")
}

// IsBlocked reports whether resp came from bot protection rather than the
// retailer: a 403 or 412, a redirect to /blocked or a known challenge page.
// extra hints are retailer specific and must be lowercase.
func IsBlocked(resp Response, extra ...string) bool {
	if resp.Status == http.StatusForbidden || resp.Status == http.StatusPreconditionFailed {
		return true
	}
	if blockedPath(resp.URL) {
		return true
	}
	body := resp.Body
	if len(body) > detectWindow {
		body = body[:detectWindow]
	}
	text := textutil.NormalizeName(string(body))
	return textutil.MatchName(text, blockedHints) || textutil.MatchName(text, extra)
}
