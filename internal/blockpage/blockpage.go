// Package blockpage summarises non-success responses from the dashboard
// backend. A reverse proxy or CDN in front of the backend answers with an
// HTML page rather than an event stream when it rejects a request; the
// summary turns that page into one line fit for an error banner.
package blockpage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxBody is how much of a rejected response body is worth inspecting.
const MaxBody = 64 << 10

// Page is a captured non-success response.
type Page struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Summary describes why a request was rejected.
type Summary struct {
	StatusCode int
	// Source names the bot-management product that blocked the request, if
	// one was recognised.
	Source string
	// Detail is the page title, a JSON error field, or a short body excerpt.
	Detail string
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status %d", s.StatusCode)
	if s.Source != "" {
		fmt.Fprintf(&b, ", blocked by %s", s.Source)
	}
	if s.Detail != "" {
		fmt.Fprintf(&b, ": %s", s.Detail)
	}
	return b.String()
}

// Detector reports the product that produced a block page.
type Detector func(p *Page) (detected bool, source string)

// DefaultDetectors returns the standard list of bot protection detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
	}
}

// Summarize inspects p with the given detectors and extracts a detail line.
func Summarize(p *Page, detectors []Detector) Summary {
	s := Summary{StatusCode: p.StatusCode}
	for _, d := range detectors {
		if detected, source := d(p); detected {
			s.Source = source
			break
		}
	}
	s.Detail = detail(p)
	return s
}

func detail(p *Page) string {
	body := bytes.TrimSpace(p.Body)
	if len(body) == 0 {
		return ""
	}

	ct := strings.ToLower(p.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "json") || body[0] == '{':
		if msg := jsonMessage(body); msg != "" {
			return msg
		}
	case strings.Contains(ct, "html") || bytes.HasPrefix(bytes.ToLower(body), []byte("<!doctype html")) || bytes.HasPrefix(body, []byte("<html")):
		if title := htmlTitle(body); title != "" {
			return title
		}
	}
	return excerpt(string(body), 120)
}

// jsonMessage pulls the conventional error fields out of a JSON body.
func jsonMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	var errStr string
	if json.Unmarshal(payload.Error, &errStr) == nil && errStr != "" {
		return errStr
	}
	return payload.Message
}

func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return strings.Join(strings.Fields(title), " ")
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// detectCloudflare looks for common Cloudflare challenge/block signatures.
func detectCloudflare(p *Page) (bool, string) {
	// Status codes 403 or 503 are common for CF challenges
	if p.StatusCode != http.StatusForbidden && p.StatusCode != http.StatusServiceUnavailable {
		return false, ""
	}
	if strings.Contains(strings.ToLower(p.Header.Get("Server")), "cloudflare") || p.Header.Get("Cf-Mitigated") != "" {
		return true, "Cloudflare"
	}
	if bytes.Contains(p.Body, []byte("cf-browser-verification")) ||
		bytes.Contains(p.Body, []byte("cf-turnstile")) ||
		bytes.Contains(p.Body, []byte("Attention Required! | Cloudflare")) {
		return true, "Cloudflare"
	}
	return false, ""
}

// detectAkamai looks for Akamai Bot Manager signatures.
func detectAkamai(p *Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(strings.ToLower(p.Header.Get("Server")), "akamai") {
		return true, "Akamai"
	}
	// Akamai often returns a generic "Reference #" block page
	if bytes.Contains(p.Body, []byte("Reference #")) && bytes.Contains(p.Body, []byte("Access Denied")) {
		return true, "Akamai"
	}
	return false, ""
}

func detectDataDome(p *Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(strings.ToLower(p.Header.Get("Server")), "datadome") ||
		p.Header.Get("X-DataDome") != "" || p.Header.Get("X-DataDome-Response") != "" {
		return true, "DataDome"
	}
	if bytes.Contains(p.Body, []byte("geo.captcha-delivery.com")) {
		return true, "DataDome"
	}
	return false, ""
}

func detectPerimeterX(p *Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if p.Header.Get("X-Px-Captcha") != "" {
		return true, "PerimeterX"
	}
	if bytes.Contains(p.Body, []byte("client.perimeterx.net")) ||
		bytes.Contains(p.Body, []byte("px-captcha")) ||
		bytes.Contains(p.Body, []byte("_pxBlock")) {
		return true, "PerimeterX"
	}
	return false, ""
}
