package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// BrowserConfig bounds the "browser" tool.
type BrowserConfig struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	MaxOutput    int
	MaxLinks     int
}

// DefaultBrowserConfig returns the standard limits.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Timeout:      30 * time.Second,
		UserAgent:    "Mozilla/5.0 (compatible; pandabot/1.0)",
		MaxBodyBytes: 2 << 20,
		MaxOutput:    20000,
		MaxLinks:     100,
	}
}

// Browser is an HTTP session with a persistent cookie jar. The last fetched
// page is kept so actions without a URL operate on it.
type Browser struct {
	cfg    BrowserConfig
	client *http.Client

	mu      sync.Mutex
	current *url.URL
	html    string
	doc     *goquery.Document
}

// NewBrowser creates a Browser with an empty session.
func NewBrowser(cfg BrowserConfig) *Browser {
	b := &Browser{cfg: cfg}
	b.client = &http.Client{Timeout: cfg.Timeout}
	b.resetJar()
	return b
}

func (b *Browser) resetJar() {
	jar, _ := cookiejar.New(nil)
	b.client.Jar = jar
}

// ClearSession drops cookies and the current page.
func (b *Browser) ClearSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetJar()
	b.current = nil
	b.html = ""
	b.doc = nil
}

// page fetches rawURL, or returns the current page when rawURL is empty.
func (b *Browser) page(ctx context.Context, rawURL string) (*goquery.Document, string, *url.URL, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rawURL == "" {
		if b.doc == nil {
			return nil, "", nil, errors.New("no page is open; pass a url")
		}
		return b.doc, b.html, b.current, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", nil, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", nil, err
	}
	req.Header.Set("User-Agent", b.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", nil, fmt.Errorf("fetch %s: HTTP %d", u, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.cfg.MaxBodyBytes))
	if err != nil {
		return nil, "", nil, fmt.Errorf("read %s: %w", u, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, "", nil, fmt.Errorf("parse %s: %w", u, err)
	}

	b.current = resp.Request.URL
	b.html = string(body)
	b.doc = doc
	return doc, b.html, b.current, nil
}

// Text returns the readable text of a page.
func (b *Browser) Text(ctx context.Context, rawURL string) (string, error) {
	_, html, u, err := b.page(ctx, rawURL)
	if err != nil {
		return "", err
	}
	// Parse a private copy since element removal mutates the tree.
	clone, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	clone.Find("script, style, noscript, svg").Remove()

	title := strings.TrimSpace(clone.Find("title").First().Text())
	text := collapseWhitespace(clone.Find("body").Text())
	if text == "" {
		text = collapseWhitespace(clone.Text())
	}
	out := fmt.Sprintf("URL: %s\nTitle: %s\n\n%s", u, title, text)
	return truncateChars(out, b.cfg.MaxOutput), nil
}

// HTML returns the raw markup of a page.
func (b *Browser) HTML(ctx context.Context, rawURL string) (string, error) {
	_, html, _, err := b.page(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return truncateChars(html, b.cfg.MaxOutput), nil
}

// Select returns the text of every element matching selector.
func (b *Browser) Select(ctx context.Context, rawURL, selector string) (string, error) {
	if selector == "" {
		return "", errors.New("selector is required for select")
	}
	doc, _, _, err := b.page(ctx, rawURL)
	if err != nil {
		return "", err
	}
	var parts []string
	doc.Find(selector).Each(func(i int, s *goquery.Selection) {
		if t := collapseWhitespace(s.Text()); t != "" {
			parts = append(parts, fmt.Sprintf("[%d] %s", i+1, t))
		}
	})
	if len(parts) == 0 {
		return fmt.Sprintf("No elements match %q.", selector), nil
	}
	return truncateChars(strings.Join(parts, "\n"), b.cfg.MaxOutput), nil
}

// Links lists anchors on a page as absolute URLs.
func (b *Browser) Links(ctx context.Context, rawURL string) (string, error) {
	doc, _, base, err := b.page(ctx, rawURL)
	if err != nil {
		return "", err
	}
	var lines []string
	seen := make(map[string]bool)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		if seen[abs.String()] {
			return true
		}
		seen[abs.String()] = true
		lines = append(lines, fmt.Sprintf("%s -> %s", collapseWhitespace(s.Text()), abs))
		return len(lines) < b.cfg.MaxLinks
	})
	if len(lines) == 0 {
		return "No links found.", nil
	}
	return truncateChars(strings.Join(lines, "\n"), b.cfg.MaxOutput), nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RegisterBrowser adds the "browser" tool backed by b.
func RegisterBrowser(r *Registry, b *Browser) error {
	def := MakeDefinition("browser",
		"Browse the web with a persistent session. Cookies are kept across calls. "+
			"Actions: open a page as text, get raw HTML, extract elements by CSS selector, "+
			"list links, or clear the session. If url is omitted, the action runs on the current page.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "One of open, html, select, links, clear_session. 'open' = page text, 'html' = raw HTML, 'select' = text of elements matching selector, 'links' = list links, 'clear_session' = drop cookies",
				},
				"url": map[string]any{
					"type":        "string",
					"description": "URL to navigate to. Optional; defaults to the current page.",
				},
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector for 'select'",
				},
			},
			"required": []string{"action"},
		})

	return r.Register(def, func(ctx context.Context, args map[string]any) (any, error) {
		rawURL := stringArg(args, "url")
		switch action := stringArg(args, "action"); action {
		case "open":
			return b.Text(ctx, rawURL)
		case "html":
			return b.HTML(ctx, rawURL)
		case "select":
			return b.Select(ctx, rawURL, stringArg(args, "selector"))
		case "links":
			return b.Links(ctx, rawURL)
		case "clear_session":
			b.ClearSession()
			return "Browser session cleared.", nil
		case "screenshot", "evaluate", "click", "fill":
			return nil, fmt.Errorf("action %q needs a JavaScript browser and is not supported", action)
		default:
			return nil, fmt.Errorf("unknown action %q", action)
		}
	})
}
