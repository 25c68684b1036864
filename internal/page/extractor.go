// Package page fetches a web page and reduces it to the plain text used as
// grounding for summaries and questions.
package page

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/llm"
)

const (
	maxBodyBytes     = 5 << 20
	minContentLength = 100
)

// elements never part of the readable content
var droppedTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
}

// chrome markers matched against class and id attributes
var droppedMarkers = []string{"advert", "sidebar", "menu"}

// Extractor turns a URL into page text.
type Extractor struct {
	client    *http.Client
	maxLength int
	marker    string
	userAgent string
}

// NewExtractor creates an extractor from page configuration.
func NewExtractor(cfg config.PageConfig) *Extractor {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Extractor{
		client:    &http.Client{Timeout: timeout},
		maxLength: cfg.MaxLength,
		marker:    cfg.TruncationMarker,
		userAgent: cfg.UserAgent,
	}
}

// Extract fetches url and returns its main text, truncated to the
// configured length with the marker appended.
func (e *Extractor) Extract(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid page url: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("failed to fetch page: status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/plain") {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("failed to read page: %w", err)
		}
		return Truncate(llm.CollapseWhitespace(string(data)), e.maxLength, e.marker), nil
	}

	text, err := ExtractText(body)
	if err != nil {
		return "", err
	}
	return Truncate(text, e.maxLength, e.marker), nil
}

// ExtractText parses an HTML document and returns the whitespace-collapsed
// text of its main content area, or of the body when none qualifies.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}
	prune(doc)

	for _, match := range contentSelectors {
		if n := find(doc, match); n != nil {
			if text := textOf(n); len(text) > minContentLength {
				return text, nil
			}
		}
	}

	if body := find(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body }); body != nil {
		return textOf(body), nil
	}
	return textOf(doc), nil
}

// Truncate cuts s to max runes and appends marker when it was longer. A
// non-positive max disables truncation.
func Truncate(s string, max int, marker string) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + marker
}

var contentSelectors = []func(*html.Node) bool{
	tagIs(atom.Article),
	tagIs(atom.Main),
	attrIs("role", "main"),
	hasClass("content"),
	hasClass("main-content"),
	hasClass("article-content"),
	hasClass("post-content"),
	hasClass("entry-content"),
	attrIs("id", "content"),
	attrIs("id", "main"),
}

func tagIs(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == a }
}

func attrIs(key, value string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && attr(n, key) == value
	}
}

func hasClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, c := range strings.Fields(attr(n, "class")) {
			if c == class {
				return true
			}
		}
		return false
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// find returns the first node in document order matching match.
func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

// prune removes non-content elements in place.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && isChrome(c) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func isChrome(n *html.Node) bool {
	if droppedTags[n.DataAtom] {
		return true
	}
	for _, key := range []string{"class", "id"} {
		v := strings.ToLower(attr(n, key))
		if v == "" {
			continue
		}
		for _, tok := range strings.Fields(v) {
			if tok == "ad" || tok == "ads" {
				return true
			}
		}
		for _, m := range droppedMarkers {
			if strings.Contains(v, m) {
				return true
			}
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return llm.CollapseWhitespace(b.String())
}
