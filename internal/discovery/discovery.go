// Package discovery locates download controls and paper metadata in portal
// pages. Strategies are an ordered list of matchers; the first element any
// matcher accepts wins.
package discovery

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var downloadKeywords = []string{"下载", "pdf", "download", "pdf下载", "全文下载"}

type Candidate struct {
	Matcher string
	Tag     string
	Text    string
	Href    string
	OnClick string
}

type Matcher struct {
	Name  string
	Match func(n *html.Node) bool
}

// DefaultMatchers mirror the portal's usual download affordances, most
// specific first.
var DefaultMatchers = []Matcher{
	{Name: "pdf-link", Match: selectorMatch(atom.A, attrContains("href", ".pdf"))},
	{Name: "download-link", Match: selectorMatch(atom.A, attrContains("href", "download"))},
	{Name: "file-link", Match: selectorMatch(atom.A, attrContains("href", "file"))},
	{Name: "download-onclick", Match: selectorMatch(atom.Button, attrContains("onclick", "download"))},
	{Name: "pdf-onclick", Match: selectorMatch(atom.Button, attrContains("onclick", "PDF"))},
	{Name: "download-title", Match: selectorMatch(atom.A, attrContains("title", "下载"))},
	{Name: "pdf-title", Match: selectorMatch(atom.A, attrContains("title", "PDF"))},
	{Name: "pdf-download-text", Match: selectorMatch(atom.A, textContains("PDF下载"))},
	{Name: "download-text", Match: selectorMatch(atom.A, textContains("下载"))},
	{Name: "download-btn-class", Match: selectorMatch(0, hasClass("download-btn"))},
	{Name: "pdf-download-class", Match: selectorMatch(0, hasClass("pdf-download"))},
	{Name: "data-type", Match: selectorMatch(0, attrEquals("data-type", "download"))},
	{Name: "data-action", Match: selectorMatch(0, attrEquals("data-action", "download"))},
	{Name: "keyword-content", Match: contentMatch},
}

type Finder struct {
	matchers []Matcher
}

func NewFinder(matchers ...Matcher) *Finder {
	if len(matchers) == 0 {
		matchers = DefaultMatchers
	}
	return &Finder{matchers: matchers}
}

// Find parses the page and returns the first download control. Relative
// hrefs are resolved against pageURL when it parses.
func (f *Finder) Find(r io.Reader, pageURL string) (Candidate, bool, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Candidate{}, false, err
	}
	return f.FindNode(doc, pageURL)
}

func (f *Finder) FindNode(doc *html.Node, pageURL string) (Candidate, bool, error) {
	base, _ := url.Parse(strings.TrimSpace(pageURL))
	elements := collectElements(doc)
	for _, matcher := range f.matchers {
		for _, n := range elements {
			if !matcher.Match(n) {
				continue
			}
			return Candidate{
				Matcher: matcher.Name,
				Tag:     n.Data,
				Text:    strings.TrimSpace(textContent(n)),
				Href:    resolveHref(base, attr(n, "href")),
				OnClick: attr(n, "onclick"),
			}, true, nil
		}
	}
	return Candidate{}, false, nil
}

// selectorMatch combines a tag filter (0 for any element) with a predicate
// and the general download heuristic.
func selectorMatch(tag atom.Atom, pred func(n *html.Node) bool) func(n *html.Node) bool {
	return func(n *html.Node) bool {
		if tag != 0 && n.DataAtom != tag {
			return false
		}
		return pred(n) && looksLikeDownload(n)
	}
}

func looksLikeDownload(n *html.Node) bool {
	if contentMatch(n) {
		return true
	}
	className := strings.ToLower(attr(n, "class"))
	id := strings.ToLower(attr(n, "id"))
	return strings.Contains(className, "download") || strings.Contains(id, "download")
}

func contentMatch(n *html.Node) bool {
	if n.DataAtom != atom.A && n.DataAtom != atom.Button {
		return false
	}
	text := strings.ToLower(textContent(n))
	for _, keyword := range downloadKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	href := attr(n, "href")
	if strings.Contains(href, ".pdf") || strings.Contains(href, "download") || strings.Contains(href, "file") {
		return true
	}
	onclick := attr(n, "onclick")
	return strings.Contains(onclick, "download") || strings.Contains(onclick, "PDF") || strings.Contains(onclick, "file")
}

func attrContains(key, fragment string) func(n *html.Node) bool {
	return func(n *html.Node) bool {
		return strings.Contains(attr(n, key), fragment)
	}
}

func attrEquals(key, value string) func(n *html.Node) bool {
	return func(n *html.Node) bool {
		return attr(n, key) == value
	}
}

func textContains(fragment string) func(n *html.Node) bool {
	return func(n *html.Node) bool {
		return strings.Contains(textContent(n), fragment)
	}
}

func hasClass(name string) func(n *html.Node) bool {
	return func(n *html.Node) bool {
		for _, class := range strings.Fields(attr(n, "class")) {
			if class == name {
				return true
			}
		}
		return false
	}
}

func collectElements(doc *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil || !base.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
