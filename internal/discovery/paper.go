package discovery

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

const (
	UnknownTitle   = "未知标题"
	UnknownAuthors = "未知作者"
)

var (
	titleClasses  = []string{"title", "paper-title", "article-title"}
	authorClasses = []string{"authors", "paper-authors", "article-authors"}
)

type Paper struct {
	Title   string
	Authors string
}

// ExtractPaper reads title and author text from a detail page. Missing
// fields get the portal's placeholder strings.
func ExtractPaper(r io.Reader) (Paper, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Paper{}, err
	}
	return ExtractPaperNode(doc), nil
}

func ExtractPaperNode(doc *html.Node) Paper {
	elements := collectElements(doc)
	paper := Paper{
		Title:   firstClassText(elements, titleClasses),
		Authors: firstClassText(elements, authorClasses),
	}
	if paper.Title == "" {
		paper.Title = UnknownTitle
	}
	if paper.Authors == "" {
		paper.Authors = UnknownAuthors
	}
	return paper
}

func firstClassText(elements []*html.Node, classes []string) string {
	for _, n := range elements {
		for _, class := range classes {
			if hasClass(class)(n) {
				if text := strings.Join(strings.Fields(textContent(n)), " "); text != "" {
					return text
				}
			}
		}
	}
	return ""
}
