package rewrite

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tdewolff/minify/v2"
	minhtml "github.com/tdewolff/minify/v2/html"
)

// Elements the empty-element pass may drop. Interactive and replaced
// elements never qualify.
var emptyRemovable = map[string]bool{
	"p": true, "span": true, "div": true, "section": true, "article": true,
	"aside": true, "ul": true, "ol": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// stepMinify serializes the document and runs the HTML minifier configured
// from the settings matrix. The aggressive toggles carry explicit warnings
// since they can change rendering on quirky markup.
func (r *Rewriter) stepMinify(ps *pageState) error {
	o := r.opts

	if o.removeEmptyElements {
		ps.warnings = append(ps.warnings, "removeEmptyElements is on; JS hooks on empty containers may vanish")
		removeEmpty(ps.doc)
	}
	if o.removeAttributeQuotes {
		ps.warnings = append(ps.warnings, "removeAttributeQuotes is on; legacy parsers may misread attributes")
	}
	if o.removeOptionalTags {
		ps.warnings = append(ps.warnings, "removeOptionalTags is on; scripts relying on explicit structure may break")
	}

	rendered, err := ps.doc.Html()
	if err != nil {
		return err
	}

	m := minify.New()
	m.Add("text/html", &minhtml.Minifier{
		KeepComments:        !o.removeComments,
		KeepSpecialComments: true,
		KeepWhitespace:      !o.collapseWhitespace,
		KeepQuotes:          !o.removeAttributeQuotes,
		KeepDocumentTags:    !o.removeOptionalTags,
		KeepEndTags:         !o.removeOptionalTags,
		KeepDefaultAttrVals: false,
	})

	var out bytes.Buffer
	if err := m.Minify("text/html", &out, strings.NewReader(rendered)); err != nil {
		return err
	}
	ps.out = out.Bytes()
	return nil
}

// removeEmpty strips elements with no attributes, no children and no text,
// repeating until the document stabilizes so newly emptied parents go too.
func removeEmpty(doc *goquery.Document) {
	for {
		removed := 0
		each(doc.Find("*"), func(s *goquery.Selection) {
			n := s.Nodes[0]
			if !emptyRemovable[n.Data] || len(n.Attr) > 0 {
				return
			}
			if n.FirstChild == nil && strings.TrimSpace(s.Text()) == "" {
				s.Remove()
				removed++
			}
		})
		if removed == 0 {
			return
		}
	}
}
