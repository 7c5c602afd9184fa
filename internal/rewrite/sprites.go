package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/inventory"
)

var svgWhitespaceRe = regexp.MustCompile(`\s+`)

// stepSVGSprites deduplicates repeated inline SVGs: the first occurrence
// becomes the shared definition, later identical copies turn into a <use>
// reference. Icon sets pasted per-row by CMS themes collapse dramatically.
func (r *Rewriter) stepSVGSprites(ps *pageState) error {
	if !r.opts.svgSpriteDedup {
		return nil
	}

	type sprite struct {
		id    string
		first *goquery.Selection
	}
	seen := map[string]*sprite{}

	each(ps.doc.Find("svg"), func(s *goquery.Selection) {
		if s.ParentsFiltered("svg").Length() > 0 {
			return // nested svg belongs to its root
		}
		inner, err := s.Html()
		if err != nil || strings.TrimSpace(inner) == "" {
			return
		}
		if s.Find("use").Length() > 0 {
			return // already a reference
		}
		key := svgWhitespaceRe.ReplaceAllString(strings.TrimSpace(inner), " ")

		sp, dup := seen[key]
		if !dup {
			seen[key] = &sprite{first: s}
			return
		}
		if sp.id == "" {
			sp.id = assignSpriteID(sp.first, key)
		}
		attrs := carryAttrs(s, "class", "width", "height", "style", "aria-hidden", "role")
		s.ReplaceWithHtml(fmt.Sprintf(`<svg%s><use href="#%s"></use></svg>`, attrs, sp.id))
	})
	return nil
}

// assignSpriteID reuses the element's own id when it has one, otherwise
// derives a stable one from the content hash.
func assignSpriteID(s *goquery.Selection, key string) string {
	if id, ok := s.Attr("id"); ok && id != "" {
		return id
	}
	id := "pf-sprite-" + inventory.ShortHash([]byte(key))
	s.SetAttr("id", id)
	return id
}

func carryAttrs(s *goquery.Selection, names ...string) string {
	var b strings.Builder
	for _, n := range names {
		if v, ok := s.Attr(n); ok {
			fmt.Fprintf(&b, ` %s="%s"`, n, v)
		}
	}
	if _, ok := s.Attr("viewBox"); ok {
		v, _ := s.Attr("viewBox")
		fmt.Fprintf(&b, ` viewBox="%s"`, v)
	}
	return b.String()
}
