package assets

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/tdewolff/minify/v2"
	mincss "github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"

	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// CSSOptions carries the css.* slice of the effective settings.
type CSSOptions struct {
	Purge        bool
	Minify       bool
	MinifyPreset string // safe|advanced|lite
	FontDisplay  string // auto|block|swap|fallback|optional, empty leaves font faces alone
	Combine      bool

	// Matcher decides selector usage during a purge; nil disables purging
	// regardless of the Purge flag.
	Matcher *UsageMatcher
}

// CSSOptionsFrom extracts CSS options from the effective settings tree. The
// usage matcher is attached by the caller once page HTML is available.
func CSSOptionsFrom(effective map[string]any) CSSOptions {
	return CSSOptions{
		Purge:        settings.Bool(effective, false, "css", "purge"),
		Minify:       settings.Bool(effective, true, "css", "minify"),
		MinifyPreset: settings.String(effective, "safe", "css", "minifyPreset"),
		FontDisplay:  settings.String(effective, "swap", "css", "fontDisplay"),
		Combine:      settings.Bool(effective, false, "css", "combineStylesheets"),
	}
}

// CSSResult is the transformed stylesheet plus purge accounting.
type CSSResult struct {
	Output       []byte
	DroppedRules int
	Warnings     []string
}

// TransformCSS runs the stylesheet pipeline: purge unused rules, inject
// font-display into bare @font-face blocks, then minify per preset.
func TransformCSS(input []byte, opts CSSOptions) (CSSResult, error) {
	res := CSSResult{Output: input}

	if opts.Purge && opts.Matcher != nil {
		out, dropped, err := purgeCSS(res.Output, opts.Matcher)
		if err != nil {
			return res, fmt.Errorf("purge: %w", err)
		}
		res.Output = out
		res.DroppedRules = dropped
	}

	res.Output = injectFontDisplay(res.Output, opts.FontDisplay)

	if opts.Minify {
		switch opts.MinifyPreset {
		case "advanced":
			out, renamed := collapseKeyframeNames(res.Output)
			if renamed > 0 {
				res.Output = out
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("advanced preset renamed %d keyframes; dynamic animation references may break", renamed))
			}
			min, err := cssMinifier.Bytes("text/css", res.Output)
			if err != nil {
				return res, fmt.Errorf("minify: %w", err)
			}
			res.Output = min
		case "lite":
			res.Output = liteMinifyCSS(res.Output)
		default: // safe
			min, err := cssMinifier.Bytes("text/css", res.Output)
			if err != nil {
				return res, fmt.Errorf("minify: %w", err)
			}
			res.Output = min
		}
	}
	return res, nil
}

// SourceSheet is one stylesheet feeding a combine run.
type SourceSheet struct {
	Path string // site-root-relative, e.g. css/app.css
	Data []byte
}

// CombineCSS concatenates stylesheets in discovery order with source
// markers. Relative url() and @import references are rebased onto the site
// root first so the combined sheet works from any output location.
func CombineCSS(sheets []SourceSheet) []byte {
	var buf bytes.Buffer
	for _, s := range sheets {
		fmt.Fprintf(&buf, "/* Source: %s */\n", s.Path)
		buf.Write(rebaseURLs(s.Data, path.Dir(s.Path)))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// CriticalCSS returns the subset of rules whose selectors matched above the
// fold, for inlining into the document head.
func CriticalCSS(input []byte, aboveFold map[string]bool) ([]byte, error) {
	m := &UsageMatcher{coverage: aboveFold, exactOnly: true, cache: map[string]bool{}}
	out, _, err := purgeCSS(input, m)
	return out, err
}

var cssMinifier = func() *minify.M {
	m := minify.New()
	m.AddFunc("text/css", mincss.Minify)
	return m
}()

// UsageMatcher decides whether a selector is used on the captured pages,
// combining the crawler's coverage sets, a safelist keyed on
// aggressiveness, and live matching against the parsed documents.
type UsageMatcher struct {
	coverage  map[string]bool
	docs      []*goquery.Document
	safelist  []string
	exactOnly bool
	cache     map[string]bool
}

// Safe-mode safelist: class name prefixes that CMSes and widget scripts
// toggle at runtime, invisible to a static capture.
var safeClassPrefixes = []string{
	"wp-", "woocommerce", "elementor", "js-", "is-", "has-",
	"active", "open", "show", "hidden", "visible", "current",
	"menu-", "nav-", "collaps", "expand", "fade", "modal",
	"dropdown", "tooltip", "popover", "carousel", "slick", "swiper",
}

// NewUsageMatcher builds a matcher over the crawler coverage union and the
// captured documents. Aggressiveness "safe" applies the CMS safelist,
// "aggressive" applies none.
func NewUsageMatcher(coverage map[string]bool, docs []*goquery.Document, aggressiveness string) *UsageMatcher {
	m := &UsageMatcher{
		coverage: coverage,
		docs:     docs,
		cache:    map[string]bool{},
	}
	if aggressiveness != "aggressive" {
		m.safelist = safeClassPrefixes
	}
	return m
}

var (
	pseudoRe     = regexp.MustCompile(`::?[a-zA-Z-]+(\([^)]*\))?`)
	classTokenRe = regexp.MustCompile(`\.(-?[_a-zA-Z][_a-zA-Z0-9-]*)`)
)

// Used reports whether a selector should survive a purge.
func (m *UsageMatcher) Used(selector string) bool {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return false
	}
	if v, ok := m.cache[selector]; ok {
		return v
	}
	v := m.used(selector)
	m.cache[selector] = v
	return v
}

func (m *UsageMatcher) used(selector string) bool {
	if m.coverage[selector] {
		return true
	}
	if m.exactOnly {
		return false
	}
	for _, prefix := range m.safelist {
		for _, cls := range classTokenRe.FindAllStringSubmatch(selector, -1) {
			if strings.HasPrefix(strings.ToLower(cls[1]), prefix) {
				return true
			}
		}
	}
	bare := strings.TrimSpace(pseudoRe.ReplaceAllString(selector, ""))
	if bare == "" || bare == "*" {
		// pure pseudo selectors (::selection, :root) always apply
		return true
	}
	if m.coverage[bare] {
		return true
	}
	sel, err := cascadia.Compile(bare)
	if err != nil {
		// unsupported selector, keep it rather than risk breakage
		return true
	}
	for _, doc := range m.docs {
		if doc.FindMatcher(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// purgeCSS re-emits the stylesheet keeping only used rulesets. @font-face
// blocks always survive; @keyframes survive when a kept rule references
// their name; conditional wrappers survive when any inner rule does.
func purgeCSS(input []byte, m *UsageMatcher) ([]byte, int, error) {
	p := css.NewParser(parse.NewInput(bytes.NewReader(input)), false)

	type frame struct {
		header    string
		buf       bytes.Buffer
		keyframes bool
		fontFace  bool
		name      string
	}
	var (
		top          bytes.Buffer
		stack        []*frame
		pendingSels  []string
		dropping     bool
		dropped      int
		keyframeDefs []struct{ name, block string }
		usedAnims    = map[string]bool{}
	)
	out := func() *bytes.Buffer {
		if len(stack) > 0 {
			return &stack[len(stack)-1].buf
		}
		return &top
	}
	joinValues := func() string {
		var b strings.Builder
		for _, t := range p.Values() {
			b.Write(t.Data)
		}
		return b.String()
	}

	for {
		gt, _, data := p.Next()
		if gt == css.ErrorGrammar {
			if err := p.Err(); err != nil && err != io.EOF {
				return input, 0, err
			}
			break
		}
		switch gt {
		case css.CommentGrammar:
			text := string(data)
			if strings.HasPrefix(text, "/*!") || strings.Contains(text, "Source:") {
				out().WriteString(text)
			}
		case css.AtRuleGrammar:
			out().WriteString(string(data) + joinValues() + ";")
		case css.BeginAtRuleGrammar:
			name := strings.ToLower(string(data))
			prelude := joinValues()
			f := &frame{header: string(data) + prelude + "{"}
			switch {
			case strings.HasSuffix(name, "keyframes"):
				f.keyframes = true
				f.name = strings.TrimSpace(prelude)
			case name == "@font-face":
				f.fontFace = true
			}
			stack = append(stack, f)
		case css.EndAtRuleGrammar:
			if len(stack) == 0 {
				continue
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			content := f.buf.String()
			switch {
			case f.keyframes:
				keyframeDefs = append(keyframeDefs, struct{ name, block string }{
					f.name, f.header + content + "}",
				})
			case f.fontFace || content != "":
				out().WriteString(f.header + content + "}")
			}
		case css.QualifiedRuleGrammar:
			pendingSels = append(pendingSels, strings.TrimSpace(joinValues()))
		case css.BeginRulesetGrammar:
			pendingSels = append(pendingSels, strings.TrimSpace(joinValues()))
			inKeyframes := len(stack) > 0 && stack[len(stack)-1].keyframes
			var kept []string
			if inKeyframes {
				kept = pendingSels
			} else {
				for _, s := range pendingSels {
					if m.Used(s) {
						kept = append(kept, s)
					} else {
						dropped++
					}
				}
			}
			pendingSels = nil
			if len(kept) == 0 {
				dropping = true
			} else {
				dropping = false
				out().WriteString(strings.Join(kept, ",") + "{")
			}
		case css.EndRulesetGrammar:
			if !dropping {
				out().WriteString("}")
			}
			dropping = false
		case css.DeclarationGrammar, css.CustomPropertyGrammar:
			if dropping {
				continue
			}
			prop := string(data)
			val := joinValues()
			out().WriteString(prop + ":" + val + ";")
			lp := strings.ToLower(prop)
			if lp == "animation" || lp == "animation-name" {
				for _, ident := range identTokens(val) {
					usedAnims[ident] = true
				}
			}
		case css.TokenGrammar:
			out().Write(data)
		}
	}

	for _, kf := range keyframeDefs {
		if usedAnims[kf.name] {
			top.WriteString(kf.block)
		}
	}
	return top.Bytes(), dropped, nil
}

var identRe = regexp.MustCompile(`[A-Za-z_-][A-Za-z0-9_-]*`)

// identTokens pulls the candidate animation names out of an animation
// shorthand value. Timing keywords slip in too, which only over-keeps.
func identTokens(val string) []string {
	return identRe.FindAllString(val, -1)
}

var fontFaceRe = regexp.MustCompile(`(?is)@font-face\s*\{[^}]*\}`)

// injectFontDisplay adds a font-display descriptor to @font-face blocks
// that lack one.
func injectFontDisplay(in []byte, display string) []byte {
	if display == "" {
		return in
	}
	return fontFaceRe.ReplaceAllFunc(in, func(block []byte) []byte {
		if bytes.Contains(bytes.ToLower(block), []byte("font-display")) {
			return block
		}
		i := bytes.IndexByte(block, '{')
		if i < 0 {
			return block
		}
		var out bytes.Buffer
		out.Write(block[:i+1])
		out.WriteString("font-display:" + display + ";")
		out.Write(block[i+1:])
		return out.Bytes()
	})
}

var keyframesDeclRe = regexp.MustCompile(`(?i)@(-webkit-)?keyframes\s+([A-Za-z_-][A-Za-z0-9_-]*)`)
var animationDeclRe = regexp.MustCompile(`(?i)(animation(?:-name)?\s*:)([^;}]*)`)

// collapseKeyframeNames renames every @keyframes to a short sequential name
// and rewrites animation declarations accordingly. Returns the rename
// count; zero means the input came back untouched.
func collapseKeyframeNames(in []byte) ([]byte, int) {
	names := map[string]string{}
	var order []string
	for _, match := range keyframesDeclRe.FindAllSubmatch(in, -1) {
		name := string(match[2])
		if _, ok := names[name]; !ok {
			names[name] = fmt.Sprintf("k%d", len(names))
			order = append(order, name)
		}
	}
	if len(names) == 0 {
		return in, 0
	}
	// Longest first so one name being a prefix of another cannot corrupt
	// the rewrite.
	sort.Slice(order, func(i, j int) bool { return len(order[i]) > len(order[j]) })

	out := keyframesDeclRe.ReplaceAllFunc(in, func(m []byte) []byte {
		sub := keyframesDeclRe.FindSubmatch(m)
		return bytes.Replace(m, sub[2], []byte(names[string(sub[2])]), 1)
	})
	out = animationDeclRe.ReplaceAllFunc(out, func(m []byte) []byte {
		sub := animationDeclRe.FindSubmatch(m)
		val := string(sub[2])
		for _, old := range order {
			re := regexp.MustCompile(`\b` + regexp.QuoteMeta(old) + `\b`)
			val = re.ReplaceAllString(val, names[old])
		}
		return []byte(string(sub[1]) + val)
	})
	return out, len(names)
}

// liteMinifyCSS collapses whitespace without touching the structure:
// comments and every declaration survive byte-for-byte apart from spacing.
func liteMinifyCSS(in []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(in))
	var quote byte
	space := false
	for i := 0; i < len(in); i++ {
		c := in[i]
		if quote != 0 {
			out.WriteByte(c)
			if c == quote && (i == 0 || in[i-1] != '\\') {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
			out.WriteByte(c)
		case ' ', '\t', '\n', '\r', '\f':
			space = true
		default:
			if space {
				if b := lastByte(&out); b != 0 && !isCSSBoundary(b) && !isCSSBoundary(c) {
					out.WriteByte(' ')
				}
				space = false
			}
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}

func lastByte(b *bytes.Buffer) byte {
	s := b.Bytes()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func isCSSBoundary(c byte) bool {
	switch c {
	case '{', '}', ';', ':', ',', '(', ')', '>', '~', '+':
		return true
	}
	return false
}

var (
	cssURLRe    = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)['"]?\s*\)`)
	cssImportRe = regexp.MustCompile(`@import\s+(['"])([^'"]+)['"]`)
)

// rebaseURLs rewrites relative url() and @import references to
// root-relative form based on the sheet's original directory.
func rebaseURLs(in []byte, fromDir string) []byte {
	rebase := func(ref string) (string, bool) {
		if ref == "" || strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "#") ||
			strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") ||
			strings.HasPrefix(ref, "//") {
			return "", false
		}
		return path.Join("/", fromDir, ref), true
	}
	out := cssURLRe.ReplaceAllFunc(in, func(m []byte) []byte {
		sub := cssURLRe.FindSubmatch(m)
		if r, ok := rebase(string(sub[2])); ok {
			return []byte("url(" + r + ")")
		}
		return m
	})
	out = cssImportRe.ReplaceAllFunc(out, func(m []byte) []byte {
		sub := cssImportRe.FindSubmatch(m)
		if r, ok := rebase(string(sub[2])); ok {
			return []byte(`@import "` + r + `"`)
		}
		return m
	})
	return out
}
